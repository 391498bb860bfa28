package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/storage"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(eventType types.EventType) *types.SecurityEvent {
	return types.NewEvent(eventType, types.SeverityInfo, "test", "alice", "corr-1").
		WithDetail("resource", "/reports")
}

func newFallbackStore(t *testing.T) storage.Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "bastion-audit-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.NewBoltStore(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker(16)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	event := testEvent(types.EventAuthSuccess)
	broker.Publish(event)

	select {
	case received := <-sub:
		assert.Equal(t, event.EventID, received.EventID)
		assert.Equal(t, types.EventAuthSuccess, received.Type)
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive the event")
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	broker := NewBroker(2)
	// Not started: the queue fills and stays full

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			broker.Publish(testEvent(types.EventAuthFailure))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish must not block when the queue is full")
	}
}

func TestBrokerPublishAfterStop(t *testing.T) {
	broker := NewBroker(16)
	broker.Start()
	broker.Stop()

	// Must be a harmless no-op
	broker.Publish(testEvent(types.EventAuthSuccess))
}

func TestBrokerSubscriberCount(t *testing.T) {
	broker := NewBroker(16)
	broker.Start()
	defer broker.Stop()

	assert.Equal(t, 0, broker.SubscriberCount())
	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestFileSinkStableFieldNames(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "bastion-sink-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	path := filepath.Join(tmpDir, "audit", "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(testEvent(types.EventAuthzDeny)))
	require.NoError(t, sink.Write(testEvent(types.EventAuthzGrant)))
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))

		// Field names are a stable contract for SIEM consumers
		for _, field := range []string{"event_id", "timestamp", "type", "severity", "source", "subject_id", "correlation_id", "detail"} {
			assert.Contains(t, record, field)
		}
	}
	assert.Equal(t, 2, lines)
}

// failingSink simulates an unavailable audit destination
type failingSink struct {
	mu     sync.Mutex
	fail   bool
	events []*types.SecurityEvent
}

func (s *failingSink) Write(event *types.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *failingSink) Close() error { return nil }

func (s *failingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *failingSink) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = false
}

func TestRecorderBuffersOnSinkFailure(t *testing.T) {
	store := newFallbackStore(t)
	sink := &failingSink{fail: true}
	recorder := NewRecorder(store, sink)

	event := testEvent(types.EventAuthFailure)
	recorder.Record(event)

	buffered, err := store.ListFallbackEvents()
	require.NoError(t, err)
	require.Len(t, buffered, 1)

	var stored types.SecurityEvent
	require.NoError(t, json.Unmarshal(buffered[0], &stored))
	assert.Equal(t, event.EventID, stored.EventID)
}

func TestRecorderReplayAfterRecovery(t *testing.T) {
	store := newFallbackStore(t)
	sink := &failingSink{fail: true}
	recorder := NewRecorder(store, sink)

	recorder.Record(testEvent(types.EventAuthFailure))
	recorder.Record(testEvent(types.EventAuthzDeny))

	// Sink still down: replay fails and the buffer is kept
	require.Error(t, recorder.Replay())
	buffered, _ := store.ListFallbackEvents()
	assert.Len(t, buffered, 2)

	// Sink recovers: replay drains the buffer
	sink.recover()
	require.NoError(t, recorder.Replay())
	assert.Equal(t, 2, sink.count())

	buffered, err := store.ListFallbackEvents()
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func TestRecorderHealthySinkSkipsFallback(t *testing.T) {
	store := newFallbackStore(t)
	sink := &failingSink{}
	recorder := NewRecorder(store, sink)

	recorder.Record(testEvent(types.EventAuthSuccess))

	assert.Equal(t, 1, sink.count())
	buffered, err := store.ListFallbackEvents()
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func TestRecorderRunConsumesSubscription(t *testing.T) {
	broker := NewBroker(16)
	broker.Start()
	defer broker.Stop()

	sink := &failingSink{}
	recorder := NewRecorder(nil, sink)

	sub := broker.Subscribe()
	done := make(chan struct{})
	go func() {
		recorder.Run(sub)
		close(done)
	}()

	broker.Publish(testEvent(types.EventAuthzGrant))

	assert.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 10*time.Millisecond)

	broker.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return once the subscription closes")
	}
}
