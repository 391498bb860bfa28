package audit

import (
	"sync"

	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/types"
)

// Subscriber is a channel that receives security events
type Subscriber chan *types.SecurityEvent

// Broker fans security events out to subscribers (audit recorder, threat
// analyzer). Publishing is non-blocking: when the internal queue is full the
// oldest event is dropped and counted, so event distribution never adds
// latency to the request path.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.SecurityEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.SecurityEvent, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution. Best-effort: drops the oldest
// queued event when the queue is full rather than blocking the caller.
func (b *Broker) Publish(event *types.SecurityEvent) {
	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		// Queue full: drop oldest, then retry once
		select {
		case <-b.eventCh:
			metrics.EventsDropped.Inc()
		default:
		}
		select {
		case b.eventCh <- event:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.SecurityEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			metrics.EventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
