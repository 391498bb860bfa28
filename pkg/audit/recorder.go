package audit

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

// Recorder writes security events to the configured sinks. A sink failure
// never blocks request processing: the event is buffered locally in the
// store and an alert is logged, so the audit trail is never silently lost.
type Recorder struct {
	sinks    []Sink
	fallback storage.Store
	logger   zerolog.Logger
}

// NewRecorder creates a recorder over the given sinks with a store-backed
// fallback buffer. The fallback store may be nil, in which case sink
// failures are only logged.
func NewRecorder(fallback storage.Store, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:    sinks,
		fallback: fallback,
		logger:   log.WithComponent("audit"),
	}
}

// Record delivers one event to every sink. Errors are contained here.
func (r *Recorder) Record(event *types.SecurityEvent) {
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	var failed bool
	for _, sink := range r.sinks {
		if err := sink.Write(event); err != nil {
			failed = true
			r.logger.Error().
				Err(types.NewLoggingError("sink write", err)).
				Str("event_id", event.EventID).
				Msg("audit sink unavailable")
		}
	}

	if failed {
		r.bufferLocally(event)
	}
}

// Run consumes events from a broker subscription until the channel closes
func (r *Recorder) Run(sub Subscriber) {
	for event := range sub {
		r.Record(event)
	}
}

// Replay re-emits locally buffered events to the sinks and clears the buffer
// when every event is delivered. Called after a sink recovers.
func (r *Recorder) Replay() error {
	if r.fallback == nil {
		return nil
	}

	buffered, err := r.fallback.ListFallbackEvents()
	if err != nil {
		return fmt.Errorf("failed to list fallback events: %w", err)
	}

	for _, data := range buffered {
		var event types.SecurityEvent
		if err := json.Unmarshal(data, &event); err != nil {
			r.logger.Warn().Err(err).Msg("skipping undecodable fallback event")
			continue
		}
		for _, sink := range r.sinks {
			if err := sink.Write(&event); err != nil {
				return fmt.Errorf("sink still unavailable: %w", err)
			}
		}
	}

	return r.fallback.ClearFallbackEvents()
}

// Close closes all sinks
func (r *Recorder) Close() error {
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Recorder) bufferLocally(event *types.SecurityEvent) {
	metrics.AuditFallbackTotal.Inc()

	if r.fallback == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal event for fallback buffer")
		return
	}
	if err := r.fallback.AppendFallbackEvent(data); err != nil {
		r.logger.Error().Err(err).Msg("failed to append event to fallback buffer")
	}
}
