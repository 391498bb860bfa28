package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

// Sink is an append-only destination for security events. Field names in the
// emitted records are stable; SIEM and audit consumers depend on them.
type Sink interface {
	Write(event *types.SecurityEvent) error
	Close() error
}

// FileSink appends security events to a JSONL file
type FileSink struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileSink opens (or creates) the audit log file for appending
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileSink{file: file}, nil
}

// Write appends one event as a JSON line
func (s *FileSink) Write(event *types.SecurityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// LogSink emits security events through a zerolog logger
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that writes events to the structured log
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Write emits the event with stable field names
func (s *LogSink) Write(event *types.SecurityEvent) error {
	entry := s.logger.Info()
	switch event.Severity {
	case types.SeverityWarning:
		entry = s.logger.Warn()
	case types.SeverityHigh, types.SeverityCritical:
		entry = s.logger.Error()
	}

	entry.
		Str("event_id", event.EventID).
		Time("timestamp", event.Timestamp).
		Str("type", string(event.Type)).
		Str("severity", string(event.Severity)).
		Str("source", event.Source).
		Str("subject_id", event.SubjectID).
		Str("correlation_id", event.CorrelationID).
		Interface("detail", event.Detail).
		Msg("security event")
	return nil
}

// Close is a no-op for the log sink
func (s *LogSink) Close() error {
	return nil
}
