package audit

import (
	"context"
	"log/slog"
	"sync"
)

// SlogSink writes events as structured log records, for deployments where
// the log pipeline ships the audit trail.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		panic("audit: logger cannot be nil")
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Store(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Result != ResultSuccess {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.String("action", e.Action),
		slog.String("result", string(e.Result)),
	}
	if e.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", e.AccountID))
	}
	if e.Actor != "" {
		attrs = append(attrs, slog.String("actor", e.Actor))
	}
	if e.Resource != "" {
		attrs = append(attrs, slog.String("resource", e.Resource), slog.String("resource_id", e.ResourceID))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if len(e.Metadata) > 0 {
		meta := make([]any, 0, len(e.Metadata)*2)
		for k, v := range e.Metadata {
			meta = append(meta, k, v)
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	s.log.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// MemorySink keeps events in memory. Useful in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Store(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Actions lists recorded action names in order.
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}
