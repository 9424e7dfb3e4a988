package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event is one audit record. Error carries the failure kind, never a wrapped
// cause, so sinks can index on it.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Identity  string            `json:"identity,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events. Emit must not retain ev.Metadata.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a reader, mostly in tests.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes newline-delimited JSON. The first write error is kept
// and later events are discarded.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	s := &JSONWriterSink{}
	if w != nil {
		s.enc = json.NewEncoder(w)
	}
	return s
}

func (s *JSONWriterSink) Emit(_ context.Context, ev Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil || s.err != nil {
		return
	}
	s.err = s.enc.Encode(ev)
}

// Err reports the write error that stopped the sink, if any.
func (s *JSONWriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
