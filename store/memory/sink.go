package memory

import (
	"context"
	"sync"

	"github.com/ineyio/inferbill"
)

// Sink is an in-memory audit sink.
type Sink struct {
	mu     sync.Mutex
	events []inferbill.Event
}

var _ inferbill.Sink = (*Sink)(nil)

// NewSink creates an empty Sink.
func NewSink() *Sink { return &Sink{} }

// Write implements inferbill.Sink.
func (s *Sink) Write(_ context.Context, e inferbill.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of every recorded event.
func (s *Sink) Events() []inferbill.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inferbill.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Codes returns the code of every recorded event in order.
func (s *Sink) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Code
	}
	return out
}

// ByCode returns the events with the given code.
func (s *Sink) ByCode(code string) []inferbill.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inferbill.Event
	for _, e := range s.events {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}
