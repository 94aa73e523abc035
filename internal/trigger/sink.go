package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ChainFlow-Nodes/pkg/logger"
)

// Sink receives trigger events. Implementations must be safe for
// concurrent use; every running trigger delivers from its own goroutine.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
	Close() error
}

// MemorySink keeps the most recent events in a ring and fans them out to
// live watchers.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	watchers map[int]chan Event
	nextID   int
}

// NewMemorySink keeps up to capacity events; zero means 256.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{capacity: capacity, watchers: make(map[int]chan Event)}
}

func (s *MemorySink) Deliver(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if over := len(s.events) - s.capacity; over > 0 {
		s.events = append([]Event(nil), s.events[over:]...)
	}
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
			// slow watcher, drop
		}
	}
	return nil
}

// Events returns buffered events, optionally restricted to one trigger.
func (s *MemorySink) Events(triggerID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if triggerID == "" || ev.TriggerID == triggerID {
			out = append(out, ev)
		}
	}
	return out
}

// Watch streams new events until the returned cancel func is called.
func (s *MemorySink) Watch(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(ch)
			}
		})
	}
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	return nil
}

// LogSink writes events to the audit log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink uses the audit logger when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Audit()
	}
	return &LogSink{log: l}
}

func (s *LogSink) Deliver(ctx context.Context, event Event) error {
	s.log.InfoContext(ctx, "trigger event",
		slog.String("trigger_id", event.TriggerID),
		slog.String("node", event.Node),
		slog.String("operation", event.Operation),
		slog.String("network", event.Network),
		slog.String("payload", string(event.Payload)))
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink delivers to every sink and joins the failures.
type MultiSink []Sink

// NewMultiSink drops nil sinks; a single sink is returned unwrapped.
func NewMultiSink(sinks ...Sink) Sink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m MultiSink) Deliver(ctx context.Context, event Event) error {
	var errs []error
	for i, s := range m {
		if err := s.Deliver(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
