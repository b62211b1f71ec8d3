package push

import (
	"context"
	"errors"
	"sync"
)

const memMaxEvents = 10_000

// InMemoryEventStore is the default EventStore when no database is configured.
// It keeps a bounded ring of the most recent events.
type InMemoryEventStore struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	max    int
}

// NewInMemoryEventStore constructs an in-memory EventStore holding at most max events.
func NewInMemoryEventStore(max int) *InMemoryEventStore {
	if max <= 0 {
		max = memMaxEvents
	}
	return &InMemoryEventStore{
		events: make([]Event, max),
		max:    max,
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryEventStore) Close() error { return nil }

// Append stores ev, evicting the oldest event when full.
func (s *InMemoryEventStore) Append(ctx context.Context, ev Event) error {
	if ev.ID == "" || ev.Kind == "" {
		return errors.New("invalid event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.events[s.next] = ev
	s.next = (s.next + 1) % s.max
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// Recent returns up to limit events, newest first.
func (s *InMemoryEventStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampRecentLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = s.max
	}
	if limit > n {
		limit = n
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + s.max) % s.max
		out = append(out, s.events[idx])
	}
	return out, nil
}
