package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// EventStore is an in-memory implementation of ports.EventStore.
type EventStore struct {
	mu     sync.RWMutex
	byID   map[string]struct{}
	events []usage.Event
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		byID:   make(map[string]struct{}),
		events: make([]usage.Event, 0),
	}
}

// Insert stores an event, rejecting duplicate ids.
func (s *EventStore) Insert(ctx context.Context, e usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; ok {
		return usage.ErrDuplicate
	}
	s.byID[e.ID] = struct{}{}
	s.events = append(s.events, e)
	return nil
}

// ListRange returns events with OccurredAt in [from, to), oldest first.
func (s *EventStore) ListRange(ctx context.Context, from, to time.Time) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Event
	for _, e := range s.events {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Purge deletes events that occurred before the cutoff.
func (s *EventStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.OccurredAt.Before(before) {
			delete(s.byID, e.ID)
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

// Len returns the number of stored events (for testing).
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Ensure interface compliance.
var _ ports.EventStore = (*EventStore)(nil)
