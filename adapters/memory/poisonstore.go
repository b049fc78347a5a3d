package memory

import (
	"context"
	"sync"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// PoisonStore is an in-memory implementation of ports.PoisonStore.
type PoisonStore struct {
	mu     sync.RWMutex
	events []usage.PoisonEvent
}

// NewPoisonStore creates a new in-memory poison store.
func NewPoisonStore() *PoisonStore {
	return &PoisonStore{}
}

// Record stores a poison event.
func (s *PoisonStore) Record(ctx context.Context, p usage.PoisonEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
	return nil
}

// List returns the most recent poison events first.
func (s *PoisonStore) List(ctx context.Context, limit int) ([]usage.PoisonEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]usage.PoisonEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.PoisonStore = (*PoisonStore)(nil)
