package memory

import (
	"context"
	"hash/fnv"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/ports"
)

// alertShard holds the alerts whose (user, type) hashes to it.
type alertShard struct {
	mu     sync.Mutex
	alerts map[string]alert.Alert
	open   map[alert.Key]string
}

// AlertStore is a sharded in-memory implementation of ports.AlertStore.
// Operations on one (user, type) are serialized by its shard lock.
type AlertStore struct {
	shards []*alertShard
	ids    sync.Map // alert id -> shard index
	idgen  ports.IDGenerator
}

// NewAlertStore creates a new in-memory alert store.
func NewAlertStore(idgen ports.IDGenerator, numShards int) *AlertStore {
	if numShards <= 0 {
		numShards = 16
	}
	s := &AlertStore{shards: make([]*alertShard, numShards), idgen: idgen}
	for i := range s.shards {
		s.shards[i] = &alertShard{
			alerts: make(map[string]alert.Alert),
			open:   make(map[alert.Key]string),
		}
	}
	return s
}

func (s *AlertStore) shardIndex(k alert.Key) int {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *AlertStore) shardFor(id string) (*alertShard, bool) {
	idx, ok := s.ids.Load(id)
	if !ok {
		return nil, false
	}
	return s.shards[idx.(int)], true
}

// UpsertTrigger creates an alert or refreshes the open one.
func (s *AlertStore) UpsertTrigger(ctx context.Context, t alert.Trigger, now time.Time) (alert.Alert, bool, bool, error) {
	k := alert.Key{UserID: t.UserID, Type: t.Type}
	idx := s.shardIndex(k)
	shard := s.shards[idx]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if id, ok := shard.open[k]; ok {
		next, escalated := alert.Refresh(shard.alerts[id], t, now)
		shard.alerts[id] = next
		return clone(next), false, escalated, nil
	}

	a := alert.NewFromTrigger(s.idgen.New(), t, now)
	shard.alerts[a.ID] = a
	shard.open[k] = a.ID
	s.ids.Store(a.ID, idx)
	return clone(a), true, false, nil
}

// Get returns an alert by id.
func (s *AlertStore) Get(ctx context.Context, id string) (alert.Alert, error) {
	shard, ok := s.shardFor(id)
	if !ok {
		return alert.Alert{}, alert.ErrNotFound
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()

	a, ok := shard.alerts[id]
	if !ok {
		return alert.Alert{}, alert.ErrNotFound
	}
	return clone(a), nil
}

// Acknowledge marks an alert acknowledged.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string, now time.Time) (alert.Alert, error) {
	return s.transition(id, func(a alert.Alert) (alert.Alert, error) {
		return alert.Acknowledge(a, by, now)
	})
}

// Resolve marks an alert resolved and merges metadata.
func (s *AlertStore) Resolve(ctx context.Context, id, by string, metadata map[string]any, now time.Time) (alert.Alert, error) {
	return s.transition(id, func(a alert.Alert) (alert.Alert, error) {
		next, err := alert.Resolve(a, by, now)
		if err != nil {
			return a, err
		}
		if len(metadata) > 0 {
			next.Metadata = maps.Clone(next.Metadata)
			if next.Metadata == nil {
				next.Metadata = make(map[string]any, len(metadata))
			}
			maps.Copy(next.Metadata, metadata)
		}
		return next, nil
	})
}

// AutoResolve resolves the open alert for (user, type), if any.
func (s *AlertStore) AutoResolve(ctx context.Context, userID string, t alert.Type, now time.Time) (alert.Alert, bool, error) {
	k := alert.Key{UserID: userID, Type: t}
	shard := s.shards[s.shardIndex(k)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	id, ok := shard.open[k]
	if !ok {
		return alert.Alert{}, false, nil
	}
	next, err := alert.AutoResolve(shard.alerts[id], now)
	if err != nil {
		return alert.Alert{}, false, err
	}
	shard.alerts[id] = next
	delete(shard.open, k)
	return clone(next), true, nil
}

// FindOpen returns the open alert for (user, type), if any.
func (s *AlertStore) FindOpen(ctx context.Context, userID string, t alert.Type) (alert.Alert, bool, error) {
	k := alert.Key{UserID: userID, Type: t}
	shard := s.shards[s.shardIndex(k)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	id, ok := shard.open[k]
	if !ok {
		return alert.Alert{}, false, nil
	}
	return clone(shard.alerts[id]), true, nil
}

// ListActive returns unresolved alerts, most recently triggered first.
func (s *AlertStore) ListActive(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	var out []alert.Alert
	for _, shard := range s.shards {
		shard.mu.Lock()
		for _, id := range shard.open {
			a := shard.alerts[id]
			if f.Matches(a) {
				out = append(out, clone(a))
			}
		}
		shard.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Purge deletes resolved alerts whose resolution is older than the cutoff.
func (s *AlertStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, a := range shard.alerts {
			if !a.Status.IsOpen() && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
				delete(shard.alerts, id)
				s.ids.Delete(id)
				n++
			}
		}
		shard.mu.Unlock()
	}
	return n, nil
}

func (s *AlertStore) transition(id string, fn func(alert.Alert) (alert.Alert, error)) (alert.Alert, error) {
	shard, ok := s.shardFor(id)
	if !ok {
		return alert.Alert{}, alert.ErrNotFound
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()

	a, ok := shard.alerts[id]
	if !ok {
		return alert.Alert{}, alert.ErrNotFound
	}
	next, err := fn(a)
	if err != nil {
		return clone(a), err
	}
	shard.alerts[id] = next
	if !next.Status.IsOpen() {
		delete(shard.open, alert.Key{UserID: next.UserID, Type: next.Type})
	}
	return clone(next), nil
}

// clone detaches the metadata map from the stored copy.
func clone(a alert.Alert) alert.Alert {
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

// Ensure interface compliance.
var _ ports.AlertStore = (*AlertStore)(nil)
