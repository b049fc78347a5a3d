package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// aggregateShard is a single shard of the aggregate store.
type aggregateShard struct {
	mu   sync.RWMutex
	aggs map[usage.Key]usage.DailyAggregate
}

// AggregateStore is a sharded in-memory daily aggregate store.
// Each key's read-modify-write happens under its shard lock.
type AggregateStore struct {
	shards    []*aggregateShard
	numShards int
}

// AggregateStoreConfig configures the aggregate store.
type AggregateStoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewAggregateStore creates a new sharded in-memory aggregate store.
func NewAggregateStore(cfg AggregateStoreConfig) *AggregateStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	s := &AggregateStore{
		shards:    make([]*aggregateShard, cfg.NumShards),
		numShards: cfg.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &aggregateShard{aggs: make(map[usage.Key]usage.DailyAggregate)}
	}
	return s
}

// getShard returns the shard for a given key using consistent hashing.
func (s *AggregateStore) getShard(k usage.Key) *aggregateShard {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// ApplyEvent folds an event into its aggregate atomically.
func (s *AggregateStore) ApplyEvent(ctx context.Context, e usage.Event, now time.Time) (usage.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return usage.DailyAggregate{}, err
	}
	k := e.Key()
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	prev, exists := shard.aggs[k]
	next := usage.Apply(prev, exists, e, now)
	shard.aggs[k] = next
	return next, nil
}

// Get returns one aggregate.
func (s *AggregateStore) Get(ctx context.Context, k usage.Key) (usage.DailyAggregate, error) {
	shard := s.getShard(k)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	agg, ok := shard.aggs[k]
	if !ok {
		return usage.DailyAggregate{}, usage.ErrNotFound
	}
	return agg, nil
}

// ListUser returns a user's aggregates in the inclusive date range.
func (s *AggregateStore) ListUser(ctx context.Context, userID, fromDate, toDate string) ([]usage.DailyAggregate, error) {
	return s.collect(func(a usage.DailyAggregate) bool {
		return a.UserID == userID && inDateRange(a.Date, fromDate, toDate)
	}), nil
}

// ListRange returns every aggregate in the inclusive date range.
func (s *AggregateStore) ListRange(ctx context.Context, fromDate, toDate string) ([]usage.DailyAggregate, error) {
	return s.collect(func(a usage.DailyAggregate) bool {
		return inDateRange(a.Date, fromDate, toDate)
	}), nil
}

// ActiveUsers returns the sorted ids of users with usage on date.
func (s *AggregateStore) ActiveUsers(ctx context.Context, date string) ([]string, error) {
	aggs := s.collect(func(a usage.DailyAggregate) bool { return a.Date == date })
	users := lo.Uniq(lo.Map(aggs, func(a usage.DailyAggregate, _ int) string { return a.UserID }))
	sort.Strings(users)
	return users, nil
}

// ReplaceRange deletes aggregates in the date range and stores aggs.
func (s *AggregateStore) ReplaceRange(ctx context.Context, fromDate, toDate string, aggs []usage.DailyAggregate) error {
	for _, shard := range s.shards {
		shard.mu.Lock()
	}
	defer func() {
		for _, shard := range s.shards {
			shard.mu.Unlock()
		}
	}()

	for _, shard := range s.shards {
		for k := range shard.aggs {
			if inDateRange(k.Date, fromDate, toDate) {
				delete(shard.aggs, k)
			}
		}
	}
	for _, a := range aggs {
		s.getShard(a.Key).aggs[a.Key] = a
	}
	return nil
}

// collect scans all shards and returns matches sorted by date, user, agent.
func (s *AggregateStore) collect(match func(usage.DailyAggregate) bool) []usage.DailyAggregate {
	var out []usage.DailyAggregate
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, a := range shard.aggs {
			if match(a) {
				out = append(out, a)
			}
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Agent < out[j].Agent
	})
	return out
}

// Len returns the total number of aggregates across all shards (for testing).
func (s *AggregateStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.aggs)
		shard.mu.RUnlock()
	}
	return total
}

// inDateRange compares YYYY-MM-DD strings lexically. Empty bounds are open.
func inDateRange(date, from, to string) bool {
	if from != "" && date < from {
		return false
	}
	if to != "" && date > to {
		return false
	}
	return true
}

// Ensure interface compliance.
var _ ports.AggregateStore = (*AggregateStore)(nil)
