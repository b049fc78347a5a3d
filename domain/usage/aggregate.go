package usage

import (
	"sort"
	"time"

	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/samber/lo"
)

// DailyAggregate is the rollup of all events for one (date, user, agent).
type DailyAggregate struct {
	Key
	InteractionCount  int64
	TokenTotal        int64
	AvgResponseTimeMs float64
	Tier              tier.Name // last seen
	UpdatedAt         time.Time
}

// Apply folds one event into an aggregate.
// If exists is false, a new aggregate is seeded from the event.
// This is a PURE function.
func Apply(prev DailyAggregate, exists bool, e Event, now time.Time) DailyAggregate {
	if !exists {
		return DailyAggregate{
			Key:               e.Key(),
			InteractionCount:  1,
			TokenTotal:        e.TokensUsed,
			AvgResponseTimeMs: float64(e.ResponseTimeMs),
			Tier:              e.Tier,
			UpdatedAt:         now,
		}
	}

	next := prev
	next.InteractionCount++
	next.TokenTotal += e.TokensUsed
	next.AvgResponseTimeMs += (float64(e.ResponseTimeMs) - prev.AvgResponseTimeMs) / float64(next.InteractionCount)
	next.Tier = e.Tier
	next.UpdatedAt = now
	return next
}

// Fold rebuilds aggregates from raw events, applying them in occurrence order.
// Used for backfill and repair only.
// This is a PURE function.
func Fold(events []Event, now time.Time) map[Key]DailyAggregate {
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})

	out := make(map[Key]DailyAggregate)
	for _, e := range sorted {
		k := e.Key()
		prev, ok := out[k]
		out[k] = Apply(prev, ok, e, now)
	}
	return out
}

// AgentSummary is a per-(user, agent) rollup over several days.
type AgentSummary struct {
	UserID            string
	Agent             tier.Agent
	Interactions      int64
	Tokens            int64
	AvgResponseTimeMs float64
	Tier              tier.Name
	Days              int
	LastUpdated       time.Time
}

// Summarize merges daily aggregates into per-(user, agent) summaries,
// weighting response time means by interaction count.
// Output is sorted by user then agent.
// This is a PURE function.
func Summarize(aggs []DailyAggregate) []AgentSummary {
	type sk struct {
		user  string
		agent tier.Agent
	}
	byKey := make(map[sk]*AgentSummary)
	for _, a := range aggs {
		k := sk{a.UserID, a.Agent}
		s, ok := byKey[k]
		if !ok {
			s = &AgentSummary{UserID: a.UserID, Agent: a.Agent}
			byKey[k] = s
		}
		total := s.Interactions + a.InteractionCount
		if total > 0 {
			s.AvgResponseTimeMs = (s.AvgResponseTimeMs*float64(s.Interactions) +
				a.AvgResponseTimeMs*float64(a.InteractionCount)) / float64(total)
		}
		s.Interactions = total
		s.Tokens += a.TokenTotal
		s.Days++
		if !a.UpdatedAt.Before(s.LastUpdated) {
			s.LastUpdated = a.UpdatedAt
			s.Tier = a.Tier
		}
	}

	out := lo.MapToSlice(byKey, func(_ sk, s *AgentSummary) AgentSummary { return *s })
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Agent < out[j].Agent
	})
	return out
}

// DailyTotals is a user's usage across all agents on one day.
type DailyTotals struct {
	Date         string
	Interactions int64
	Tokens       int64
}

// TotalsByDate sums aggregates per day. Days with no aggregates are absent.
// This is a PURE function.
func TotalsByDate(aggs []DailyAggregate) map[string]DailyTotals {
	out := make(map[string]DailyTotals)
	for _, a := range aggs {
		t := out[a.Date]
		t.Date = a.Date
		t.Interactions += a.InteractionCount
		t.Tokens += a.TokenTotal
		out[a.Date] = t
	}
	return out
}

// SumTokens returns the token total across aggregates.
// This is a PURE function.
func SumTokens(aggs []DailyAggregate) int64 {
	return lo.SumBy(aggs, func(a DailyAggregate) int64 { return a.TokenTotal })
}

// SumInteractions returns the interaction total across aggregates.
// This is a PURE function.
func SumInteractions(aggs []DailyAggregate) int64 {
	return lo.SumBy(aggs, func(a DailyAggregate) int64 { return a.InteractionCount })
}
