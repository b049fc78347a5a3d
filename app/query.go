package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexuscrm/agentusage/domain/threshold"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// MonthLayout is the layout of month query parameters.
const MonthLayout = "2006-01"

// ErrInvalidQuery marks malformed query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// maxDailyRange bounds daily aggregate queries.
const maxDailyRange = 366

// SummaryRow is one (user, agent) month-to-date rollup.
type SummaryRow struct {
	usage.AgentSummary
	MonthlyTokenLimit int64
	TokenRatio        float64
}

// UsageQueries answers read-only usage questions.
type UsageQueries struct {
	aggregates ports.AggregateStore
	catalog    ports.TierCatalog
	clock      ports.Clock
}

// NewUsageQueries creates the query service.
func NewUsageQueries(aggregates ports.AggregateStore, catalog ports.TierCatalog, clock ports.Clock) *UsageQueries {
	return &UsageQueries{aggregates: aggregates, catalog: catalog, clock: clock}
}

// MonthSummary returns per-(user, agent) rows for a month (YYYY-MM,
// default current). An empty userID covers every user.
func (q *UsageQueries) MonthSummary(ctx context.Context, userID, month string) ([]SummaryRow, error) {
	at := q.clock.Now()
	if month != "" {
		t, err := time.Parse(MonthLayout, month)
		if err != nil {
			return nil, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidQuery)
		}
		at = t
	}
	first, last := usage.MonthDates(at)

	aggs, err := q.list(ctx, userID, first, last)
	if err != nil {
		return nil, err
	}

	summaries := usage.Summarize(aggs)
	rows := make([]SummaryRow, 0, len(summaries))
	for _, s := range summaries {
		row := SummaryRow{AgentSummary: s}
		if l, err := q.catalog.GetLimits(s.Tier); err == nil {
			row.MonthlyTokenLimit = l.MonthlyTokenLimit
			row.TokenRatio = threshold.Ratio(s.Tokens, l.MonthlyTokenLimit)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Daily returns aggregates in [from, to]. Empty bounds default to the
// current month so far.
func (q *UsageQueries) Daily(ctx context.Context, userID, from, to string) ([]usage.DailyAggregate, error) {
	now := q.clock.Now()
	if from == "" {
		from, _ = usage.MonthDates(now)
	}
	if to == "" {
		to = usage.DateOf(now)
	}

	f, err := time.Parse(usage.DateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("%w: from must be YYYY-MM-DD", ErrInvalidQuery)
	}
	t, err := time.Parse(usage.DateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("%w: to must be YYYY-MM-DD", ErrInvalidQuery)
	}
	if t.Before(f) {
		return nil, fmt.Errorf("%w: to must not be before from", ErrInvalidQuery)
	}
	if t.Sub(f) > maxDailyRange*24*time.Hour {
		return nil, fmt.Errorf("%w: range must not exceed %d days", ErrInvalidQuery, maxDailyRange)
	}

	return q.list(ctx, userID, from, to)
}

func (q *UsageQueries) list(ctx context.Context, userID, from, to string) ([]usage.DailyAggregate, error) {
	if userID == "" {
		return q.aggregates.ListRange(ctx, from, to)
	}
	return q.aggregates.ListUser(ctx, userID, from, to)
}
