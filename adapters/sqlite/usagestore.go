package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// EventStore implements ports.EventStore using SQLite.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new SQLite event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Insert stores an event. A conflicting id yields usage.ErrDuplicate.
func (s *EventStore) Insert(ctx context.Context, e usage.Event) error {
	ctxJSON, err := marshalMap(e.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, user_id, contact_id, organization_id, agent_id, session_id,
			tokens_used, response_time_ms, subscription_tier, occurred_at, received_at, context
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.UserID, e.ContactID, e.OrganizationID, string(e.Agent), e.SessionID,
		e.TokensUsed, e.ResponseTimeMs, string(e.Tier), toMillis(e.OccurredAt), toMillis(e.ReceivedAt), ctxJSON)
	if err != nil {
		return classify("insert event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("insert event", err)
	}
	if n == 0 {
		return usage.ErrDuplicate
	}
	return nil
}

// ListRange returns events with OccurredAt in [from, to), oldest first.
func (s *EventStore) ListRange(ctx context.Context, from, to time.Time) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, contact_id, organization_id, agent_id, session_id,
			tokens_used, response_time_ms, subscription_tier, occurred_at, received_at, context
		FROM usage_events
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
	`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var (
			e                    usage.Event
			agent, tierName, ctxJSON string
			occurred, received   int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ContactID, &e.OrganizationID, &agent, &e.SessionID,
			&e.TokensUsed, &e.ResponseTimeMs, &tierName, &occurred, &received, &ctxJSON); err != nil {
			return nil, classify("scan event", err)
		}
		e.Agent = tier.Agent(agent)
		e.Tier = tier.Name(tierName)
		e.OccurredAt = fromMillis(occurred)
		e.ReceivedAt = fromMillis(received)
		if e.Context, err = unmarshalMap(ctxJSON); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, classify("list events", rows.Err())
}

// Purge deletes events that occurred before the cutoff.
func (s *EventStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE occurred_at < ?`, toMillis(before))
	if err != nil {
		return 0, classify("purge events", err)
	}
	return res.RowsAffected()
}

// AggregateStore implements ports.AggregateStore using SQLite.
type AggregateStore struct {
	db *DB
}

// NewAggregateStore creates a new SQLite aggregate store.
func NewAggregateStore(db *DB) *AggregateStore {
	return &AggregateStore{db: db}
}

const aggregateColumns = `date, user_id, agent_id, interaction_count, token_total,
	avg_response_time_ms, subscription_tier, updated_at`

// ApplyEvent folds an event into its aggregate with a single upsert.
// Column references in the update clause read the pre-update row.
func (s *AggregateStore) ApplyEvent(ctx context.Context, e usage.Event, now time.Time) (usage.DailyAggregate, error) {
	k := e.Key()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_daily (`+aggregateColumns+`)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(date, user_id, agent_id) DO UPDATE SET
			interaction_count = interaction_count + 1,
			token_total = token_total + excluded.token_total,
			avg_response_time_ms = avg_response_time_ms +
				(excluded.avg_response_time_ms - avg_response_time_ms) / (interaction_count + 1),
			subscription_tier = excluded.subscription_tier,
			updated_at = excluded.updated_at
		RETURNING `+aggregateColumns,
		k.Date, k.UserID, string(k.Agent), e.TokensUsed, float64(e.ResponseTimeMs), string(e.Tier), toMillis(now))

	agg, err := scanAggregate(row)
	if err != nil {
		return usage.DailyAggregate{}, classify("apply event", err)
	}
	return agg, nil
}

// Get returns one aggregate.
func (s *AggregateStore) Get(ctx context.Context, k usage.Key) (usage.DailyAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+aggregateColumns+` FROM usage_daily
		WHERE date = ? AND user_id = ? AND agent_id = ?
	`, k.Date, k.UserID, string(k.Agent))

	agg, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return usage.DailyAggregate{}, usage.ErrNotFound
	}
	if err != nil {
		return usage.DailyAggregate{}, classify("get aggregate", err)
	}
	return agg, nil
}

// ListUser returns a user's aggregates in the inclusive date range.
func (s *AggregateStore) ListUser(ctx context.Context, userID, fromDate, toDate string) ([]usage.DailyAggregate, error) {
	return s.query(ctx, `
		SELECT `+aggregateColumns+` FROM usage_daily
		WHERE user_id = ? AND (? = '' OR date >= ?) AND (? = '' OR date <= ?)
		ORDER BY date, user_id, agent_id
	`, userID, fromDate, fromDate, toDate, toDate)
}

// ListRange returns every aggregate in the inclusive date range.
func (s *AggregateStore) ListRange(ctx context.Context, fromDate, toDate string) ([]usage.DailyAggregate, error) {
	return s.query(ctx, `
		SELECT `+aggregateColumns+` FROM usage_daily
		WHERE (? = '' OR date >= ?) AND (? = '' OR date <= ?)
		ORDER BY date, user_id, agent_id
	`, fromDate, fromDate, toDate, toDate)
}

// ActiveUsers returns the sorted ids of users with usage on date.
func (s *AggregateStore) ActiveUsers(ctx context.Context, date string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM usage_daily WHERE date = ? ORDER BY user_id
	`, date)
	if err != nil {
		return nil, classify("active users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classify("scan user", err)
		}
		users = append(users, u)
	}
	return users, classify("active users", rows.Err())
}

// ReplaceRange deletes aggregates in the date range and stores aggs in one transaction.
func (s *AggregateStore) ReplaceRange(ctx context.Context, fromDate, toDate string, aggs []usage.DailyAggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_daily WHERE date >= ? AND date <= ?`, fromDate, toDate); err != nil {
		return classify("clear aggregates", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO usage_daily (`+aggregateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify("prepare aggregate insert", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, a.Date, a.UserID, string(a.Agent), a.InteractionCount,
			a.TokenTotal, a.AvgResponseTimeMs, string(a.Tier), toMillis(a.UpdatedAt)); err != nil {
			return classify("insert aggregate", err)
		}
	}
	return classify("commit replace", tx.Commit())
}

func (s *AggregateStore) query(ctx context.Context, q string, args ...any) ([]usage.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list aggregates", err)
	}
	defer rows.Close()

	var out []usage.DailyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, classify("scan aggregate", err)
		}
		out = append(out, agg)
	}
	return out, classify("list aggregates", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAggregate(r scanner) (usage.DailyAggregate, error) {
	var (
		a               usage.DailyAggregate
		agent, tierName string
		updated         int64
	)
	if err := r.Scan(&a.Date, &a.UserID, &agent, &a.InteractionCount, &a.TokenTotal,
		&a.AvgResponseTimeMs, &tierName, &updated); err != nil {
		return usage.DailyAggregate{}, err
	}
	a.Agent = tier.Agent(agent)
	a.Tier = tier.Name(tierName)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Ensure interface compliance.
var (
	_ ports.EventStore     = (*EventStore)(nil)
	_ ports.AggregateStore = (*AggregateStore)(nil)
)
