package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"time"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/ports"
)

// AlertStore implements ports.AlertStore using SQLite. The partial unique
// index on open (user_id, alert_type) backs the one-open-alert rule.
type AlertStore struct {
	db    *DB
	idgen ports.IDGenerator
}

// NewAlertStore creates a new SQLite alert store.
func NewAlertStore(db *DB, idgen ports.IDGenerator) *AlertStore {
	return &AlertStore{db: db, idgen: idgen}
}

const alertColumns = `id, user_id, alert_type, message, threshold, current_value, severity, status,
	triggered_at, first_seen_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
	auto_resolved, trigger_count, metadata`

const openStatuses = `('triggered', 'acknowledged')`

// UpsertTrigger creates an alert or refreshes the open one in a single
// immediate transaction.
func (s *AlertStore) UpsertTrigger(ctx context.Context, t alert.Trigger, now time.Time) (alert.Alert, bool, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alert.Alert{}, false, false, classify("begin upsert alert", err)
	}
	defer tx.Rollback()

	existing, err := scanAlert(tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM usage_alerts
		WHERE user_id = ? AND alert_type = ? AND status IN `+openStatuses,
		t.UserID, string(t.Type)))

	var (
		a                  alert.Alert
		created, escalated bool
	)
	switch {
	case err == sql.ErrNoRows:
		a = alert.NewFromTrigger(s.idgen.New(), t, now)
		created = true
		err = insertAlert(ctx, tx, a)
	case err != nil:
		return alert.Alert{}, false, false, classify("find open alert", err)
	default:
		a, escalated = alert.Refresh(existing, t, now)
		err = updateAlert(ctx, tx, a)
	}
	if err != nil {
		return alert.Alert{}, false, false, err
	}
	if err := tx.Commit(); err != nil {
		return alert.Alert{}, false, false, classify("commit upsert alert", err)
	}
	return a, created, escalated, nil
}

// Get returns an alert by id.
func (s *AlertStore) Get(ctx context.Context, id string) (alert.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM usage_alerts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return alert.Alert{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Alert{}, classify("get alert", err)
	}
	return a, nil
}

// Acknowledge marks an alert acknowledged.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string, now time.Time) (alert.Alert, error) {
	return s.transition(ctx, id, func(a alert.Alert) (alert.Alert, error) {
		return alert.Acknowledge(a, by, now)
	})
}

// Resolve marks an alert resolved and merges metadata.
func (s *AlertStore) Resolve(ctx context.Context, id, by string, metadata map[string]any, now time.Time) (alert.Alert, error) {
	return s.transition(ctx, id, func(a alert.Alert) (alert.Alert, error) {
		next, err := alert.Resolve(a, by, now)
		if err != nil {
			return a, err
		}
		if len(metadata) > 0 {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alert.Alert{}, false, classify("begin auto-resolve", err)
	}
	defer tx.Rollback()

	a, err := scanAlert(tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM usage_alerts
		WHERE user_id = ? AND alert_type = ? AND status IN `+openStatuses,
		userID, string(t)))
	if err == sql.ErrNoRows {
		return alert.Alert{}, false, nil
	}
	if err != nil {
		return alert.Alert{}, false, classify("find open alert", err)
	}

	next, err := alert.AutoResolve(a, now)
	if err != nil {
		return alert.Alert{}, false, err
	}
	if err := updateAlert(ctx, tx, next); err != nil {
		return alert.Alert{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return alert.Alert{}, false, classify("commit auto-resolve", err)
	}
	return next, true, nil
}

// FindOpen returns the open alert for (user, type), if any.
func (s *AlertStore) FindOpen(ctx context.Context, userID string, t alert.Type) (alert.Alert, bool, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM usage_alerts
		WHERE user_id = ? AND alert_type = ? AND status IN `+openStatuses,
		userID, string(t)))
	if err == sql.ErrNoRows {
		return alert.Alert{}, false, nil
	}
	if err != nil {
		return alert.Alert{}, false, classify("find open alert", err)
	}
	return a, true, nil
}

// ListActive returns unresolved alerts, most recently triggered first.
func (s *AlertStore) ListActive(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM usage_alerts
		WHERE status IN `+openStatuses+`
			AND (? = '' OR user_id = ?)
			AND (? = '' OR alert_type = ?)
		ORDER BY triggered_at DESC, id
		LIMIT ?
	`, f.UserID, f.UserID, string(f.Type), string(f.Type), limit)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify("scan alert", err)
		}
		out = append(out, a)
	}
	return out, classify("list alerts", rows.Err())
}

// Purge deletes resolved alerts whose resolution is older than the cutoff.
func (s *AlertStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_alerts
		WHERE status NOT IN `+openStatuses+` AND resolved_at IS NOT NULL AND resolved_at < ?
	`, toMillis(before))
	if err != nil {
		return 0, classify("purge alerts", err)
	}
	return res.RowsAffected()
}

func (s *AlertStore) transition(ctx context.Context, id string, fn func(alert.Alert) (alert.Alert, error)) (alert.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alert.Alert{}, classify("begin transition", err)
	}
	defer tx.Rollback()

	a, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM usage_alerts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return alert.Alert{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Alert{}, classify("get alert", err)
	}

	next, err := fn(a)
	if err != nil {
		return a, err
	}
	if err := updateAlert(ctx, tx, next); err != nil {
		return alert.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return alert.Alert{}, classify("commit transition", err)
	}
	return next, nil
}

func insertAlert(ctx context.Context, tx *sql.Tx, a alert.Alert) error {
	md, err := marshalMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, string(a.Type), a.Message, a.Threshold, a.CurrentValue, string(a.Severity), string(a.Status),
		toMillis(a.TriggeredAt), toMillis(a.FirstSeenAt), toNullMillis(a.AcknowledgedAt), a.AcknowledgedBy,
		toNullMillis(a.ResolvedAt), a.ResolvedBy, a.AutoResolved, a.TriggerCount, md)
	return classify("insert alert", err)
}

func updateAlert(ctx context.Context, tx *sql.Tx, a alert.Alert) error {
	md, err := marshalMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE usage_alerts SET
			message = ?, threshold = ?, current_value = ?, severity = ?, status = ?,
			triggered_at = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?,
			resolved_by = ?, auto_resolved = ?, trigger_count = ?, metadata = ?
		WHERE id = ?
	`, a.Message, a.Threshold, a.CurrentValue, string(a.Severity), string(a.Status),
		toMillis(a.TriggeredAt), toNullMillis(a.AcknowledgedAt), a.AcknowledgedBy, toNullMillis(a.ResolvedAt),
		a.ResolvedBy, a.AutoResolved, a.TriggerCount, md, a.ID)
	return classify("update alert", err)
}

func scanAlert(r scanner) (alert.Alert, error) {
	var (
		a                        alert.Alert
		typ, sev, status, md     string
		triggered, firstSeen     int64
		acknowledged, resolvedAt sql.NullInt64
	)
	err := r.Scan(&a.ID, &a.UserID, &typ, &a.Message, &a.Threshold, &a.CurrentValue, &sev, &status,
		&triggered, &firstSeen, &acknowledged, &a.AcknowledgedBy, &resolvedAt, &a.ResolvedBy,
		&a.AutoResolved, &a.TriggerCount, &md)
	if err != nil {
		return alert.Alert{}, err
	}
	a.Type = alert.Type(typ)
	a.Severity = alert.Severity(sev)
	a.Status = alert.Status(status)
	a.TriggeredAt = fromMillis(triggered)
	a.FirstSeenAt = fromMillis(firstSeen)
	a.AcknowledgedAt = fromNullMillis(acknowledged)
	a.ResolvedAt = fromNullMillis(resolvedAt)
	if a.Metadata, err = unmarshalMap(md); err != nil {
		return alert.Alert{}, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
	}
	return a, nil
}

// Ensure interface compliance.
var _ ports.AlertStore = (*AlertStore)(nil)
