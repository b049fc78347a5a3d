package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// PoisonStore implements ports.PoisonStore using SQLite.
type PoisonStore struct {
	db *DB
}

// NewPoisonStore creates a new SQLite poison store.
func NewPoisonStore(db *DB) *PoisonStore {
	return &PoisonStore{db: db}
}

// Record stores a poison event with its full payload.
func (s *PoisonStore) Record(ctx context.Context, p usage.PoisonEvent) error {
	payload, err := json.Marshal(p.Event)
	if err != nil {
		return fmt.Errorf("encode poison payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO poison_events (event_id, payload, attempts, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.EventID, string(payload), p.Attempts, p.LastError, toMillis(p.RecordedAt))
	return classify("record poison event", err)
}

// List returns the most recent poison events first.
func (s *PoisonStore) List(ctx context.Context, limit int) ([]usage.PoisonEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, payload, attempts, last_error, recorded_at
		FROM poison_events ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify("list poison events", err)
	}
	defer rows.Close()

	var out []usage.PoisonEvent
	for rows.Next() {
		var (
			p        usage.PoisonEvent
			payload  string
			recorded int64
		)
		if err := rows.Scan(&p.EventID, &payload, &p.Attempts, &p.LastError, &recorded); err != nil {
			return nil, classify("scan poison event", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Event); err != nil {
			return nil, fmt.Errorf("decode poison payload for %s: %w", p.EventID, err)
		}
		p.RecordedAt = fromMillis(recorded)
		out = append(out, p)
	}
	return out, classify("list poison events", rows.Err())
}

// ContactDirectory implements ports.ContactDirectory over the contacts table.
type ContactDirectory struct {
	db *DB
}

// NewContactDirectory creates a new SQLite contact directory.
func NewContactDirectory(db *DB) *ContactDirectory {
	return &ContactDirectory{db: db}
}

// Lookup returns a contact by id.
func (d *ContactDirectory) Lookup(ctx context.Context, contactID string) (ports.Contact, error) {
	var c ports.Contact
	err := d.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, company FROM contacts WHERE id = ?
	`, contactID).Scan(&c.ID, &c.DisplayName, &c.Email, &c.Company)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ports.Contact{}, usage.ErrNotFound
		}
		return ports.Contact{}, classify("lookup contact", err)
	}
	return c, nil
}

// Upsert stores a contact.
func (d *ContactDirectory) Upsert(ctx context.Context, c ports.Contact) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO contacts (id, display_name, email, company) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name, email = excluded.email, company = excluded.company
	`, c.ID, c.DisplayName, c.Email, c.Company)
	return classify("upsert contact", err)
}

// Ensure interface compliance.
var (
	_ ports.PoisonStore      = (*PoisonStore)(nil)
	_ ports.ContactDirectory = (*ContactDirectory)(nil)
)
