// Package usage provides usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import (
	"time"

	"github.com/nexuscrm/agentusage/domain/tier"
)

// DateLayout is the layout of aggregate day keys. Days are UTC.
const DateLayout = "2006-01-02"

// Event represents a single agent interaction (immutable value type).
// Once stored it is never mutated; only retention deletes it.
type Event struct {
	ID             string
	UserID         string
	ContactID      string
	OrganizationID string
	Agent          tier.Agent
	SessionID      string
	TokensUsed     int64
	ResponseTimeMs int64
	Tier           tier.Name
	OccurredAt     time.Time
	ReceivedAt     time.Time
	Context        map[string]any
}

// Key identifies a daily aggregate.
type Key struct {
	Date   string
	UserID string
	Agent  tier.Agent
}

// String returns a stable representation used for hashing and logging.
func (k Key) String() string {
	return k.Date + "|" + k.UserID + "|" + string(k.Agent)
}

// Key returns the aggregate key for the event.
func (e Event) Key() Key {
	return Key{
		Date:   DateOf(e.OccurredAt),
		UserID: e.UserID,
		Agent:  e.Agent,
	}
}

// DateOf returns the UTC day key for t.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DayBounds returns the start and end of the UTC day containing t.
// This is a PURE function.
func DayBounds(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return
}

// MonthBounds returns the start and end of the UTC calendar month containing t.
// This is a PURE function.
func MonthBounds(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}

// MonthDates returns the first and last day keys of the month containing t.
func MonthDates(t time.Time) (first, last string) {
	start, end := MonthBounds(t)
	return DateOf(start), DateOf(end)
}

// PreviousDates returns the n day keys before t's day, oldest first.
// The day containing t is excluded.
func PreviousDates(t time.Time, n int) []string {
	start, _ := DayBounds(t)
	out := make([]string, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, DateOf(start.AddDate(0, 0, -i)))
	}
	return out
}
