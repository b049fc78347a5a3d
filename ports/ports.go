// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// TierCatalog resolves tier limits. Implementations must be safe for
// concurrent readers while a reload swaps the catalog.
type TierCatalog interface {
	GetLimits(n tier.Name) (tier.Limit, error)
	AllowsAgent(n tier.Name, a tier.Agent) bool
	List() []tier.Limit
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// EventStore persists immutable usage events.
type EventStore interface {
	// Insert stores an event. Returns usage.ErrDuplicate when the id exists.
	Insert(ctx context.Context, e usage.Event) error

	// ListRange returns events with OccurredAt in [from, to), oldest first.
	ListRange(ctx context.Context, from, to time.Time) ([]usage.Event, error)

	// Purge deletes events that occurred before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// AggregateStore persists daily (date, user, agent) rollups.
type AggregateStore interface {
	// ApplyEvent folds an event into its aggregate atomically per key.
	ApplyEvent(ctx context.Context, e usage.Event, now time.Time) (usage.DailyAggregate, error)

	// Get returns one aggregate or usage.ErrNotFound.
	Get(ctx context.Context, k usage.Key) (usage.DailyAggregate, error)

	// ListUser returns a user's aggregates with dates in [fromDate, toDate].
	ListUser(ctx context.Context, userID, fromDate, toDate string) ([]usage.DailyAggregate, error)

	// ListRange returns every aggregate with dates in [fromDate, toDate].
	ListRange(ctx context.Context, fromDate, toDate string) ([]usage.DailyAggregate, error)

	// ActiveUsers returns the sorted ids of users with usage on date.
	ActiveUsers(ctx context.Context, date string) ([]string, error)

	// ReplaceRange deletes aggregates in [fromDate, toDate] and stores aggs.
	ReplaceRange(ctx context.Context, fromDate, toDate string, aggs []usage.DailyAggregate) error
}

// AlertStore persists alerts with at most one open alert per (user, type).
type AlertStore interface {
	// UpsertTrigger creates an alert, or refreshes the open one for the
	// same (user, type).
	UpsertTrigger(ctx context.Context, t alert.Trigger, now time.Time) (a alert.Alert, created, escalated bool, err error)

	// Get returns an alert or alert.ErrNotFound.
	Get(ctx context.Context, id string) (alert.Alert, error)

	// Acknowledge marks an alert acknowledged.
	Acknowledge(ctx context.Context, id, by string, now time.Time) (alert.Alert, error)

	// Resolve marks an alert resolved, merging extra metadata.
	Resolve(ctx context.Context, id, by string, metadata map[string]any, now time.Time) (alert.Alert, error)

	// AutoResolve resolves the open alert for (user, type), if any.
	AutoResolve(ctx context.Context, userID string, t alert.Type, now time.Time) (alert.Alert, bool, error)

	// FindOpen returns the open alert for (user, type), if any.
	FindOpen(ctx context.Context, userID string, t alert.Type) (alert.Alert, bool, error)

	// ListActive returns unresolved alerts, most recently triggered first.
	ListActive(ctx context.Context, f alert.Filter) ([]alert.Alert, error)

	// Purge deletes resolved alerts older than the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PoisonStore records events that exhausted their retries.
type PoisonStore interface {
	Record(ctx context.Context, p usage.PoisonEvent) error
	List(ctx context.Context, limit int) ([]usage.PoisonEvent, error)
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// Contact is the CRM view of a user used to enrich alerts.
type Contact struct {
	ID          string
	DisplayName string
	Email       string
	Company     string
}

// ContactDirectory looks up CRM contacts.
type ContactDirectory interface {
	// Lookup returns the contact or usage.ErrNotFound.
	Lookup(ctx context.Context, contactID string) (Contact, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// LiveEventType names a live feed message kind.
type LiveEventType string

const (
	LiveUsageUpdate      LiveEventType = "usage_update"
	LiveAlertTriggered   LiveEventType = "alert_triggered"
	LiveAlertResolved    LiveEventType = "alert_resolved"
	LiveLimitReached     LiveEventType = "limit_reached"
	LiveOperationalError LiveEventType = "operational_error"
)

// Publisher fans live messages out to subscribers.
// Publish must never block the caller.
type Publisher interface {
	Publish(eventType LiveEventType, data any)
}
