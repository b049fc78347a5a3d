package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/ports"
)

// RetentionPolicy sets how long records are kept. Zero keeps forever.
type RetentionPolicy struct {
	Alerts time.Duration
	Events time.Duration
}

// Maintenance purges expired events and resolved alerts.
type Maintenance struct {
	policy   RetentionPolicy
	interval time.Duration
	events   ports.EventStore
	alerts   ports.AlertStore
	clock    ports.Clock
	metrics  Metrics
	logger   zerolog.Logger
}

// NewMaintenance creates the retention loop. interval defaults to an hour.
func NewMaintenance(
	policy RetentionPolicy,
	interval time.Duration,
	events ports.EventStore,
	alerts ports.AlertStore,
	clock ports.Clock,
	metrics Metrics,
	logger zerolog.Logger,
) *Maintenance {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Maintenance{
		policy:   policy,
		interval: interval,
		events:   events,
		alerts:   alerts,
		clock:    clock,
		metrics:  orNop(metrics),
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// Run purges once at start and then every interval until ctx ends.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, _, err := m.Purge(ctx); err != nil {
			m.logger.Error().Err(err).Msg("retention purge failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Purge deletes expired records and returns the counts removed.
func (m *Maintenance) Purge(ctx context.Context) (events, alerts int64, err error) {
	now := m.clock.Now()

	if m.policy.Events > 0 {
		events, err = m.events.Purge(ctx, now.Add(-m.policy.Events))
		if err != nil {
			return 0, 0, fmt.Errorf("purge events: %w", err)
		}
		m.metrics.Purged("events", events)
	}
	if m.policy.Alerts > 0 {
		alerts, err = m.alerts.Purge(ctx, now.Add(-m.policy.Alerts))
		if err != nil {
			return events, 0, fmt.Errorf("purge alerts: %w", err)
		}
		m.metrics.Purged("alerts", alerts)
	}

	if events > 0 || alerts > 0 {
		m.logger.Info().Int64("events", events).Int64("alerts", alerts).Msg("expired records purged")
	}
	return events, alerts, nil
}
