// Package app contains the services that run the usage pipeline:
// ingestion, aggregation, threshold and anomaly evaluation, and the
// alert lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// Resolution kinds reported to metrics.
const (
	ResolvedManual    = "manual"
	ResolvedDismissed = "dismissed"
	ResolvedAuto      = "auto"
)

// AlertService owns alert creation, de-duplication and transitions.
// All writes go through the store, which serializes per (user, type).
type AlertService struct {
	store     ports.AlertStore
	contacts  ports.ContactDirectory
	publisher ports.Publisher
	clock     ports.Clock
	metrics   Metrics
	logger    zerolog.Logger
}

// NewAlertService creates an alert service. contacts may be nil.
func NewAlertService(
	store ports.AlertStore,
	contacts ports.ContactDirectory,
	publisher ports.Publisher,
	clock ports.Clock,
	metrics Metrics,
	logger zerolog.Logger,
) *AlertService {
	return &AlertService{
		store:     store,
		contacts:  contacts,
		publisher: publisher,
		clock:     clock,
		metrics:   orNop(metrics),
		logger:    logger.With().Str("component", "alerts").Logger(),
	}
}

// Trigger raises an alert or refreshes the open one for the same
// (user, type). Subscribers are notified only when an alert is created
// or its severity rises.
func (s *AlertService) Trigger(ctx context.Context, t alert.Trigger) (alert.Alert, error) {
	t.Metadata = s.enrich(ctx, t.Metadata)

	a, created, escalated, err := s.store.UpsertTrigger(ctx, t, s.clock.Now())
	if err != nil {
		return alert.Alert{}, fmt.Errorf("upsert %s alert for %s: %w", t.Type, t.UserID, err)
	}

	if created || escalated {
		s.metrics.AlertTriggered(string(a.Type), string(a.Severity))
		s.publisher.Publish(ports.LiveAlertTriggered, NewAlertView(a))
		s.logger.Info().
			Str("alert_id", a.ID).
			Str("user_id", a.UserID).
			Str("type", string(a.Type)).
			Str("severity", string(a.Severity)).
			Bool("escalated", escalated).
			Msg("alert triggered")
	}
	return a, nil
}

// ResolveCondition auto-resolves the open (user, type) alert, if any.
func (s *AlertService) ResolveCondition(ctx context.Context, userID string, t alert.Type) (bool, error) {
	a, ok, err := s.store.AutoResolve(ctx, userID, t, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("auto-resolve %s alert for %s: %w", t, userID, err)
	}
	if ok {
		s.resolved(a, ResolvedAuto)
	}
	return ok, nil
}

// Acknowledge marks an alert as seen by an operator.
func (s *AlertService) Acknowledge(ctx context.Context, id, by string) (alert.Alert, error) {
	a, err := s.store.Acknowledge(ctx, id, by, s.clock.Now())
	if err != nil {
		return alert.Alert{}, err
	}
	s.logger.Info().Str("alert_id", id).Str("by", by).Msg("alert acknowledged")
	return a, nil
}

// Resolve closes an alert manually.
func (s *AlertService) Resolve(ctx context.Context, id, by string) (alert.Alert, error) {
	a, err := s.store.Resolve(ctx, id, by, nil, s.clock.Now())
	if err != nil {
		return alert.Alert{}, err
	}
	s.resolved(a, ResolvedManual)
	return a, nil
}

// Dismiss resolves an alert and marks it dismissed.
func (s *AlertService) Dismiss(ctx context.Context, id, by string) (alert.Alert, error) {
	a, err := s.store.Resolve(ctx, id, by, map[string]any{"dismissed": true}, s.clock.Now())
	if err != nil {
		return alert.Alert{}, err
	}
	s.resolved(a, ResolvedDismissed)
	return a, nil
}

// Get returns one alert.
func (s *AlertService) Get(ctx context.Context, id string) (alert.Alert, error) {
	return s.store.Get(ctx, id)
}

// FindOpen returns the open (user, type) alert, if any.
func (s *AlertService) FindOpen(ctx context.Context, userID string, t alert.Type) (alert.Alert, bool, error) {
	return s.store.FindOpen(ctx, userID, t)
}

// ListActive returns unresolved alerts, most recent first.
func (s *AlertService) ListActive(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	return s.store.ListActive(ctx, f)
}

func (s *AlertService) resolved(a alert.Alert, how string) {
	s.metrics.AlertResolved(string(a.Type), how)
	s.publisher.Publish(ports.LiveAlertResolved, NewAlertView(a))
	s.logger.Info().
		Str("alert_id", a.ID).
		Str("user_id", a.UserID).
		Str("type", string(a.Type)).
		Str("how", how).
		Msg("alert resolved")
}

// enrich copies CRM contact details into the alert metadata when the
// trigger names a contact. Lookup failures never block the alert.
func (s *AlertService) enrich(ctx context.Context, md map[string]any) map[string]any {
	if s.contacts == nil {
		return md
	}
	contactID, _ := md["contact_id"].(string)
	if contactID == "" {
		return md
	}

	c, err := s.contacts.Lookup(ctx, contactID)
	if err != nil {
		ev := s.logger.Warn()
		if errors.Is(err, usage.ErrNotFound) {
			ev = s.logger.Debug()
		}
		ev.Err(err).Str("contact_id", contactID).Msg("contact lookup failed")
		return md
	}

	out := maps.Clone(md)
	out["contact_name"] = c.DisplayName
	if c.Email != "" {
		out["contact_email"] = c.Email
	}
	if c.Company != "" {
		out["company"] = c.Company
	}
	return out
}
