// Package alert provides usage alert value types and lifecycle transitions.
// All functions are pure - no side effects.
package alert

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Type is the condition an alert represents.
type Type string

const (
	TypeApproachingLimit   Type = "approaching_limit"
	TypeLimitExceeded      Type = "limit_exceeded"
	TypeAnomalyDetected    Type = "anomaly_detected"
	TypeUpgradeOpportunity Type = "upgrade_opportunity"
)

// AllTypes returns every alert type.
func AllTypes() []Type {
	return []Type{TypeApproachingLimit, TypeLimitExceeded, TypeAnomalyDetected, TypeUpgradeOpportunity}
}

// ParseType validates an alert type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeApproachingLimit, TypeLimitExceeded, TypeAnomalyDetected, TypeUpgradeOpportunity:
		return t, nil
	default:
		return "", fmt.Errorf("unknown alert type %q", s)
	}
}

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the order of a severity. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Max returns the higher of two severities.
func Max(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusAutoResolved Status = "auto_resolved"
)

// IsOpen reports whether the status is unresolved.
func (s Status) IsOpen() bool {
	return s == StatusTriggered || s == StatusAcknowledged
}

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
)

// Alert is a stateful record of an ongoing condition.
type Alert struct {
	ID             string
	UserID         string
	Type           Type
	Message        string
	Threshold      float64
	CurrentValue   float64
	Severity       Severity
	Status         Status
	TriggeredAt    time.Time
	FirstSeenAt    time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
	AutoResolved   bool
	TriggerCount   int
	Metadata       map[string]any
}

// Trigger is the payload for raising or refreshing an alert.
type Trigger struct {
	UserID       string
	Type         Type
	Message      string
	Threshold    float64
	CurrentValue float64
	Severity     Severity
	Metadata     map[string]any

	// Reevaluate allows the severity to move down. Without it a
	// refresh only ever raises severity.
	Reevaluate bool
}

// Key identifies the open-alert slot for de-duplication.
type Key struct {
	UserID string
	Type   Type
}

func (k Key) String() string { return k.UserID + "|" + string(k.Type) }

// NewFromTrigger creates a fresh triggered alert.
// This is a PURE function.
func NewFromTrigger(id string, t Trigger, now time.Time) Alert {
	return Alert{
		ID:           id,
		UserID:       t.UserID,
		Type:         t.Type,
		Message:      t.Message,
		Threshold:    t.Threshold,
		CurrentValue: t.CurrentValue,
		Severity:     t.Severity,
		Status:       StatusTriggered,
		TriggeredAt:  now,
		FirstSeenAt:  now,
		TriggerCount: 1,
		Metadata:     maps.Clone(t.Metadata),
	}
}

// Refresh applies a repeat trigger to an open alert. It reports whether
// the severity went up.
// This is a PURE function.
func Refresh(a Alert, t Trigger, now time.Time) (Alert, bool) {
	next := a
	next.Message = t.Message
	next.Threshold = t.Threshold
	next.CurrentValue = t.CurrentValue
	next.TriggeredAt = now
	next.TriggerCount++

	escalated := t.Severity.Rank() > a.Severity.Rank()
	if t.Reevaluate {
		next.Severity = t.Severity
	} else {
		next.Severity = Max(a.Severity, t.Severity)
	}

	next.Metadata = maps.Clone(a.Metadata)
	if next.Metadata == nil && len(t.Metadata) > 0 {
		next.Metadata = make(map[string]any, len(t.Metadata))
	}
	maps.Copy(next.Metadata, t.Metadata)
	return next, escalated
}

// Acknowledge moves a triggered alert to acknowledged.
// This is a PURE function.
func Acknowledge(a Alert, by string, now time.Time) (Alert, error) {
	if a.Status != StatusTriggered {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusAcknowledged)
	}
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	return a, nil
}

// Resolve moves an open alert to resolved.
// This is a PURE function.
func Resolve(a Alert, by string, now time.Time) (Alert, error) {
	if !a.Status.IsOpen() {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusResolved)
	}
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	return a, nil
}

// AutoResolve moves an open alert to auto_resolved.
// This is a PURE function.
func AutoResolve(a Alert, now time.Time) (Alert, error) {
	if !a.Status.IsOpen() {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusAutoResolved)
	}
	a.Status = StatusAutoResolved
	a.ResolvedAt = &now
	a.AutoResolved = true
	return a, nil
}

// Filter selects active alerts.
type Filter struct {
	UserID string
	Type   Type
	Limit  int
}

// Matches reports whether an alert passes the filter (ignoring Limit).
func (f Filter) Matches(a Alert) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	return true
}
