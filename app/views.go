package app

import (
	"time"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/usage"
)

// AlertView is the wire form of an alert on the live feed.
type AlertView struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Type           string         `json:"alert_type"`
	Message        string         `json:"message"`
	Threshold      float64        `json:"threshold"`
	CurrentValue   float64        `json:"current_value"`
	Severity       string         `json:"severity"`
	Status         string         `json:"status"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	TriggerCount   int            `json:"trigger_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewAlertView converts an alert.
func NewAlertView(a alert.Alert) AlertView {
	return AlertView{
		ID:             a.ID,
		UserID:         a.UserID,
		Type:           string(a.Type),
		Message:        a.Message,
		Threshold:      a.Threshold,
		CurrentValue:   a.CurrentValue,
		Severity:       string(a.Severity),
		Status:         string(a.Status),
		TriggeredAt:    a.TriggeredAt,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
		TriggerCount:   a.TriggerCount,
		Metadata:       a.Metadata,
	}
}

// UsageUpdate is the live payload for an accepted event.
type UsageUpdate struct {
	EventID          string    `json:"event_id"`
	UserID           string    `json:"user_id"`
	AgentID          string    `json:"agent_id"`
	SessionID        string    `json:"session_id"`
	TokensUsed       int64     `json:"tokens_used"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	SubscriptionTier string    `json:"subscription_tier"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewUsageUpdate converts an event.
func NewUsageUpdate(e usage.Event) UsageUpdate {
	return UsageUpdate{
		EventID:          e.ID,
		UserID:           e.UserID,
		AgentID:          string(e.Agent),
		SessionID:        e.SessionID,
		TokensUsed:       e.TokensUsed,
		ResponseTimeMs:   e.ResponseTimeMs,
		SubscriptionTier: string(e.Tier),
		Timestamp:        e.OccurredAt,
	}
}

// LimitReached is the live payload when a user hits a quota.
type LimitReached struct {
	UserID string  `json:"user_id"`
	Tier   string  `json:"tier"`
	Metric string  `json:"metric"`
	Ratio  float64 `json:"ratio"`
	Date   string  `json:"date"`
}

// OperationalError is the live payload for pipeline failures.
type OperationalError struct {
	Kind     string `json:"kind"`
	EventID  string `json:"event_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error"`
}
