package http

import (
	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/pkg/jsonapi"
)

// JSON:API resource types.
const (
	TypeUsageEvent   = "usage_events"
	TypeUsageSummary = "usage_summaries"
	TypeDailyUsage   = "daily_usage"
	TypeAlert        = "alerts"
	TypeTier         = "tiers"
	TypePoisonEvent  = "poison_events"
)

func eventResource(e usage.Event) jsonapi.Resource {
	return jsonapi.NewResource(TypeUsageEvent, e.ID).
		Attr("user_id", e.UserID).
		Attr("agent_id", string(e.Agent)).
		Attr("session_id", e.SessionID).
		Attr("tokens_used", e.TokensUsed).
		Attr("response_time_ms", e.ResponseTimeMs).
		Attr("subscription_tier", string(e.Tier)).
		Attr("timestamp", e.OccurredAt).
		AttrIf(e.ContactID != "", "contact_id", e.ContactID).
		AttrIf(e.OrganizationID != "", "organization_id", e.OrganizationID).
		Build()
}

func summaryResource(s app.SummaryRow) jsonapi.Resource {
	return jsonapi.NewResource(TypeUsageSummary, s.UserID+":"+string(s.Agent)).
		Attr("user_id", s.UserID).
		Attr("agent_id", string(s.Agent)).
		Attr("interactions", s.Interactions).
		Attr("tokens", s.Tokens).
		Attr("avg_response_time_ms", s.AvgResponseTimeMs).
		Attr("subscription_tier", string(s.Tier)).
		Attr("active_days", s.Days).
		Attr("monthly_token_limit", s.MonthlyTokenLimit).
		Attr("token_ratio", s.TokenRatio).
		Attr("last_updated", s.LastUpdated).
		Build()
}

func dailyResource(a usage.DailyAggregate) jsonapi.Resource {
	return jsonapi.NewResource(TypeDailyUsage, a.Key.String()).
		Attr("date", a.Date).
		Attr("user_id", a.UserID).
		Attr("agent_id", string(a.Agent)).
		Attr("interaction_count", a.InteractionCount).
		Attr("token_total", a.TokenTotal).
		Attr("avg_response_time_ms", a.AvgResponseTimeMs).
		Attr("subscription_tier", string(a.Tier)).
		Attr("updated_at", a.UpdatedAt).
		Build()
}

func alertResource(a alert.Alert) jsonapi.Resource {
	return jsonapi.NewResource(TypeAlert, a.ID).
		Attr("user_id", a.UserID).
		Attr("alert_type", string(a.Type)).
		Attr("message", a.Message).
		Attr("threshold", a.Threshold).
		Attr("current_value", a.CurrentValue).
		Attr("severity", string(a.Severity)).
		Attr("status", string(a.Status)).
		Attr("triggered_at", a.TriggeredAt).
		Attr("first_seen_at", a.FirstSeenAt).
		Attr("trigger_count", a.TriggerCount).
		AttrIf(a.AcknowledgedAt != nil, "acknowledged_at", a.AcknowledgedAt).
		AttrIf(a.AcknowledgedBy != "", "acknowledged_by", a.AcknowledgedBy).
		AttrIf(a.ResolvedAt != nil, "resolved_at", a.ResolvedAt).
		AttrIf(a.ResolvedBy != "", "resolved_by", a.ResolvedBy).
		AttrIf(a.AutoResolved, "auto_resolved", true).
		AttrIf(len(a.Metadata) > 0, "metadata", a.Metadata).
		Link("/api/v1/alerts/" + a.ID).
		Build()
}

func tierResource(l tier.Limit) jsonapi.Resource {
	return jsonapi.NewResource(TypeTier, string(l.Name)).
		Attr("monthly_token_limit", l.MonthlyTokenLimit).
		Attr("daily_interaction_limit", l.DailyInteractionLimit).
		Attr("allowed_agents", l.AllowedAgents).
		Attr("pricing", l.Pricing).
		Build()
}

func poisonResource(p usage.PoisonEvent) jsonapi.Resource {
	return jsonapi.NewResource(TypePoisonEvent, p.EventID).
		Attr("user_id", p.Event.UserID).
		Attr("agent_id", string(p.Event.Agent)).
		Attr("attempts", p.Attempts).
		Attr("last_error", p.LastError).
		Attr("recorded_at", p.RecordedAt).
		Attr("event", eventResource(p.Event).Attributes).
		Build()
}
