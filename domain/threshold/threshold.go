// Package threshold decides which quota alerts a user's usage warrants.
// All functions are pure - no side effects.
package threshold

import (
	"fmt"
	"maps"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/tier"
)

// Ratio boundaries.
const (
	ApproachingRatio = 0.75
	CriticalRatio    = 0.90
	ExceededRatio    = 1.00
	UpgradeRatio     = 0.85
)

// Metric names the usage dimension that governs a decision.
type Metric string

const (
	MetricMonthlyTokens     Metric = "monthly_tokens"
	MetricDailyInteractions Metric = "daily_interactions"
)

// Input is the usage snapshot for one user.
type Input struct {
	UserID          string
	Date            string
	MonthTokens     int64
	DayInteractions int64
	Tier            tier.Name
}

// Decision lists the alerts to raise and the alert types to resolve.
type Decision struct {
	Ratio        float64
	Metric       Metric
	Triggers     []alert.Trigger
	Resolve      []alert.Type
	LimitReached bool
}

// Ratio returns used/limit. A non-positive limit means unlimited.
// This is a PURE function.
func Ratio(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// Evaluate applies the quota policy to one usage snapshot.
// This is a PURE function.
func Evaluate(in Input, limit tier.Limit) Decision {
	tokenRatio := Ratio(in.MonthTokens, limit.MonthlyTokenLimit)
	interactionRatio := Ratio(in.DayInteractions, limit.DailyInteractionLimit)

	d := Decision{Ratio: tokenRatio, Metric: MetricMonthlyTokens}
	if interactionRatio > tokenRatio {
		d.Ratio = interactionRatio
		d.Metric = MetricDailyInteractions
	}

	if d.Ratio < ApproachingRatio {
		d.Resolve = []alert.Type{alert.TypeApproachingLimit, alert.TypeLimitExceeded, alert.TypeUpgradeOpportunity}
		return d
	}

	md := metadata(in, d, limit, tokenRatio, interactionRatio)

	sev := alert.SeverityMedium
	if d.Ratio >= CriticalRatio {
		sev = alert.SeverityCritical
	}
	d.Triggers = append(d.Triggers, alert.Trigger{
		UserID:       in.UserID,
		Type:         alert.TypeApproachingLimit,
		Message:      fmt.Sprintf("%s usage at %.0f%% of %s tier limit", d.Metric, d.Ratio*100, in.Tier),
		Threshold:    ApproachingRatio,
		CurrentValue: d.Ratio,
		Severity:     sev,
		Metadata:     md,
		Reevaluate:   true,
	})

	if d.Ratio >= ExceededRatio {
		d.LimitReached = true
		d.Triggers = append(d.Triggers, alert.Trigger{
			UserID:       in.UserID,
			Type:         alert.TypeLimitExceeded,
			Message:      fmt.Sprintf("%s limit of %s tier exceeded", d.Metric, in.Tier),
			Threshold:    ExceededRatio,
			CurrentValue: d.Ratio,
			Severity:     alert.SeverityCritical,
			Metadata:     md,
			Reevaluate:   true,
		})
	} else {
		d.Resolve = append(d.Resolve, alert.TypeLimitExceeded)
	}

	if next, ok := upgradeTarget(in.Tier); ok && d.Ratio >= UpgradeRatio {
		umd := maps.Clone(md)
		umd["suggested_tier"] = string(next)
		d.Triggers = append(d.Triggers, alert.Trigger{
			UserID:       in.UserID,
			Type:         alert.TypeUpgradeOpportunity,
			Message:      fmt.Sprintf("consider upgrading from %s to %s", in.Tier, next),
			Threshold:    UpgradeRatio,
			CurrentValue: d.Ratio,
			Severity:     alert.SeverityLow,
			Metadata:     umd,
			Reevaluate:   true,
		})
	} else {
		d.Resolve = append(d.Resolve, alert.TypeUpgradeOpportunity)
	}

	return d
}

// upgradeTarget returns the suggested tier for tiers that get upgrade prompts.
func upgradeTarget(n tier.Name) (tier.Name, bool) {
	if n != tier.Essential && n != tier.Pro {
		return "", false
	}
	return tier.Next(n)
}

func metadata(in Input, d Decision, limit tier.Limit, tokenRatio, interactionRatio float64) map[string]any {
	return map[string]any{
		"metric":                  string(d.Metric),
		"tier":                    string(in.Tier),
		"date":                    in.Date,
		"month_tokens":            in.MonthTokens,
		"monthly_token_limit":     limit.MonthlyTokenLimit,
		"day_interactions":        in.DayInteractions,
		"daily_interaction_limit": limit.DailyInteractionLimit,
		"token_ratio":             tokenRatio,
		"interaction_ratio":       interactionRatio,
	}
}
