// Package anomaly detects usage spikes against a trailing baseline.
// All functions are pure - no side effects.
package anomaly

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/usage"
)

// Metric is the usage dimension a finding refers to.
type Metric string

const (
	MetricInteractions Metric = "interactions"
	MetricTokens       Metric = "tokens"
)

// Stats summarizes a history window.
type Stats struct {
	Mean   float64
	StdDev float64
	N      int
}

// Config controls detection sensitivity.
type Config struct {
	// HighSigma and MediumSigma are multiples of the standard deviation
	// above the mean.
	HighSigma   float64
	MediumSigma float64
}

// DefaultConfig returns the 2σ/1σ bands.
func DefaultConfig() Config {
	return Config{HighSigma: 2, MediumSigma: 1}
}

// Finding is one metric exceeding its baseline.
type Finding struct {
	Metric   Metric
	Value    float64
	Stats    Stats
	Bound    float64
	Severity alert.Severity
}

// Baseline returns the mean and sample standard deviation. ok is false
// with fewer than two points.
// This is a PURE function.
func Baseline(history []float64) (Stats, bool) {
	n := len(history)
	if n < 2 {
		return Stats{N: n}, false
	}
	mean := lo.Sum(history) / float64(n)
	var ss float64
	for _, v := range history {
		d := v - mean
		ss += d * d
	}
	return Stats{Mean: mean, StdDev: math.Sqrt(ss / float64(n-1)), N: n}, true
}

// Classify compares one value to its baseline.
// This is a PURE function.
func Classify(metric Metric, value float64, s Stats, cfg Config) (Finding, bool) {
	if s.Mean == 0 && value == 0 {
		return Finding{}, false
	}
	high := s.Mean + cfg.HighSigma*s.StdDev
	medium := s.Mean + cfg.MediumSigma*s.StdDev

	f := Finding{Metric: metric, Value: value, Stats: s}
	switch {
	case value > high:
		f.Severity, f.Bound = alert.SeverityHigh, high
	case value > medium:
		f.Severity, f.Bound = alert.SeverityMedium, medium
	default:
		return Finding{}, false
	}
	return f, true
}

// Detect checks today's totals against the history for each metric
// independently. Findings are ordered interactions then tokens.
// This is a PURE function.
func Detect(today usage.DailyTotals, history []usage.DailyTotals, cfg Config) []Finding {
	var out []Finding

	interactions := lo.Map(history, func(d usage.DailyTotals, _ int) float64 { return float64(d.Interactions) })
	if s, ok := Baseline(interactions); ok {
		if f, hit := Classify(MetricInteractions, float64(today.Interactions), s, cfg); hit {
			out = append(out, f)
		}
	}

	tokens := lo.Map(history, func(d usage.DailyTotals, _ int) float64 { return float64(d.Tokens) })
	if s, ok := Baseline(tokens); ok {
		if f, hit := Classify(MetricTokens, float64(today.Tokens), s, cfg); hit {
			out = append(out, f)
		}
	}
	return out
}

// History returns the totals for the given dates in order, keeping only
// days with recorded usage. Days without data are not baseline points.
// This is a PURE function.
func History(dates []string, totals map[string]usage.DailyTotals) []usage.DailyTotals {
	return lo.FilterMap(dates, func(d string, _ int) (usage.DailyTotals, bool) {
		t, ok := totals[d]
		if !ok {
			return usage.DailyTotals{}, false
		}
		t.Date = d
		return t, true
	})
}

// ToTrigger converts findings for one user and day into a single alert
// trigger carrying the worst severity. ok is false with no findings.
// This is a PURE function.
func ToTrigger(userID, date string, findings []Finding) (alert.Trigger, bool) {
	if len(findings) == 0 {
		return alert.Trigger{}, false
	}
	worst := lo.MaxBy(findings, func(a, b Finding) bool {
		return a.Severity.Rank() > b.Severity.Rank()
	})

	metrics := make(map[string]any, len(findings))
	for _, f := range findings {
		metrics[string(f.Metric)] = map[string]any{
			"value":    f.Value,
			"mean":     f.Stats.Mean,
			"std_dev":  f.Stats.StdDev,
			"bound":    f.Bound,
			"severity": string(f.Severity),
		}
	}

	ratio := 0.0
	if worst.Stats.Mean > 0 {
		ratio = worst.Value / worst.Stats.Mean
	}

	return alert.Trigger{
		UserID:       userID,
		Type:         alert.TypeAnomalyDetected,
		Message:      fmt.Sprintf("unusual %s usage: %.0f vs baseline %.1f", worst.Metric, worst.Value, worst.Stats.Mean),
		Threshold:    worst.Bound,
		CurrentValue: worst.Value,
		Severity:     worst.Severity,
		Metadata: map[string]any{
			"date":           date,
			"metric":         string(worst.Metric),
			"baseline_ratio": ratio,
			"metrics":        metrics,
		},
	}, true
}
