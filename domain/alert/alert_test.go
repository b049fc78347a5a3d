package alert

import (
	"errors"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func trigger(sev Severity, value float64) Trigger {
	return Trigger{
		UserID:       "u1",
		Type:         TypeApproachingLimit,
		Message:      "usage high",
		Threshold:    0.75,
		CurrentValue: value,
		Severity:     sev,
	}
}

func TestSeverityOrder(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Max(SeverityHigh, SeverityMedium) != SeverityHigh {
		t.Error("Max(high, medium) should be high")
	}
}

func TestNewFromTrigger(t *testing.T) {
	md := map[string]any{"metric": "daily_interactions"}
	a := NewFromTrigger("a1", Trigger{UserID: "u1", Type: TypeLimitExceeded, Severity: SeverityCritical, Metadata: md}, now)

	if a.Status != StatusTriggered || a.TriggerCount != 1 {
		t.Errorf("status=%s count=%d", a.Status, a.TriggerCount)
	}
	md["metric"] = "changed"
	if a.Metadata["metric"] != "daily_interactions" {
		t.Error("metadata should be copied, not aliased")
	}
}

func TestRefresh_RaisesButDoesNotLowerSeverity(t *testing.T) {
	a := NewFromTrigger("a1", trigger(SeverityCritical, 0.92), now)

	next, escalated := Refresh(a, trigger(SeverityMedium, 0.8), now.Add(time.Minute))
	if escalated {
		t.Error("lower severity should not escalate")
	}
	if next.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", next.Severity)
	}
	if next.CurrentValue != 0.8 || next.TriggerCount != 2 {
		t.Errorf("value=%f count=%d", next.CurrentValue, next.TriggerCount)
	}
	if !next.TriggeredAt.Equal(now.Add(time.Minute)) {
		t.Errorf("triggeredAt not refreshed")
	}
	if !next.FirstSeenAt.Equal(now) {
		t.Errorf("firstSeenAt should not change")
	}
}

func TestRefresh_EscalatesAndReevaluates(t *testing.T) {
	a := NewFromTrigger("a1", trigger(SeverityMedium, 0.8), now)

	next, escalated := Refresh(a, trigger(SeverityCritical, 0.95), now)
	if !escalated || next.Severity != SeverityCritical {
		t.Errorf("escalated=%v severity=%s", escalated, next.Severity)
	}

	tr := trigger(SeverityMedium, 0.8)
	tr.Reevaluate = true
	lowered, _ := Refresh(next, tr, now)
	if lowered.Severity != SeverityMedium {
		t.Errorf("reevaluated severity = %s, want medium", lowered.Severity)
	}
}

func TestRefresh_MergesMetadata(t *testing.T) {
	a := NewFromTrigger("a1", Trigger{UserID: "u1", Type: TypeAnomalyDetected, Severity: SeverityMedium,
		Metadata: map[string]any{"date": "2026-03-14", "metric": "tokens"}}, now)
	next, _ := Refresh(a, Trigger{Severity: SeverityMedium, Metadata: map[string]any{"metric": "interactions"}}, now)

	if next.Metadata["date"] != "2026-03-14" || next.Metadata["metric"] != "interactions" {
		t.Errorf("metadata = %v", next.Metadata)
	}
	if a.Metadata["metric"] != "tokens" {
		t.Error("original metadata mutated")
	}
}

func TestTransitions(t *testing.T) {
	a := NewFromTrigger("a1", trigger(SeverityMedium, 0.8), now)

	acked, err := Acknowledge(a, "ops", now)
	if err != nil || acked.Status != StatusAcknowledged || acked.AcknowledgedBy != "ops" {
		t.Fatalf("acknowledge: %v %+v", err, acked)
	}
	if _, err := Acknowledge(acked, "ops", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double ack: %v", err)
	}

	resolved, err := Resolve(acked, "ops", now)
	if err != nil || resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolve: %v %+v", err, resolved)
	}
	if _, err := Resolve(resolved, "ops", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resolve terminal: %v", err)
	}
	if _, err := AutoResolve(resolved, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("auto-resolve terminal: %v", err)
	}
	if _, err := Acknowledge(resolved, "ops", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ack terminal: %v", err)
	}

	auto, err := AutoResolve(a, now)
	if err != nil || auto.Status != StatusAutoResolved || !auto.AutoResolved {
		t.Fatalf("auto-resolve: %v %+v", err, auto)
	}
}

func TestFilter(t *testing.T) {
	a := Alert{UserID: "u1", Type: TypeAnomalyDetected}
	if !(Filter{}).Matches(a) {
		t.Error("empty filter should match")
	}
	if (Filter{UserID: "u2"}).Matches(a) {
		t.Error("user filter should not match")
	}
	if (Filter{Type: TypeLimitExceeded}).Matches(a) {
		t.Error("type filter should not match")
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range AllTypes() {
		if got, err := ParseType(string(typ)); err != nil || got != typ {
			t.Errorf("ParseType(%s) = %s, %v", typ, got, err)
		}
	}
	if _, err := ParseType("churn_risk"); err == nil {
		t.Error("expected error for unknown type")
	}
}
