package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/adapters/clock"
	"github.com/nexuscrm/agentusage/adapters/idgen"
	"github.com/nexuscrm/agentusage/adapters/memory"
	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// recorder captures live messages.
type recorder struct {
	mu   sync.Mutex
	msgs []recorded
}

type recorded struct {
	typ  ports.LiveEventType
	data any
}

func (r *recorder) Publish(t ports.LiveEventType, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recorded{t, data})
}

func (r *recorder) count(t ports.LiveEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.typ == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t ports.LiveEventType) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].typ == t {
			return r.msgs[i].data, true
		}
	}
	return nil, false
}

type harness struct {
	clock    *clock.Fake
	events   *memory.EventStore
	aggs     *memory.AggregateStore
	alerts   *memory.AlertStore
	poison   *memory.PoisonStore
	contacts *memory.ContactDirectory
	pub      *recorder
	alertSvc *app.AlertService
	stage    *app.ThresholdStage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(now),
		events:   memory.NewEventStore(),
		aggs:     memory.NewAggregateStore(memory.AggregateStoreConfig{}),
		alerts:   memory.NewAlertStore(idgen.NewSequential("alert"), 0),
		poison:   memory.NewPoisonStore(),
		contacts: memory.NewContactDirectory(ports.Contact{ID: "c1", DisplayName: "Ada Lovelace", Company: "Analytical"}),
		pub:      &recorder{},
	}
	h.alertSvc = app.NewAlertService(h.alerts, h.contacts, h.pub, h.clock, nil, zerolog.Nop())
	h.stage = app.NewThresholdStage(h.aggs, tier.MustDefaultCatalog(), h.alertSvc, h.pub, h.clock, 16, zerolog.Nop())
	return h
}

func ev(id, user string, at time.Time) usage.Event {
	return usage.Event{
		ID:             id,
		UserID:         user,
		Agent:          tier.AgentNexus,
		SessionID:      "s1",
		TokensUsed:     100,
		ResponseTimeMs: 200,
		Tier:           tier.Pro,
		OccurredAt:     at,
	}
}

// applyN folds n events for user at the given time straight into the store.
func (h *harness) applyN(t *testing.T, user string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := ev(fmt.Sprintf("%s-%d-%d", user, at.UnixNano(), i), user, at)
		if _, err := h.aggs.ApplyEvent(context.Background(), e, at); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}
}

func i64(v int64) *int64 { return &v }

func candidate(id string) usage.Candidate {
	return usage.Candidate{
		ID:               id,
		UserID:           "u1",
		AgentID:          "nexus",
		SessionID:        "s1",
		TokensUsed:       i64(120),
		ResponseTimeMs:   i64(340),
		SubscriptionTier: "pro",
		Timestamp:        now.Add(-time.Minute).Format(time.RFC3339),
	}
}

// submitter records events handed to aggregation.
type submitter struct {
	mu     sync.Mutex
	events []usage.Event
	err    error
}

func (s *submitter) Submit(ctx context.Context, e usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *submitter) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newIngestor(h *harness, sub app.EventSubmitter) *app.Ingestor {
	return app.NewIngestor(h.events, tier.MustDefaultCatalog(), idgen.NewSequential("evt"), h.clock,
		usage.DefaultSkewWindow(), sub, h.poison, h.pub, nil, zerolog.Nop())
}

// flakyAggregates fails ApplyEvent a number of times (-1 = always).
type flakyAggregates struct {
	*memory.AggregateStore
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyAggregates) ApplyEvent(ctx context.Context, e usage.Event, at time.Time) (usage.DailyAggregate, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return usage.DailyAggregate{}, f.err
	}
	return f.AggregateStore.ApplyEvent(ctx, e, at)
}

// sinkRecorder captures applied aggregates.
type sinkRecorder struct {
	mu      sync.Mutex
	applied []app.Applied
}

func (s *sinkRecorder) Enqueue(ctx context.Context, u app.Applied) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, u)
	return nil
}

func fastRetry(attempts int) app.AggregatorConfig {
	return app.AggregatorConfig{
		Partitions: 4,
		QueueSize:  4096,
		Retry:      app.RetryPolicy{Initial: time.Millisecond, Multiplier: 2, MaxAttempts: attempts},
	}
}

func errorsIsValidation(err error) bool {
	var verr *usage.ValidationError
	return errors.As(err, &verr)
}

var errDisk = errors.New("disk on fire")

type failingEvents struct{}

func (failingEvents) Insert(context.Context, usage.Event) error { return errDisk }
func (failingEvents) ListRange(context.Context, time.Time, time.Time) ([]usage.Event, error) {
	return nil, errDisk
}
func (failingEvents) Purge(context.Context, time.Time) (int64, error) { return 0, errDisk }

func usageWindow() usage.SkewWindow { return usage.DefaultSkewWindow() }

func nopLogger() zerolog.Logger { return zerolog.Nop() }
