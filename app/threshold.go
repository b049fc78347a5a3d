package app

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/threshold"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// ThresholdStage evaluates quota alerts after each aggregate update.
// Evaluation always reflects the user's current month and day, so a
// late event for an earlier day cannot resolve today's alerts.
type ThresholdStage struct {
	aggregates ports.AggregateStore
	catalog    ports.TierCatalog
	alerts     *AlertService
	publisher  ports.Publisher
	clock      ports.Clock
	logger     zerolog.Logger
	in         chan Applied
	done       chan struct{}
	stop       sync.Once

	gate   sync.RWMutex
	closed bool
}

// NewThresholdStage creates a threshold stage with an inbox of queueSize.
func NewThresholdStage(
	aggregates ports.AggregateStore,
	catalog ports.TierCatalog,
	alerts *AlertService,
	publisher ports.Publisher,
	clock ports.Clock,
	queueSize int,
	logger zerolog.Logger,
) *ThresholdStage {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &ThresholdStage{
		aggregates: aggregates,
		catalog:    catalog,
		alerts:     alerts,
		publisher:  publisher,
		clock:      clock,
		logger:     logger.With().Str("component", "threshold").Logger(),
		in:         make(chan Applied, queueSize),
		done:       make(chan struct{}),
	}
}

// Enqueue hands an applied aggregate to the stage. It blocks while the
// inbox is full, until ctx is done or the stage stops.
func (s *ThresholdStage) Enqueue(ctx context.Context, u Applied) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return ErrStopped
	}
	select {
	case s.in <- u:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run evaluates queued updates until ctx is cancelled, then evaluates
// whatever is still queued. Updates accepted by Enqueue are never lost.
func (s *ThresholdStage) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	for {
		select {
		case u := <-s.in:
			s.handle(work, u)
		case <-ctx.Done():
			s.shutdown()
			for u := range s.in {
				s.handle(work, u)
			}
			return nil
		}
	}
}

func (s *ThresholdStage) shutdown() {
	s.stop.Do(func() {
		close(s.done)
		s.gate.Lock()
		s.closed = true
		close(s.in)
		s.gate.Unlock()
	})
}

func (s *ThresholdStage) handle(ctx context.Context, u Applied) {
	if _, err := s.Evaluate(ctx, u.Event.UserID, u.Aggregate.Tier, u.Event.ContactID); err != nil {
		s.logger.Error().Err(err).Str("user_id", u.Event.UserID).Msg("threshold evaluation failed")
	}
}

// Evaluate reads the user's month-to-date tokens and today's
// interactions, applies the quota policy and updates alerts.
func (s *ThresholdStage) Evaluate(ctx context.Context, userID string, tierName tier.Name, contactID string) (threshold.Decision, error) {
	now := s.clock.Now()
	first, last := usage.MonthDates(now)
	today := usage.DateOf(now)

	aggs, err := s.aggregates.ListUser(ctx, userID, first, last)
	if err != nil {
		return threshold.Decision{}, fmt.Errorf("list aggregates: %w", err)
	}
	var dayInteractions int64
	for _, a := range aggs {
		if a.Date == today {
			dayInteractions += a.InteractionCount
		}
	}

	limit, err := s.catalog.GetLimits(tierName)
	if err != nil {
		return threshold.Decision{}, fmt.Errorf("tier limits: %w", err)
	}

	d := threshold.Evaluate(threshold.Input{
		UserID:          userID,
		Date:            today,
		MonthTokens:     usage.SumTokens(aggs),
		DayInteractions: dayInteractions,
		Tier:            tierName,
	}, limit)

	return d, s.apply(ctx, d, userID, tierName, contactID, today)
}

func (s *ThresholdStage) apply(ctx context.Context, d threshold.Decision, userID string, tierName tier.Name, contactID, date string) error {
	for _, t := range d.Resolve {
		if _, err := s.alerts.ResolveCondition(ctx, userID, t); err != nil {
			return err
		}
	}
	newlyExceeded := false
	for _, t := range d.Triggers {
		if contactID != "" {
			t.Metadata = withContact(t.Metadata, contactID)
		}
		a, err := s.alerts.Trigger(ctx, t)
		if err != nil {
			return err
		}
		if a.Type == alert.TypeLimitExceeded && a.TriggerCount == 1 {
			newlyExceeded = true
		}
	}
	// limit_reached is announced once per exceeded alert, not per event.
	if d.LimitReached && newlyExceeded {
		s.publisher.Publish(ports.LiveLimitReached, LimitReached{
			UserID: userID,
			Tier:   string(tierName),
			Metric: string(d.Metric),
			Ratio:  d.Ratio,
			Date:   date,
		})
	}
	return nil
}

func withContact(md map[string]any, contactID string) map[string]any {
	out := maps.Clone(md)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out["contact_id"] = contactID
	return out
}

var _ AppliedSink = (*ThresholdStage)(nil)

