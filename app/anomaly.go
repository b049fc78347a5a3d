package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/anomaly"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// AnomalyConfig configures the periodic anomaly pass.
type AnomalyConfig struct {
	Interval     time.Duration
	LookbackDays int
	Deadline     time.Duration
	Detection    anomaly.Config
}

// DefaultAnomalyConfig runs every 15 minutes over a 7 day baseline.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Interval:     15 * time.Minute,
		LookbackDays: 7,
		Deadline:     2 * time.Minute,
		Detection:    anomaly.DefaultConfig(),
	}
}

// PassResult summarizes one anomaly pass.
type PassResult struct {
	Date      string
	Users     int
	StartAt   int
	Evaluated int
	Triggered int
	Failed    int
	Partial   bool
}

// AnomalyScheduler compares each active user's usage today against
// their trailing baseline. Statistics are computed without holding any
// alert lock; only the final trigger touches the alert store.
type AnomalyScheduler struct {
	cfg        AnomalyConfig
	aggregates ports.AggregateStore
	alerts     *AlertService
	clock      ports.Clock
	metrics    Metrics
	logger     zerolog.Logger

	mu     sync.Mutex
	cursor passCursor
}

// passCursor remembers where an interrupted pass stopped.
type passCursor struct {
	date  string
	index int
}

// NewAnomalyScheduler creates a scheduler.
func NewAnomalyScheduler(
	cfg AnomalyConfig,
	aggregates ports.AggregateStore,
	alerts *AlertService,
	clock ports.Clock,
	metrics Metrics,
	logger zerolog.Logger,
) *AnomalyScheduler {
	def := DefaultAnomalyConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LookbackDays < 2 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Detection.HighSigma == 0 {
		cfg.Detection = def.Detection
	}
	return &AnomalyScheduler{
		cfg:        cfg,
		aggregates: aggregates,
		alerts:     alerts,
		clock:      clock,
		metrics:    orNop(metrics),
		logger:     logger.With().Str("component", "anomaly").Logger(),
	}
}

// Run executes a pass every interval until ctx is cancelled.
func (s *AnomalyScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("anomaly scheduler started")
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("anomaly pass failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce performs a single pass bounded by the configured deadline.
// An interrupted pass resumes from where it stopped on the next call
// for the same day.
func (s *AnomalyScheduler) RunOnce(ctx context.Context) (PassResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	now := s.clock.Now()
	today := usage.DateOf(now)

	users, err := s.aggregates.ActiveUsers(ctx, today)
	if err != nil {
		return PassResult{}, fmt.Errorf("list active users: %w", err)
	}

	res := PassResult{Date: today, Users: len(users)}
	if s.cursor.date == today && s.cursor.index < len(users) {
		res.StartAt = s.cursor.index
	}

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	dates := usage.PreviousDates(now, s.cfg.LookbackDays)
	for i := res.StartAt; i < len(users); i++ {
		if passCtx.Err() != nil {
			res.Partial = true
			s.cursor = passCursor{date: today, index: i}
			break
		}
		triggered, err := s.evaluate(passCtx, users[i], today, dates)
		if err != nil {
			if passCtx.Err() != nil {
				res.Partial = true
				s.cursor = passCursor{date: today, index: i}
				break
			}
			res.Failed++
			s.logger.Error().Err(err).Str("user_id", users[i]).Msg("anomaly evaluation failed")
			continue
		}
		res.Evaluated++
		if triggered {
			res.Triggered++
		}
	}
	if !res.Partial {
		s.cursor = passCursor{}
	}

	s.metrics.AnomalyPass(time.Since(started).Seconds(), res.Partial)
	if res.Partial {
		s.logger.Warn().
			Int("users", res.Users).
			Int("evaluated", res.Evaluated).
			Int("resume_at", s.cursor.index).
			Msg("anomaly pass interrupted, will resume")
	} else {
		s.logger.Debug().
			Int("users", res.Users).
			Int("evaluated", res.Evaluated).
			Int("triggered", res.Triggered).
			Msg("anomaly pass complete")
	}
	return res, nil
}

// evaluate checks one user. An open anomaly alert from an earlier day
// is auto-resolved so each day gets its own alert.
func (s *AnomalyScheduler) evaluate(ctx context.Context, userID, today string, dates []string) (bool, error) {
	from := today
	if len(dates) > 0 {
		from = dates[0]
	}
	aggs, err := s.aggregates.ListUser(ctx, userID, from, today)
	if err != nil {
		return false, fmt.Errorf("list aggregates: %w", err)
	}

	totals := usage.TotalsByDate(aggs)
	current := totals[today]
	current.Date = today
	findings := anomaly.Detect(current, anomaly.History(dates, totals), s.cfg.Detection)

	open, ok, err := s.alerts.FindOpen(ctx, userID, alert.TypeAnomalyDetected)
	if err != nil {
		return false, fmt.Errorf("find open anomaly: %w", err)
	}
	if ok {
		if day, _ := open.Metadata["date"].(string); day != today {
			if _, err := s.alerts.ResolveCondition(ctx, userID, alert.TypeAnomalyDetected); err != nil {
				return false, err
			}
		}
	}

	t, hit := anomaly.ToTrigger(userID, today, findings)
	if !hit {
		return false, nil
	}
	if _, err := s.alerts.Trigger(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}
