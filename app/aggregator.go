package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// ErrStopped is returned when handing work to a stopped stage.
var ErrStopped = errors.New("stage stopped")

// RetryPolicy controls backoff on transient storage errors.
type RetryPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy retries 5 times starting at 50ms, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 50 * time.Millisecond, Multiplier: 2, MaxAttempts: 5}
}

// AggregatorConfig configures the aggregation pipeline.
type AggregatorConfig struct {
	// Partitions is the number of single-writer workers (default: 8).
	Partitions int
	// QueueSize bounds each partition's inbox (default: 1024).
	QueueSize int
	Retry     RetryPolicy
}

// Applied is an aggregate update handed to the next stage.
type Applied struct {
	Event     usage.Event
	Aggregate usage.DailyAggregate
}

// AppliedSink receives successful aggregate updates.
type AppliedSink interface {
	Enqueue(ctx context.Context, u Applied) error
}

// Aggregator folds events into daily aggregates. Events are routed to
// a partition by key so one goroutine applies every event for a key in
// arrival order, while distinct keys proceed in parallel.
type Aggregator struct {
	cfg        AggregatorConfig
	aggregates ports.AggregateStore
	events     ports.EventStore
	poison     ports.PoisonStore
	publisher  ports.Publisher
	clock      ports.Clock
	metrics    Metrics
	logger     zerolog.Logger
	sink       AppliedSink

	inboxes []chan usage.Event
	stopped chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	// gate orders Submit against closing the inboxes. Submit holds the
	// read lock for its whole send; stop takes the write lock.
	gate   sync.RWMutex
	closed bool
}

// NewAggregator creates an aggregator. Call Run to start the workers.
func NewAggregator(
	cfg AggregatorConfig,
	aggregates ports.AggregateStore,
	events ports.EventStore,
	poison ports.PoisonStore,
	publisher ports.Publisher,
	clock ports.Clock,
	metrics Metrics,
	logger zerolog.Logger,
) *Aggregator {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	a := &Aggregator{
		cfg:        cfg,
		aggregates: aggregates,
		events:     events,
		poison:     poison,
		publisher:  publisher,
		clock:      clock,
		metrics:    orNop(metrics),
		logger:     logger.With().Str("component", "aggregator").Logger(),
		inboxes:    make([]chan usage.Event, cfg.Partitions),
		stopped:    make(chan struct{}),
	}
	for i := range a.inboxes {
		a.inboxes[i] = make(chan usage.Event, cfg.QueueSize)
	}
	return a
}

// SetSink sets the stage that receives applied aggregates.
// Must be called before Run.
func (a *Aggregator) SetSink(s AppliedSink) {
	a.sink = s
}

// Partition returns the worker index for a key.
func (a *Aggregator) Partition(k usage.Key) int {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return int(h.Sum32() % uint32(len(a.inboxes)))
}

// Submit queues an event for aggregation. It blocks while the
// partition's inbox is full, until ctx is done. An event accepted with
// a nil error is always applied or recorded as poison, even when
// shutdown begins concurrently.
func (a *Aggregator) Submit(ctx context.Context, e usage.Event) error {
	a.gate.RLock()
	defer a.gate.RUnlock()
	if a.closed {
		return ErrStopped
	}

	select {
	case a.inboxes[a.Partition(e.Key())] <- e:
		a.metrics.QueueDelta(1)
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled. Queued
// events are drained before Run returns.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info().Int("partitions", len(a.inboxes)).Msg("aggregator started")

	for i, inbox := range a.inboxes {
		a.wg.Add(1)
		go a.worker(ctx, i, inbox)
	}

	<-ctx.Done()
	a.shutdown()
	a.wg.Wait()

	a.logger.Info().Msg("aggregator stopped")
	return nil
}

// shutdown wakes blocked submitters, waits for in-flight sends and
// closes the inboxes so workers exit once they are empty.
func (a *Aggregator) shutdown() {
	a.stop.Do(func() {
		close(a.stopped)
		a.gate.Lock()
		a.closed = true
		for _, inbox := range a.inboxes {
			close(inbox)
		}
		a.gate.Unlock()
	})
}

// worker applies events until its inbox is closed and empty. A
// dequeued event is finished even if shutdown starts meanwhile.
func (a *Aggregator) worker(ctx context.Context, id int, inbox <-chan usage.Event) {
	defer a.wg.Done()
	work := context.WithoutCancel(ctx)
	drained := 0
	for e := range inbox {
		a.metrics.QueueDelta(-1)
		a.Process(work, e)
		if ctx.Err() != nil {
			drained++
		}
	}
	if drained > 0 {
		a.logger.Info().Int("partition", id).Int("events", drained).Msg("drained queued events")
	}
}

// Process applies one event with retries. Events that cannot be
// applied are recorded as poison. It reports whether the event was
// applied.
func (a *Aggregator) Process(ctx context.Context, e usage.Event) bool {
	attempts := 0
	op := func() (usage.DailyAggregate, error) {
		attempts++
		agg, err := a.aggregates.ApplyEvent(ctx, e, a.clock.Now())
		if err != nil && !usage.IsTransient(err) {
			return agg, backoff.Permanent(err)
		}
		return agg, err
	}
	notify := func(err error, wait time.Duration) {
		a.metrics.AggregateRetry()
		a.logger.Warn().
			Err(err).
			Str("event_id", e.ID).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("transient aggregate failure, retrying")
	}

	agg, err := backoff.RetryNotifyWithData(op, a.newBackOff(ctx), notify)
	if err != nil {
		a.quarantine(ctx, e, attempts, err)
		return false
	}

	a.metrics.AggregateApplied()
	if a.sink != nil {
		if err := a.sink.Enqueue(ctx, Applied{Event: e, Aggregate: agg}); err != nil {
			a.logger.Warn().Err(err).Str("event_id", e.ID).Msg("threshold hand-off skipped")
		}
	}
	return true
}

func (a *Aggregator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.Retry.Initial
	b.Multiplier = a.cfg.Retry.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.cfg.Retry.MaxAttempts-1)), ctx)
}

func (a *Aggregator) quarantine(ctx context.Context, e usage.Event, attempts int, cause error) {
	p := usage.PoisonEvent{
		EventID:    e.ID,
		Event:      e,
		Attempts:   attempts,
		LastError:  cause.Error(),
		RecordedAt: a.clock.Now(),
	}

	a.metrics.PoisonEvent()
	a.logger.Error().
		Err(cause).
		Str("event_id", e.ID).
		Str("user_id", e.UserID).
		Int("attempts", attempts).
		Msg("event could not be aggregated, recorded as poison")

	if err := a.poison.Record(context.WithoutCancel(ctx), p); err != nil {
		a.logger.Error().Err(err).Str("event_id", e.ID).Msg("failed to record poison event")
	}
	a.publisher.Publish(ports.LiveOperationalError, OperationalError{
		Kind:     "poison_event",
		EventID:  e.ID,
		UserID:   e.UserID,
		Attempts: attempts,
		Error:    cause.Error(),
	})
}

// Rebuild recomputes aggregates for [fromDate, toDate] from the stored
// events and replaces the stored rows. It returns the number of
// aggregates written.
func (a *Aggregator) Rebuild(ctx context.Context, fromDate, toDate string) (int, error) {
	from, err := time.Parse(usage.DateLayout, fromDate)
	if err != nil {
		return 0, fmt.Errorf("parse from date: %w", err)
	}
	to, err := time.Parse(usage.DateLayout, toDate)
	if err != nil {
		return 0, fmt.Errorf("parse to date: %w", err)
	}
	if to.Before(from) {
		return 0, fmt.Errorf("to date %s is before from date %s", toDate, fromDate)
	}

	events, err := a.events.ListRange(ctx, from, to.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	folded := usage.Fold(events, a.clock.Now())
	aggs := make([]usage.DailyAggregate, 0, len(folded))
	for _, agg := range folded {
		aggs = append(aggs, agg)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Key.String() < aggs[j].Key.String() })

	if err := a.aggregates.ReplaceRange(ctx, fromDate, toDate, aggs); err != nil {
		return 0, fmt.Errorf("replace aggregates: %w", err)
	}

	a.logger.Info().
		Str("from", fromDate).
		Str("to", toDate).
		Int("events", len(events)).
		Int("aggregates", len(aggs)).
		Msg("aggregates rebuilt")
	return len(aggs), nil
}
