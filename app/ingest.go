package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// Ingest results reported to metrics.
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
)

// EventSubmitter queues stored events for aggregation.
type EventSubmitter interface {
	Submit(ctx context.Context, e usage.Event) error
}

// IngestResult describes the outcome of one ingestion.
type IngestResult struct {
	Event     usage.Event
	Duplicate bool
}

// Ingestor validates, stores and forwards usage events.
type Ingestor struct {
	events     ports.EventStore
	catalog    ports.TierCatalog
	ids        ports.IDGenerator
	clock      ports.Clock
	window     usage.SkewWindow
	aggregator EventSubmitter
	poison     ports.PoisonStore
	publisher  ports.Publisher
	metrics    Metrics
	logger     zerolog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(
	events ports.EventStore,
	catalog ports.TierCatalog,
	ids ports.IDGenerator,
	clock ports.Clock,
	window usage.SkewWindow,
	aggregator EventSubmitter,
	poison ports.PoisonStore,
	publisher ports.Publisher,
	metrics Metrics,
	logger zerolog.Logger,
) *Ingestor {
	return &Ingestor{
		events:     events,
		catalog:    catalog,
		ids:        ids,
		clock:      clock,
		window:     window,
		aggregator: aggregator,
		poison:     poison,
		publisher:  publisher,
		metrics:    orNop(metrics),
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest accepts one candidate event.
//
// Invalid events return a *usage.ValidationError and are never stored.
// A replayed id is acknowledged with Duplicate set and has no further
// effect. Otherwise the event is stored once, queued for aggregation
// and announced on the live feed.
func (i *Ingestor) Ingest(ctx context.Context, c usage.Candidate) (IngestResult, error) {
	e, err := usage.Normalize(c, i.catalog, i.clock.Now(), i.window)
	if err != nil {
		var verr *usage.ValidationError
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				i.metrics.EventRejected(f.Field, f.Code)
			}
		}
		i.metrics.EventIngested(IngestRejected)
		return IngestResult{}, err
	}
	if e.ID == "" {
		e.ID = i.ids.New()
	}

	if err := i.events.Insert(ctx, e); err != nil {
		if errors.Is(err, usage.ErrDuplicate) {
			i.metrics.EventIngested(IngestDuplicate)
			i.logger.Debug().Str("event_id", e.ID).Msg("duplicate event acknowledged")
			return IngestResult{Event: e, Duplicate: true}, nil
		}
		return IngestResult{}, fmt.Errorf("store event: %w", err)
	}
	i.metrics.EventIngested(IngestAccepted)

	if err := i.aggregator.Submit(ctx, e); err != nil {
		i.unqueued(ctx, e, err)
	}
	i.publisher.Publish(ports.LiveUsageUpdate, NewUsageUpdate(e))

	return IngestResult{Event: e}, nil
}

// unqueued records a stored event the aggregator could not accept so it
// can be recovered with a rebuild.
func (i *Ingestor) unqueued(ctx context.Context, e usage.Event, cause error) {
	i.metrics.PoisonEvent()
	i.logger.Error().Err(cause).Str("event_id", e.ID).Msg("event stored but not queued for aggregation")

	p := usage.PoisonEvent{
		EventID:    e.ID,
		Event:      e,
		LastError:  "enqueue: " + cause.Error(),
		RecordedAt: i.clock.Now(),
	}
	if err := i.poison.Record(context.WithoutCancel(ctx), p); err != nil {
		i.logger.Error().Err(err).Str("event_id", e.ID).Msg("failed to record poison event")
	}
	i.publisher.Publish(ports.LiveOperationalError, OperationalError{
		Kind:    "enqueue_failed",
		EventID: e.ID,
		UserID:  e.UserID,
		Error:   cause.Error(),
	})
}
