// Package metrics provides Prometheus metrics collection for the usage engine.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentusage"

// Collector holds all Prometheus metrics for the usage engine.
// A nil *Collector is valid; every method becomes a no-op.
type Collector struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec

	// Aggregator metrics
	AggregatesApplied prometheus.Counter
	AggregateRetries  prometheus.Counter
	PoisonEvents      prometheus.Counter
	QueueDepth        prometheus.Gauge

	// Alert metrics
	AlertsTriggered *prometheus.CounterVec
	AlertsResolved  *prometheus.CounterVec

	// Anomaly metrics
	AnomalyPassDuration  prometheus.Histogram
	AnomalyPartialPasses prometheus.Counter

	// Live feed metrics
	LiveSubscribers prometheus.Gauge
	HubDrops        prometheus.Counter
	HubDisconnects  prometheus.Counter

	// Maintenance metrics
	RetentionPurged *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Usage events received, by outcome",
			},
			[]string{"result"},
		),
		EventsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Validation failures by field and code",
			},
			[]string{"field", "code"},
		),

		AggregatesApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregates_applied_total",
				Help:      "Events folded into daily aggregates",
			},
		),
		AggregateRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregate_retries_total",
				Help:      "Retries after transient storage errors",
			},
		),
		PoisonEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poison_events_total",
				Help:      "Events that exhausted aggregation retries",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "aggregator_queue_depth",
				Help:      "Events waiting in aggregator partitions",
			},
		),

		AlertsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_triggered_total",
				Help:      "Alerts created or escalated",
			},
			[]string{"type", "severity"},
		),
		AlertsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_resolved_total",
				Help:      "Alerts resolved, by type and how",
			},
			[]string{"type", "how"},
		),

		AnomalyPassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "anomaly_pass_duration_seconds",
				Help:      "Duration of anomaly detection passes",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
			},
		),
		AnomalyPartialPasses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomaly_partial_passes_total",
				Help:      "Anomaly passes cut short by their deadline",
			},
		),

		LiveSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_subscribers",
				Help:      "Connected live feed subscribers",
			},
		),
		HubDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_messages_dropped_total",
				Help:      "Live messages dropped for slow subscribers",
			},
		),
		HubDisconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_subscribers_disconnected_total",
				Help:      "Subscribers disconnected for falling behind or failing writes",
			},
		),

		RetentionPurged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_purged_total",
				Help:      "Rows removed by retention",
			},
			[]string{"kind"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, path string, status int, seconds float64) {
	if c == nil {
		return
	}
	s := StatusClass(status)
	p := NormalizePath(path)
	c.RequestsTotal.WithLabelValues(method, p, s).Inc()
	c.RequestDuration.WithLabelValues(method, p, s).Observe(seconds)
}

// EventIngested counts an ingest outcome: accepted, duplicate or rejected.
func (c *Collector) EventIngested(result string) {
	if c == nil {
		return
	}
	c.EventsIngested.WithLabelValues(result).Inc()
}

// EventRejected counts one field validation failure.
func (c *Collector) EventRejected(field, code string) {
	if c == nil {
		return
	}
	c.EventsRejected.WithLabelValues(field, code).Inc()
}

// AggregateApplied counts a successful fold.
func (c *Collector) AggregateApplied() {
	if c == nil {
		return
	}
	c.AggregatesApplied.Inc()
}

// AggregateRetry counts one retry.
func (c *Collector) AggregateRetry() {
	if c == nil {
		return
	}
	c.AggregateRetries.Inc()
}

// PoisonEvent counts an event moved to the poison store.
func (c *Collector) PoisonEvent() {
	if c == nil {
		return
	}
	c.PoisonEvents.Inc()
}

// QueueDelta moves the aggregator queue depth gauge.
func (c *Collector) QueueDelta(d float64) {
	if c == nil {
		return
	}
	c.QueueDepth.Add(d)
}

// AlertTriggered counts a created or escalated alert.
func (c *Collector) AlertTriggered(alertType, severity string) {
	if c == nil {
		return
	}
	c.AlertsTriggered.WithLabelValues(alertType, severity).Inc()
}

// AlertResolved counts a resolution. how is manual, dismissed or auto.
func (c *Collector) AlertResolved(alertType, how string) {
	if c == nil {
		return
	}
	c.AlertsResolved.WithLabelValues(alertType, how).Inc()
}

// AnomalyPass records a detection pass.
func (c *Collector) AnomalyPass(seconds float64, partial bool) {
	if c == nil {
		return
	}
	c.AnomalyPassDuration.Observe(seconds)
	if partial {
		c.AnomalyPartialPasses.Inc()
	}
}

// SubscriberDelta moves the live subscriber gauge.
func (c *Collector) SubscriberDelta(d float64) {
	if c == nil {
		return
	}
	c.LiveSubscribers.Add(d)
}

// HubDrop counts a dropped live message.
func (c *Collector) HubDrop() {
	if c == nil {
		return
	}
	c.HubDrops.Inc()
}

// HubDisconnect counts a forced subscriber disconnect.
func (c *Collector) HubDisconnect() {
	if c == nil {
		return
	}
	c.HubDisconnects.Inc()
}

// Purged counts rows removed by retention.
func (c *Collector) Purged(kind string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.RetentionPurged.WithLabelValues(kind).Add(float64(n))
}

// StatusClass collapses a status code to 2xx, 4xx and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}

// NormalizePath reduces cardinality by replacing alert ids with :id.
// e.g., /api/v1/alerts/0195.../acknowledge -> /api/v1/alerts/:id/acknowledge
func NormalizePath(path string) string {
	const prefix = "/api/v1/alerts/"
	if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return prefix + ":id" + rest[i:]
		}
		return prefix + ":id"
	}
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}
