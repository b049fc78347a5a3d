package app

// Metrics receives pipeline counters. *metrics.Collector satisfies it.
type Metrics interface {
	EventIngested(result string)
	EventRejected(field, code string)
	AggregateApplied()
	AggregateRetry()
	PoisonEvent()
	QueueDelta(d float64)
	AlertTriggered(alertType, severity string)
	AlertResolved(alertType, how string)
	AnomalyPass(seconds float64, partial bool)
	Purged(kind string, n int64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) EventIngested(string) {}
func (NopMetrics) EventRejected(string, string) {}
func (NopMetrics) AggregateApplied() {}
func (NopMetrics) AggregateRetry() {}
func (NopMetrics) PoisonEvent() {}
func (NopMetrics) QueueDelta(float64) {}
func (NopMetrics) AlertTriggered(string, string) {}
func (NopMetrics) AlertResolved(string, string) {}
func (NopMetrics) AnomalyPass(float64, bool) {}
func (NopMetrics) Purged(string, int64) {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
