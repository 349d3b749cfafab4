// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters and histograms recorded by the routing and
// reconciliation pipelines. A nil *Metrics is safe to call, so components
// can be constructed without instrumentation in tests.
type Metrics struct {
	routingAttempts   *prometheus.CounterVec
	creditAdjustments *prometheus.CounterVec
	eventsConsumed    *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
	scanRuns          prometheus.Counter
	scanDuration      prometheus.Histogram
}

// New registers the metric set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		routingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderbus",
			Name:      "routing_attempts_total",
			Help:      "Routing decisions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		creditAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderbus",
			Name:      "credit_adjustments_total",
			Help:      "Credit debits and refunds by outcome.",
		}, []string{"kind", "outcome"}),
		eventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderbus",
			Name:      "events_consumed_total",
			Help:      "Inbound events by subject.",
		}, []string{"subject"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderbus",
			Name:      "dead_letters_total",
			Help:      "Events moved to the dead-letter channel by subject.",
		}, []string{"subject"}),
		scanRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "renderbus",
			Name:      "catchup_scans_total",
			Help:      "Completed catch-up scan runs.",
		}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "renderbus",
			Name:      "catchup_scan_duration_seconds",
			Help:      "Duration of a catch-up scan run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RoutingAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.routingAttempts.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) CreditAdjustment(kind, outcome string) {
	if m == nil {
		return
	}
	m.creditAdjustments.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) EventConsumed(subject string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(subject).Inc()
}

func (m *Metrics) DeadLetter(subject string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(subject).Inc()
}

func (m *Metrics) ScanCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.scanRuns.Inc()
	m.scanDuration.Observe(seconds)
}
