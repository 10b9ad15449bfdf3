// Package observability provides the Prometheus instruments and
// OpenTelemetry spans shared by the webhook workers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor tick outcome label values.
const (
	OutcomeChanged        = "changed"
	OutcomeUnchanged      = "unchanged"
	OutcomeCarrierError   = "carrier_error"
	OutcomeCarrierUnknown = "carrier_unknown"
	OutcomeExpired        = "expired"
	OutcomeMissing        = "missing"
)

// Delivery attempt outcome label values.
const (
	OutcomeDelivered        = "delivered"
	OutcomeRetry            = "retry"
	OutcomePermanentFailure = "permanent_failure"
)

// Tracking cache event label values.
const (
	CacheEventHit      = "hit"
	CacheEventMiss     = "miss"
	CacheEventEviction = "eviction"
)

// Metrics holds the subsystem's metric instruments. A nil *Metrics is valid:
// every Record method is then a no-op, so workers never guard their calls.
type Metrics struct {
	MonitorRuns      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	CacheEvents      *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg. Pass
// prometheus.DefaultRegisterer for process-wide metrics, or a private
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MonitorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_monitor_runs_total",
			Help: "Monitor ticks by outcome.",
		}, []string{"outcome"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Callback delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Round-trip time of callback POSTs.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_cache_events_total",
			Help: "Tracking cache hits, misses and evictions.",
		}, []string{"event"}),
	}
}

// RecordMonitorRun counts one monitor tick.
func (m *Metrics) RecordMonitorRun(outcome string) {
	if m == nil {
		return
	}
	m.MonitorRuns.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts one delivery attempt and observes its round-trip time.
func (m *Metrics) RecordDelivery(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(seconds)
}

// RecordCacheEvents counts n occurrences of one cache event.
func (m *Metrics) RecordCacheEvents(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvents.WithLabelValues(event).Add(float64(n))
}
