package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BreakerMetrics holds metrics for the shared in-flight memory breaker.
type BreakerMetrics struct {
	// UsedBytes tracks the bytes currently reserved against the budget.
	UsedBytes prometheus.Gauge

	// LimitBytes exposes the configured budget.
	LimitBytes prometheus.Gauge

	// TripsTotal counts rejected reservations.
	TripsTotal prometheus.Counter
}

// NewBreakerMetrics creates and registers breaker metrics with the default
// registry via promauto.
func NewBreakerMetrics() *BreakerMetrics {
	return newBreakerMetrics(nil)
}

// NewBreakerMetricsWithRegistry creates breaker metrics registered with a
// custom registry. Useful for testing.
func NewBreakerMetricsWithRegistry(reg prometheus.Registerer) *BreakerMetrics {
	return newBreakerMetrics(reg)
}

func newBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &BreakerMetrics{
		UsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "breaker",
			Name:      "used_bytes",
			Help:      "Bytes currently reserved for in-flight request payloads.",
		}),
		LimitBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "breaker",
			Name:      "limit_bytes",
			Help:      "Configured in-flight payload byte budget.",
		}),
		TripsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Reservations rejected because the budget was exhausted.",
		}),
	}
}

// SetUsed updates the used-bytes gauge.
func (m *BreakerMetrics) SetUsed(n int64) {
	m.UsedBytes.Set(float64(n))
}

// SetLimit updates the limit gauge.
func (m *BreakerMetrics) SetLimit(n int64) {
	m.LimitBytes.Set(float64(n))
}

// RecordTrip increments the trip counter.
func (m *BreakerMetrics) RecordTrip() {
	m.TripsTotal.Inc()
}
