package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionMetrics holds metrics for the commit retention coordinator.
type RetentionMetrics struct {
	// CommitsDeleted counts commit points physically deleted.
	CommitsDeleted prometheus.Counter

	// DeleteFailures counts commit deletions that failed and were skipped.
	DeleteFailures prometheus.Counter

	// RetainedGeneration exposes the current translog retention watermark.
	RetainedGeneration prometheus.Gauge

	// ActiveLeases tracks the number of outstanding snapshot leases.
	ActiveLeases prometheus.Gauge
}

// NewRetentionMetrics creates and registers retention metrics with the
// default registry via promauto.
func NewRetentionMetrics() *RetentionMetrics {
	return newRetentionMetrics(nil)
}

// NewRetentionMetricsWithRegistry creates retention metrics registered with a
// custom registry. Useful for testing.
func NewRetentionMetricsWithRegistry(reg prometheus.Registerer) *RetentionMetrics {
	return newRetentionMetrics(reg)
}

func newRetentionMetrics(reg prometheus.Registerer) *RetentionMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &RetentionMetrics{
		CommitsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "retention",
			Name:      "commits_deleted_total",
			Help:      "Commit points deleted by the retention coordinator.",
		}),
		DeleteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "retention",
			Name:      "commit_delete_failures_total",
			Help:      "Commit deletions that failed and were left for the next sweep.",
		}),
		RetainedGeneration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "retention",
			Name:      "retained_translog_generation",
			Help:      "Minimum translog generation that must be preserved.",
		}),
		ActiveLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "retention",
			Name:      "active_snapshot_leases",
			Help:      "Outstanding snapshot leases on commit points.",
		}),
	}
}

// RecordDeleted increments the deleted-commits counter.
func (m *RetentionMetrics) RecordDeleted() {
	m.CommitsDeleted.Inc()
}

// RecordDeleteFailure increments the delete-failure counter.
func (m *RetentionMetrics) RecordDeleteFailure() {
	m.DeleteFailures.Inc()
}

// SetRetainedGeneration updates the watermark gauge.
func (m *RetentionMetrics) SetRetainedGeneration(gen int64) {
	m.RetainedGeneration.Set(float64(gen))
}

// SetActiveLeases updates the lease gauge.
func (m *RetentionMetrics) SetActiveLeases(n int) {
	m.ActiveLeases.Set(float64(n))
}
