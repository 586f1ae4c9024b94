package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message status label values.
const (
	StatusOK           = "ok"
	StatusShortCircuit = "short_circuit"
)

// TransportMetrics holds metrics for the wire-protocol transport layer.
type TransportMetrics struct {
	// ActiveConnections tracks the current number of open connections.
	ActiveConnections prometheus.Gauge

	// MessagesTotal tracks fully aggregated inbound messages.
	// Labels: kind (request, response, handshake, ping), status (ok, short_circuit)
	MessagesTotal *prometheus.CounterVec

	// BytesReceived tracks raw wire bytes consumed by aggregators.
	BytesReceived prometheus.Counter

	// ShortCircuitsTotal tracks short-circuited messages by reason.
	// Labels: reason (breaker, action_not_found)
	ShortCircuitsTotal *prometheus.CounterVec

	// StreamErrorsTotal tracks fatal per-connection stream errors.
	// Labels: reason (corrupted, incompatible_version)
	StreamErrorsTotal *prometheus.CounterVec
}

// NewTransportMetrics creates and registers transport metrics with the
// default registry via promauto.
func NewTransportMetrics() *TransportMetrics {
	return newTransportMetrics(nil)
}

// NewTransportMetricsWithRegistry creates transport metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default
// registry.
func NewTransportMetricsWithRegistry(reg prometheus.Registerer) *TransportMetrics {
	return newTransportMetrics(reg)
}

func newTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &TransportMetrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Current number of open transport connections.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Total aggregated inbound messages by kind and status.",
		}, []string{"kind", "status"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Raw wire bytes consumed by message aggregation.",
		}),
		ShortCircuitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "transport",
			Name:      "short_circuits_total",
			Help:      "Messages drained and answered with an error, by reason.",
		}, []string{"reason"}),
		StreamErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "transport",
			Name:      "stream_errors_total",
			Help:      "Fatal per-connection stream errors, by reason.",
		}, []string{"reason"}),
	}
}

// ConnectionOpened increments the active connections gauge.
func (m *TransportMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *TransportMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordMessage records one fully aggregated message.
func (m *TransportMetrics) RecordMessage(kind string, shortCircuited bool) {
	status := StatusOK
	if shortCircuited {
		status = StatusShortCircuit
	}
	m.MessagesTotal.WithLabelValues(kind, status).Inc()
}

// RecordBytes records raw wire bytes consumed.
func (m *TransportMetrics) RecordBytes(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordShortCircuit records a short-circuited message by reason.
func (m *TransportMetrics) RecordShortCircuit(reason string) {
	m.ShortCircuitsTotal.WithLabelValues(reason).Inc()
}

// RecordStreamError records a fatal stream error by reason.
func (m *TransportMetrics) RecordStreamError(reason string) {
	m.StreamErrorsTotal.WithLabelValues(reason).Inc()
}
