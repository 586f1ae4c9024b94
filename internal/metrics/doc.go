// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the tern subsystems:
//   - Transport: active connections, messages aggregated by kind and status,
//     bytes received, short-circuited messages by reason
//   - Breaker: bytes in flight against the shared memory budget, trips
//   - Retention: commits deleted, retained translog generation watermark,
//     outstanding snapshot leases
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus
// format.
//
// Usage:
//
//	transportMetrics := metrics.NewTransportMetrics()
//	breakerMetrics := metrics.NewBreakerMetrics()
//	retentionMetrics := metrics.NewRetentionMetrics()
//
//	srv := transport.NewServer(cfg, registry, logger).WithMetrics(transportMetrics)
//	brk := breaker.New(limit).WithMetrics(breakerMetrics)
//	coord := retention.NewCoordinator(deleter, logger).WithMetrics(retentionMetrics)
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
