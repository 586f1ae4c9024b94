package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherValue digs a single sample value out of a registry, matching on
// metric name and an optional set of label values.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, want := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return sampleValue(m)
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func sampleValue(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestTransportMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTransportMetricsWithRegistry(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordMessage("request", false)
	m.RecordMessage("request", true)
	m.RecordMessage("ping", false)
	m.RecordBytes(128)
	m.RecordShortCircuit("breaker")
	m.RecordStreamError("corrupted")

	if got := gatherValue(t, reg, "tern_transport_active_connections", nil); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_transport_messages_total",
		map[string]string{"kind": "request", "status": StatusOK}); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_transport_messages_total",
		map[string]string{"kind": "request", "status": StatusShortCircuit}); got != 1 {
		t.Errorf("short-circuited requests = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_transport_bytes_received_total", nil); got != 128 {
		t.Errorf("bytes received = %v, want 128", got)
	}
	if got := gatherValue(t, reg, "tern_transport_short_circuits_total",
		map[string]string{"reason": "breaker"}); got != 1 {
		t.Errorf("short circuits = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_transport_stream_errors_total",
		map[string]string{"reason": "corrupted"}); got != 1 {
		t.Errorf("stream errors = %v, want 1", got)
	}
}

func TestBreakerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBreakerMetricsWithRegistry(reg)

	m.SetLimit(1000)
	m.SetUsed(250)
	m.RecordTrip()
	m.RecordTrip()

	if got := gatherValue(t, reg, "tern_breaker_limit_bytes", nil); got != 1000 {
		t.Errorf("limit = %v, want 1000", got)
	}
	if got := gatherValue(t, reg, "tern_breaker_used_bytes", nil); got != 250 {
		t.Errorf("used = %v, want 250", got)
	}
	if got := gatherValue(t, reg, "tern_breaker_trips_total", nil); got != 2 {
		t.Errorf("trips = %v, want 2", got)
	}
}

func TestRetentionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRetentionMetricsWithRegistry(reg)

	m.RecordDeleted()
	m.RecordDeleteFailure()
	m.SetRetainedGeneration(5)
	m.SetActiveLeases(2)

	if got := gatherValue(t, reg, "tern_retention_commits_deleted_total", nil); got != 1 {
		t.Errorf("deleted = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_retention_commit_delete_failures_total", nil); got != 1 {
		t.Errorf("delete failures = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "tern_retention_retained_translog_generation", nil); got != 5 {
		t.Errorf("retained generation = %v, want 5", got)
	}
	if got := gatherValue(t, reg, "tern_retention_active_snapshot_leases", nil); got != 2 {
		t.Errorf("active leases = %v, want 2", got)
	}
}

func TestServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBreakerMetricsWithRegistry(reg)
	m.SetLimit(42)

	srv := NewServerWithRegistry("127.0.0.1:0", reg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "tern_breaker_limit_bytes 42") {
		t.Errorf("metrics output missing breaker limit:\n%s", body)
	}
}
