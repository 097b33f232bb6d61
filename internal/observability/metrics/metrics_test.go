package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestSyncMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.ObserveAttempt("appointment", "success")
	m.ObserveAttempt("appointment", "success")
	m.ObserveAttempt("contact", "failure")
	m.ObservePermanentFailure("contact")
	m.SetQueueDepth(3)
	m.ObservePass(150 * time.Millisecond)
	m.ObserveCacheLookup("local", true)

	if got := counterValue(t, reg, "clinic_sync_attempts_total", map[string]string{"kind": "appointment", "result": "success"}); got != 2 {
		t.Fatalf("expected 2 appointment successes, got %v", got)
	}
	if got := counterValue(t, reg, "clinic_sync_permanent_failures_total", map[string]string{"kind": "contact"}); got != 1 {
		t.Fatalf("expected 1 permanent failure, got %v", got)
	}
	if got := counterValue(t, reg, "clinic_cache_lookups_total", map[string]string{"tier": "local", "result": "hit"}); got != 1 {
		t.Fatalf("expected 1 cache hit, got %v", got)
	}
}

func TestIntakeMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIntakeMetrics(reg)
	m.ObserveReceived("consent", "duplicate")
	m.ObserveLatency("consent", 0.02)

	if got := counterValue(t, reg, "clinic_intake_received_total", map[string]string{"kind": "consent", "outcome": "duplicate"}); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *SyncMetrics
	m.ObserveAttempt("appointment", "success")
	m.ObservePermanentFailure("appointment")
	m.SetQueueDepth(1)
	m.ObservePass(time.Second)
	m.ObserveCacheLookup("redis", false)

	var im *IntakeMetrics
	im.ObserveReceived("contact", "created")
	im.ObserveLatency("contact", 0.1)
}
