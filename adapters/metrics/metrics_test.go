package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/artpar/utter/adapters/metrics"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RateLimitDecisions == nil {
		t.Error("RateLimitDecisions is nil")
	}
	if m.LedgerEvents == nil {
		t.Error("LedgerEvents is nil")
	}
	if m.ProviderLatency == nil {
		t.Error("ProviderLatency is nil")
	}
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveRequest("GET", "/api/tasks/{id}", 200, 10*time.Millisecond)
	m.ObserveRequest("POST", "/api/generate", 429, time.Millisecond)
	m.ObserveRequest("POST", "/api/generate", 402, time.Millisecond)

	if got := value(t, m.RequestsTotal.WithLabelValues("POST", "/api/generate", "4xx")); got != 2 {
		t.Errorf("4xx count = %v, want 2", got)
	}
	if got := value(t, m.RequestsTotal.WithLabelValues("GET", "/api/tasks/{id}", "2xx")); got != 1 {
		t.Errorf("2xx count = %v, want 1", got)
	}
}

func TestRateLimitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RateLimitDecision("tier1", true)
	m.RateLimitDecision("tier1", false)
	m.RateLimiterDegraded("tier1", true)
	m.RateLimiterDegraded("tier3", false)

	if got := value(t, m.RateLimitDecisions.WithLabelValues("tier1", "limited")); got != 1 {
		t.Errorf("limited = %v, want 1", got)
	}
	if got := value(t, m.RateLimitDegraded.WithLabelValues("tier3", "fail_open")); got != 1 {
		t.Errorf("fail_open = %v, want 1", got)
	}
}

func TestProviderCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ProviderCall("modal", "submit", time.Second, "")
	m.ProviderCall("modal", "submit", time.Second, "timeout")

	if got := value(t, m.ProviderErrors.WithLabelValues("modal", "timeout")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	var out dto.Metric
	if err := m.ProviderLatency.WithLabelValues("modal", "submit").(prometheus.Histogram).Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := out.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("latency samples = %d, want 2", got)
	}
}

func TestConfigReloaded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ConfigReloaded(nil)
	m.ConfigReloaded(errors.New("bad yaml"))

	if got := value(t, m.ConfigReloads); got != 1 {
		t.Errorf("reloads = %v, want 1", got)
	}
	if got := value(t, m.ConfigReloadErrors); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
	if got := value(t, m.ConfigLastReload); got == 0 {
		t.Error("last reload timestamp not set")
	}
}

func TestGatherNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	m.WebhookEvent("processed")
	m.TaskFinished("generate", "completed")
	m.LedgerApplied("debit", "applied")
	m.RunnerQueueDepth(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	want := map[string]bool{
		"utter_webhook_events_total": false,
		"utter_tasks_finished_total": false,
		"utter_ledger_events_total":  false,
		"utter_runner_queue_depth":   false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
