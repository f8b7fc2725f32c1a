package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerSetup_NilTracer(t *testing.T) {
	// A nil setup must still hand out a usable no-op tracer.
	var ts *TracerSetup
	tracer := ts.Tracer()
	if tracer == nil {
		t.Fatal("expected a no-op tracer, got nil")
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize label combinations so the vectors appear in Gather.
	m.ValidationsTotal.WithLabelValues("rejected", "patterns").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.CapabilityCallsTotal.WithLabelValues("capabilities/search", "ok").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/execute", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sanduku_validate_validations_total",
		"sanduku_engine_executions_total",
		"sanduku_bridge_capability_calls_total",
		"sanduku_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "timeout").Inc()

	if got := counterValue(t, m.Registry, "sanduku_engine_executions_total",
		prometheus.Labels{"backend": "process", "status": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "sanduku_engine_executions_total",
		prometheus.Labels{"backend": "process", "status": "timeout"}); got != 1 {
		t.Errorf("timeout count = %v, want 1", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("interpreter", func(ctx context.Context) error { return nil })
	h.AddCheck("scratch", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["interpreter"].Status != "ok" {
		t.Errorf("interpreter check = %q, want ok", status.Checks["interpreter"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("docker", func(ctx context.Context) error { return errors.New("daemon unreachable") })
	h.AddCheck("scratch", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["docker"].Status != "fail" {
		t.Errorf("docker check = %q, want fail", status.Checks["docker"].Status)
	}
	if status.Checks["scratch"].Status != "ok" {
		t.Errorf("scratch check = %q, want ok", status.Checks["scratch"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// Must be a no-op on a nil receiver.
	var a *AnomalyDetector
	a.RecordExecution("tenant-a", true)
	a.RecordExecution("tenant-a", false)
}

func TestAnomalyDetector_Windows(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:          true,
		WindowSeconds:    60,
		FailureThreshold: 0.5,
		MinSamples:       5,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordExecution("tenant-a", false)
	}
	for i := 0; i < 6; i++ {
		a.RecordExecution("tenant-a", true)
	}
	// An unrelated tenant must not share windows.
	a.RecordExecution("tenant-b", false)

	a.mu.Lock()
	failures := a.failures["tenant-a"].sum()
	total := a.totals["tenant-a"].sum()
	otherTotal := a.totals["tenant-b"].sum()
	a.mu.Unlock()

	if failures != 6 {
		t.Errorf("failures = %v, want 6", failures)
	}
	if total != 10 {
		t.Errorf("total = %v, want 10", total)
	}
	if otherTotal != 1 {
		t.Errorf("tenant-b total = %v, want 1", otherTotal)
	}
}

// --- HTTP middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	got := counterValue(t, m.Registry, "sanduku_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/v1/capabilities", "status": "418"})
	if got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
