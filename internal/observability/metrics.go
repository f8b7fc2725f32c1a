package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry instead of the global default.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Validation metrics.
	ValidationsTotal   *prometheus.CounterVec
	ValidationDuration prometheus.Histogram

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	ActiveExecutions  prometheus.Gauge
	QueueRejections   prometheus.Counter

	// Capability bridge metrics.
	CapabilityCallsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a private prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "validate",
			Name:      "validations_total",
			Help:      "Total validation runs by outcome and failing stage.",
		}, []string{"outcome", "stage"}),

		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "validate",
			Name:      "duration_seconds",
			Help:      "Validation pipeline duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total executions by backend and final status.",
		}, []string{"backend", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"backend"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Requests waiting for a worker slot.",
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "engine",
			Name:      "active_executions",
			Help:      "Sandboxed processes currently running.",
		}),

		QueueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "engine",
			Name:      "queue_rejections_total",
			Help:      "Requests rejected because the bounded queue was full.",
		}),

		CapabilityCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "bridge",
			Name:      "capability_calls_total",
			Help:      "Total capability invocations by import path and outcome.",
		}, []string{"capability", "outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently in flight.",
		}),
	}

	reg.MustRegister(
		m.ValidationsTotal,
		m.ValidationDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.QueueDepth,
		m.ActiveExecutions,
		m.QueueRejections,
		m.CapabilityCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)
	return m
}
