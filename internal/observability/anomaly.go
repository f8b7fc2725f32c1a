package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// AnomalyDetector watches per-tenant execution outcomes over a sliding
// window and logs a warning when a tenant's failure ratio crosses the
// configured threshold. A spike in validation rejections or timeouts
// from one tenant usually means generated code is being probed or looped.
type AnomalyDetector struct {
	mu       sync.Mutex
	failures map[string]*slidingWindow
	totals   map[string]*slidingWindow
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures: make(map[string]*slidingWindow),
		totals:   make(map[string]*slidingWindow),
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return 10
}

// RecordExecution records one finished execution for a tenant.
func (a *AnomalyDetector) RecordExecution(tenantID string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.totals, tenantID).add(1)
	if failed {
		a.getOrCreateWindow(a.failures, tenantID).add(1)
		a.checkFailureRate(tenantID)
	}
}

// checkFailureRate warns when the tenant's failure ratio exceeds the
// threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(tenantID string) {
	threshold := a.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	failures := a.getOrCreateWindow(a.failures, tenantID).sum()
	total := a.getOrCreateWindow(a.totals, tenantID).sum()
	if total < a.minSamples() {
		return // Not enough data.
	}

	rate := failures / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high execution failure rate",
			slog.String("tenant_id", tenantID),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
