// Package engine orchestrates the execution pipeline: static validation,
// context construction, the bounded worker pool, sandbox execution, and
// result collection. Execute never returns a Go error — every failure,
// including an internal panic, is mapped into the closed status taxonomy
// so callers branch on ExecutionResult.Status alone.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/bridge"
	"github.com/jkaninda/sanduku/internal/collect"
	"github.com/jkaninda/sanduku/internal/execctx"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/secrets"
	"github.com/jkaninda/sanduku/internal/validate"
)

// entryFileName is the script filename inside each scratch directory.
const entryFileName = "main.js"

// Config sizes the worker pool and the per-execution resource ceilings.
type Config struct {
	Backend       string // "process" or "docker"; metrics label only.
	Workers       int    // Max simultaneously running sandboxes.
	QueueSize     int    // Bounded FIFO queue beyond the pool.
	MaxMemoryMB   int
	MaxCPUSeconds int
}

// Engine runs the full pipeline. Construct once at process start and
// share freely: the only mutable state is the job queue, and the
// registry it shares with concurrent executions is read-only.
type Engine struct {
	cfg       Config
	validator *validate.Validator
	builder   *execctx.Builder
	sbx       sandbox.Sandbox
	collector *collect.Collector
	reg       *registry.Registry
	secrets   secrets.Provider
	obs       *observability.Observability
	logger    *slog.Logger

	queue chan *job
	wg    sync.WaitGroup
}

type job struct {
	req     protocol.ExecutionRequest
	exec    *execctx.Context
	imports []string
	done    chan protocol.ExecutionResult
}

// New creates an engine. Call Start before submitting work.
func New(cfg Config, validator *validate.Validator, builder *execctx.Builder, sbx sandbox.Sandbox,
	collector *collect.Collector, reg *registry.Registry, provider secrets.Provider,
	obs *observability.Observability, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Engine{
		cfg:       cfg,
		validator: validator,
		builder:   builder,
		sbx:       sbx,
		collector: collector,
		reg:       reg,
		secrets:   provider,
		obs:       obs,
		logger:    logger,
		queue:     make(chan *job, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains the queue and waits for in-flight executions. Submitting
// after Stop panics; the gateway shuts down first.
func (e *Engine) Stop() {
	close(e.queue)
	e.wg.Wait()
}

// Execute runs one request end to end and blocks until a terminal result.
func (e *Engine) Execute(ctx context.Context, req protocol.ExecutionRequest) (result protocol.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panic recovered",
				slog.String("tenant_id", req.TenantID),
				slog.Any("panic", r),
			)
			result = internalError(fmt.Sprintf("internal fault: %v", r))
		}
	}()

	// Stage 1: static validation. A rejected request never reaches a
	// sandbox in any form.
	vStart := time.Now()
	vres := e.validator.Validate(req.SourceCode)
	e.recordValidation(vres, time.Since(vStart))
	if !vres.OK {
		diags := append([]string{fmt.Sprintf("validation failed at stage %q", vres.Stage)}, vres.Diagnostics...)
		return protocol.ExecutionResult{
			Status:      protocol.StatusValidationFailed,
			Diagnostics: diags,
		}
	}

	// Stage 2: per-execution context. The deadline starts now, so queue
	// wait erodes the budget.
	execCtx, err := e.builder.Build(req.TenantID, req.Domain, credentialHandleFor(req), req.TimeBudgetMs)
	if err != nil {
		return internalError(fmt.Sprintf("building execution context: %v", err))
	}

	// Stage 3: bounded FIFO queue. A saturated queue is explicit
	// backpressure, not an unbounded wait.
	j := &job{
		req:     req,
		exec:    execCtx,
		imports: vres.Imports,
		done:    make(chan protocol.ExecutionResult, 1),
	}
	select {
	case e.queue <- j:
		e.setQueueDepth()
	default:
		if m := e.metrics(); m != nil {
			m.QueueRejections.Inc()
		}
		e.logger.Warn("execution queue saturated",
			slog.String("tenant_id", req.TenantID),
		)
		return internalError("execution queue is saturated; retry later")
	}

	return <-j.done
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		e.setQueueDepth()
		j.done <- e.run(j)
	}
}

// run executes one dequeued job to completion.
func (e *Engine) run(j *job) (result protocol.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("worker panic recovered",
				slog.String("execution_id", j.exec.ExecutionID),
				slog.Any("panic", r),
			)
			result = internalError(fmt.Sprintf("internal fault: %v", r))
		}
		failed := result.Status != protocol.StatusSuccess
		if e.obs != nil {
			e.obs.Anomaly.RecordExecution(j.req.TenantID, failed)
		}
		if m := e.metrics(); m != nil {
			m.ExecutionsTotal.WithLabelValues(e.cfg.Backend, string(result.Status)).Inc()
		}
	}()

	ctx, span := e.startSpan(j)
	defer span.End()

	// Budget already exhausted while queued.
	if time.Now().After(j.exec.Deadline) {
		outcome := &sandbox.Outcome{
			State:    sandbox.StateTimedOut,
			Duration: j.exec.TimeBudget,
		}
		return e.collector.Collect(outcome, append(j.exec.Diagnostics, "time budget exhausted while queued"))
	}

	outcome, err := e.runSandboxed(ctx, j)
	if err != nil {
		e.logger.Error("sandbox infrastructure fault",
			slog.String("execution_id", j.exec.ExecutionID),
			slog.String("tenant_id", j.req.TenantID),
			slog.String("error", err.Error()),
		)
		return internalError(fmt.Sprintf("executor fault: %v", err))
	}

	if m := e.metrics(); m != nil {
		m.ExecutionDuration.WithLabelValues(e.cfg.Backend).Observe(outcome.Duration.Seconds())
	}

	result = e.collector.Collect(outcome, j.exec.Diagnostics)
	e.logger.Info("execution finished",
		slog.String("execution_id", j.exec.ExecutionID),
		slog.String("tenant_id", j.req.TenantID),
		slog.String("status", string(result.Status)),
		slog.Int64("duration_ms", result.DurationMs),
	)
	return result
}

// runSandboxed owns the scratch directory lifecycle: create, populate
// (entry file + capability shims + bridge socket), execute, destroy.
// Destruction is synchronous and unconditional — the scratch directory
// never outlives its execution.
func (e *Engine) runSandboxed(ctx context.Context, j *job) (*sandbox.Outcome, error) {
	if m := e.metrics(); m != nil {
		m.ActiveExecutions.Inc()
		defer m.ActiveExecutions.Dec()
	}

	if err := os.MkdirAll(j.exec.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(j.exec.ScratchDir); err != nil {
			e.logger.Warn("failed to remove scratch dir",
				slog.String("dir", j.exec.ScratchDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	entry := filepath.Join(j.exec.ScratchDir, entryFileName)
	if err := os.WriteFile(entry, []byte(j.req.SourceCode), 0o600); err != nil {
		return nil, fmt.Errorf("writing entry script: %w", err)
	}

	allowed := e.allowedCapabilities(j)
	if err := bridge.WriteShims(j.exec.ScratchDir, allowed); err != nil {
		return nil, fmt.Errorf("writing capability shims: %w", err)
	}

	br := bridge.NewServer(e.reg, j.exec, allowed, e.secrets, e.metrics(), e.logger)
	socketPath, err := br.Start()
	if err != nil {
		return nil, fmt.Errorf("starting capability bridge: %w", err)
	}
	defer br.Close()

	return e.sbx.Execute(ctx, sandbox.Request{
		EntryFile:  entryFileName,
		ScratchDir: j.exec.ScratchDir,
		Env:        map[string]string{bridge.SocketEnvVar: socketPath},
		Deadline:   j.exec.Deadline,
		Limits: sandbox.Limits{
			MaxMemoryMB:   e.cfg.MaxMemoryMB,
			MaxCPUSeconds: e.cfg.MaxCPUSeconds,
		},
	})
}

// allowedCapabilities computes the capability set this execution may
// call: the validated imports that resolve in the registry, narrowed to
// the request's declared capabilities when a declaration was provided.
func (e *Engine) allowedCapabilities(j *job) []string {
	declared := make(map[string]bool, len(j.req.DeclaredCapabilities))
	for _, d := range j.req.DeclaredCapabilities {
		declared[d] = true
	}

	var allowed []string
	for _, imp := range j.imports {
		if _, ok := e.reg.Resolve(imp); !ok {
			continue
		}
		if len(declared) > 0 && !declared[imp] {
			continue
		}
		allowed = append(allowed, imp)
	}
	return allowed
}

func credentialHandleFor(req protocol.ExecutionRequest) string {
	return secrets.TenantHandle(req.TenantID)
}

func (e *Engine) startSpan(j *job) (context.Context, trace.Span) {
	tracer := e.tracer()
	return tracer.Start(context.Background(), "engine.execute",
		trace.WithAttributes(
			attribute.String("sanduku.execution_id", j.exec.ExecutionID),
			attribute.String("sanduku.tenant_id", j.req.TenantID),
			attribute.String("sanduku.backend", e.cfg.Backend),
		))
}

func (e *Engine) tracer() trace.Tracer {
	if e.obs != nil && e.obs.Tracer != nil {
		return e.obs.Tracer.Tracer()
	}
	return (*observability.TracerSetup)(nil).Tracer()
}

func (e *Engine) metrics() *observability.MetricsCollector {
	if e.obs == nil {
		return nil
	}
	return e.obs.Metrics
}

func (e *Engine) setQueueDepth() {
	if m := e.metrics(); m != nil {
		m.QueueDepth.Set(float64(len(e.queue)))
	}
}

func (e *Engine) recordValidation(res validate.Result, d time.Duration) {
	m := e.metrics()
	if m == nil {
		return
	}
	outcome := "ok"
	stage := ""
	if !res.OK {
		outcome = "rejected"
		stage = string(res.Stage)
	}
	m.ValidationsTotal.WithLabelValues(outcome, stage).Inc()
	m.ValidationDuration.Observe(d.Seconds())
}

func internalError(diag string) protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Status:      protocol.StatusInternalError,
		Diagnostics: []string{diag},
	}
}
