package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/collect"
	"github.com/jkaninda/sanduku/internal/execctx"
	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/validate"
)

// fakeSandbox satisfies sandbox.Sandbox without spawning processes.
// When block is non-nil, Execute waits for it to close or for the
// request deadline, whichever comes first.
type fakeSandbox struct {
	calls   atomic.Int64
	block   chan struct{}
	outcome sandbox.Outcome
}

func (f *fakeSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &sandbox.Outcome{State: sandbox.StateTimedOut}, nil
		}
	}
	out := f.outcome
	return &out, nil
}

func successOutcome() sandbox.Outcome {
	return sandbox.Outcome{
		State:    sandbox.StateCompleted,
		ExitCode: 0,
		Stdout:   `{"ok":true}`,
		Duration: 10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config, sbx sandbox.Sandbox) *Engine {
	t.Helper()

	reg, err := registry.Build("")
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	validator := validate.New(reg, nil)
	builder := execctx.NewBuilder(t.TempDir(), 30*time.Second, 120*time.Second)
	collector := collect.New(0, 0)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	eng := New(cfg, validator, builder, sbx, collector, reg, nil, nil, logger)
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng
}

const cleanScript = `console.log(JSON.stringify({ ok: true }));`

func TestExecute_Success(t *testing.T) {
	sbx := &fakeSandbox{outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 2, QueueSize: 4}, sbx)

	res := eng.Execute(context.Background(), protocol.ExecutionRequest{
		SourceCode: cleanScript,
		TenantID:   "tenant-a",
	})
	if res.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q: %v", res.Status, res.Diagnostics)
	}
	if string(res.Output) != `{"ok":true}` {
		t.Errorf("output = %s", res.Output)
	}
}

func TestExecute_ValidationShortCircuit(t *testing.T) {
	sbx := &fakeSandbox{outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 1, QueueSize: 2}, sbx)

	res := eng.Execute(context.Background(), protocol.ExecutionRequest{
		SourceCode: `eval("process.exit(1)");`,
		TenantID:   "tenant-a",
	})
	if res.Status != protocol.StatusValidationFailed {
		t.Fatalf("status = %q, want validation_failed", res.Status)
	}
	if len(res.Diagnostics) == 0 || !strings.Contains(res.Diagnostics[0], "patterns") {
		t.Errorf("diagnostics = %v, want failing stage named", res.Diagnostics)
	}
	// A rejected script must never reach the sandbox in any form.
	if n := sbx.calls.Load(); n != 0 {
		t.Errorf("sandbox called %d times for a rejected script", n)
	}
}

func TestExecute_MissingTenant(t *testing.T) {
	sbx := &fakeSandbox{outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 1, QueueSize: 2}, sbx)

	res := eng.Execute(context.Background(), protocol.ExecutionRequest{SourceCode: cleanScript})
	if res.Status != protocol.StatusInternalError {
		t.Errorf("status = %q, want internal_error", res.Status)
	}
}

func TestExecute_QueueSaturation(t *testing.T) {
	sbx := &fakeSandbox{block: make(chan struct{}), outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 1, QueueSize: 1}, sbx)

	var wg sync.WaitGroup
	submit := func() {
		defer wg.Done()
		eng.Execute(context.Background(), protocol.ExecutionRequest{
			SourceCode: cleanScript,
			TenantID:   "tenant-a",
		})
	}

	// First request occupies the single worker.
	wg.Add(1)
	go submit()
	waitFor(t, func() bool { return sbx.calls.Load() == 1 })

	// Second request fills the queue.
	wg.Add(1)
	go submit()
	waitFor(t, func() bool { return len(eng.queue) == 1 })

	// Third request must be rejected immediately, not block.
	res := eng.Execute(context.Background(), protocol.ExecutionRequest{
		SourceCode: cleanScript,
		TenantID:   "tenant-b",
	})
	if res.Status != protocol.StatusInternalError {
		t.Errorf("status = %q, want internal_error for saturated queue", res.Status)
	}
	if len(res.Diagnostics) == 0 || !strings.Contains(res.Diagnostics[0], "saturated") {
		t.Errorf("diagnostics = %v", res.Diagnostics)
	}

	close(sbx.block)
	wg.Wait()
}

func TestExecute_BudgetErodesWhileQueued(t *testing.T) {
	sbx := &fakeSandbox{block: make(chan struct{}), outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 1, QueueSize: 2}, sbx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Execute(context.Background(), protocol.ExecutionRequest{
			SourceCode:   cleanScript,
			TenantID:     "tenant-a",
			TimeBudgetMs: 60000,
		})
	}()
	waitFor(t, func() bool { return sbx.calls.Load() == 1 })

	// Second request gets a 100ms budget and then waits in the queue
	// longer than that. Its deadline was fixed at submission, so by the
	// time a worker picks it up the budget is gone.
	done := make(chan protocol.ExecutionResult, 1)
	go func() {
		done <- eng.Execute(context.Background(), protocol.ExecutionRequest{
			SourceCode:   cleanScript,
			TenantID:     "tenant-b",
			TimeBudgetMs: 100,
		})
	}()

	time.Sleep(300 * time.Millisecond)
	close(sbx.block)
	wg.Wait()

	res := <-done
	if res.Status != protocol.StatusTimeout {
		t.Fatalf("status = %q, want timeout: %v", res.Status, res.Diagnostics)
	}
	found := false
	for _, d := range res.Diagnostics {
		if strings.Contains(d, "queued") {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics = %v, want queue-erosion note", res.Diagnostics)
	}
	// The eroded job never reached the sandbox.
	if n := sbx.calls.Load(); n != 1 {
		t.Errorf("sandbox calls = %d, want 1", n)
	}
}

func TestExecute_ConcurrentTenants(t *testing.T) {
	sbx := &fakeSandbox{outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 4, QueueSize: 16}, sbx)

	var wg sync.WaitGroup
	results := make([]protocol.ExecutionResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.Execute(context.Background(), protocol.ExecutionRequest{
				SourceCode: cleanScript,
				TenantID:   fmt.Sprintf("tenant-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res.Status != protocol.StatusSuccess {
			t.Errorf("request %d: status = %q: %v", i, res.Status, res.Diagnostics)
		}
	}
}

func TestAllowedCapabilities(t *testing.T) {
	sbx := &fakeSandbox{outcome: successOutcome()}
	eng := newTestEngine(t, Config{Workers: 1, QueueSize: 1}, sbx)

	j := &job{
		req: protocol.ExecutionRequest{
			DeclaredCapabilities: []string{"capabilities/search"},
		},
		imports: []string{"capabilities/search", "capabilities/orders/lookup", "lodash"},
	}
	got := eng.allowedCapabilities(j)
	if len(got) != 1 || got[0] != "capabilities/search" {
		t.Errorf("allowed = %v, want imports narrowed to declared registry entries", got)
	}

	// Without a declaration, every registry-resolvable import is allowed.
	j.req.DeclaredCapabilities = nil
	got = eng.allowedCapabilities(j)
	if len(got) != 2 {
		t.Errorf("allowed = %v, want both registry imports", got)
	}
}

func TestCredentialHandleFor(t *testing.T) {
	h := credentialHandleFor(protocol.ExecutionRequest{TenantID: "acme-corp.eu"})
	if h != "env://SANDUKU_TENANT_ACME_CORP_EU" {
		t.Errorf("handle = %q", h)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
