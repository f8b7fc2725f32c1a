// Package execctx builds per-request, per-tenant execution contexts.
// A Context is owned exclusively by one execution for its whole lifetime
// and is never reused or shared — every run gets a fresh instance so no
// state can leak between tenants or between runs of the same tenant.
package execctx

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Context is the per-execution bundle injected into the sandbox pipeline.
// CredentialHandle is an opaque reference resolved server-side by
// capability handlers; the raw secret never appears here.
type Context struct {
	ExecutionID      string        // Unique per execution (UUID).
	TenantID         string
	Domain           string
	CredentialHandle string        // e.g. "env://ACME_API_KEY". May be empty.
	ScratchDir       string        // Unique directory; created and wiped by the executor.
	Deadline         time.Time     // Wall-clock deadline, counted from Build time.
	TimeBudget       time.Duration // Budget after clamping.
	Diagnostics      []string      // Build-time notes (e.g. budget clamp).
}

// Builder constructs execution contexts. Pure — no I/O; the scratch
// directory is only named here, not created.
type Builder struct {
	scratchRoot   string
	defaultBudget time.Duration
	maxBudget     time.Duration
}

// NewBuilder creates a context builder.
func NewBuilder(scratchRoot string, defaultBudget, maxBudget time.Duration) *Builder {
	return &Builder{
		scratchRoot:   scratchRoot,
		defaultBudget: defaultBudget,
		maxBudget:     maxBudget,
	}
}

// Build creates a fresh Context. The deadline is computed here — at
// submission time — so time spent waiting in the execution queue erodes
// the budget instead of extending it. A budget above the platform
// ceiling is clamped, never silently truncated: the clamp is recorded
// in Diagnostics.
func (b *Builder) Build(tenantID, domain, credentialHandle string, timeBudgetMs int) (*Context, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if timeBudgetMs < 0 {
		return nil, fmt.Errorf("time budget must not be negative, got %d", timeBudgetMs)
	}

	budget := b.defaultBudget
	var diags []string
	if timeBudgetMs > 0 {
		budget = time.Duration(timeBudgetMs) * time.Millisecond
	}
	if budget > b.maxBudget {
		diags = append(diags, fmt.Sprintf("time budget %s clamped to platform ceiling %s", budget, b.maxBudget))
		budget = b.maxBudget
	}

	id := uuid.New().String()
	return &Context{
		ExecutionID:      id,
		TenantID:         tenantID,
		Domain:           domain,
		CredentialHandle: credentialHandle,
		ScratchDir:       filepath.Join(b.scratchRoot, "exec-"+id),
		Deadline:         time.Now().Add(budget),
		TimeBudget:       budget,
		Diagnostics:      diags,
	}, nil
}
