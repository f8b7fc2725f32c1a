// Package protocol defines the wire types exchanged between the gateway,
// the execution engine, and callers. These types are the engine's public
// boundary: every failure is surfaced as structured data on
// ExecutionResult, never as an error crossing the boundary.
package protocol

import "encoding/json"

// Status is the closed taxonomy of execution outcomes.
type Status string

const (
	// StatusSuccess — script ran, exited 0, and wrote one parsable value.
	StatusSuccess Status = "success"

	// StatusValidationFailed — static validation rejected the source; the
	// code never ran. Diagnostics identify the failing stage.
	StatusValidationFailed Status = "validation_failed"

	// StatusTimeout — wall-clock deadline elapsed; the process was
	// forcefully terminated. Eligible for caller-level retry with a fresh
	// request.
	StatusTimeout Status = "timeout"

	// StatusResourceExceeded — the memory ceiling was breached and the OS
	// killed the process.
	StatusResourceExceeded Status = "resource_exceeded"

	// StatusRuntimeError — script ran but exited nonzero or produced
	// unparsable stdout. Usually a logic error in the generated code.
	StatusRuntimeError Status = "runtime_error"

	// StatusInternalError — infrastructure fault unrelated to the
	// submitted code (spawn failure, crash, saturated queue). Safe to
	// retry the identical request once.
	StatusInternalError Status = "internal_error"
)

// ExecutionRequest is one request to validate and execute a script.
// Immutable once created; discarded after the ExecutionResult is produced.
type ExecutionRequest struct {
	SourceCode           string   `json:"source_code"`
	TenantID             string   `json:"tenant_id"`
	Domain               string   `json:"domain"`
	DeclaredCapabilities []string `json:"declared_capabilities,omitempty"`
	TimeBudgetMs         int      `json:"time_budget_ms,omitempty"` // 0 = platform default.
}

// ExecutionResult is the outcome of one ExecutionRequest. Produced exactly
// once; immutable; safe to log and return to callers without further
// sanitization beyond the size truncation already applied.
//
// Invariant: Output is non-nil if and only if Status == StatusSuccess.
type ExecutionResult struct {
	Status        Status          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	StderrExcerpt string          `json:"stderr_excerpt,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Diagnostics   []string        `json:"diagnostics,omitempty"`
}
