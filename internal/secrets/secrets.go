// Package secrets resolves opaque credential handles for capability
// handlers. Execution contexts carry only the handle (e.g. "env://ACME_KEY"
// or "vault://secret/data/tenants/acme#api_key"); the raw material is
// resolved host-side at capability-invocation time and is never written
// into the sandbox environment, filesystem, or any ExecutionResult.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or returned to callers.
type Secret struct {
	Value    string            // The raw secret value (API key, token, password).
	Metadata map[string]string // Backend-specific metadata (never secret material).
}

// Provider resolves credential handles into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve turns a credential handle into its secret. Returns
	// ErrHandleNotFound when the handle cannot be resolved.
	Resolve(ctx context.Context, handle string) (*Secret, error)

	// Scheme returns the handle scheme this provider serves (e.g. "env").
	Scheme() string
}

// ErrHandleNotFound is returned when a credential handle cannot be resolved.
var ErrHandleNotFound = fmt.Errorf("credential handle not found")

// handleScheme extracts the scheme from "scheme://rest". Empty if malformed.
func handleScheme(handle string) string {
	scheme, _, ok := strings.Cut(handle, "://")
	if !ok {
		return ""
	}
	return scheme
}
