// Package registry implements the capability catalog: the closed set of
// functions sandboxed code may call. Every capability pairs a descriptor
// (import path, schemas, side-effect flag) with a statically linked Go
// handler — imports are never resolved by loading code at runtime.
//
// The registry is populated once at process start and frozen; after that
// it is the only component shared between concurrent executions, and it
// is read-only.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jkaninda/sanduku/internal/execctx"
	"github.com/jkaninda/sanduku/internal/secrets"
)

// Descriptor describes one capability to validators, discovery clients,
// and the LLM-facing catalog listing.
type Descriptor struct {
	ImportPath   string         `json:"import_path" yaml:"import_path"`     // e.g. "capabilities/search".
	Description  string         `json:"description" yaml:"description"`     // One line, used in summaries.
	Version      string         `json:"version" yaml:"version"`             // Versioned independently of executions.
	InputSchema  map[string]any `json:"input_schema" yaml:"input_schema"`   // JSON-Schema-like contract.
	OutputSchema map[string]any `json:"output_schema" yaml:"output_schema"`
	SideEffects  bool           `json:"side_effects" yaml:"side_effects"`
}

// Summary is the constant-size discovery form of a capability: just the
// import path and one-line description. Full schemas are fetched on
// demand via Describe, keeping the cost of offering many capabilities
// flat rather than linear.
type Summary struct {
	ImportPath  string `json:"import_path"`
	Description string `json:"description"`
}

// Call carries the host-side context of one capability invocation.
// Secrets are resolved here, with the platform's own credentials —
// never inside the sandboxed process.
type Call struct {
	Input   map[string]any
	Exec    *execctx.Context
	Secrets secrets.Provider
}

// Handler is a statically linked capability implementation.
type Handler func(ctx context.Context, call Call) (any, error)

// ErrNotFound is returned when an import path has no registry entry.
var ErrNotFound = fmt.Errorf("capability not found")

// ErrInvalidInput is returned when a call's input violates the
// capability's input schema.
var ErrInvalidInput = fmt.Errorf("capability input invalid")

type entry struct {
	desc    Descriptor
	schema  *gojsonschema.Schema
	handler Handler
}

// Registry is the frozen capability catalog.
type Registry struct {
	entries map[string]entry
	frozen  bool
}

// New creates an empty, unfrozen registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a capability. Startup only — registering after Freeze
// or re-registering an import path is an error.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if r.frozen {
		return fmt.Errorf("registry is frozen; cannot register %q", desc.ImportPath)
	}
	if desc.ImportPath == "" {
		return fmt.Errorf("capability import path is required")
	}
	if handler == nil {
		return fmt.Errorf("capability %q has no handler", desc.ImportPath)
	}
	if _, exists := r.entries[desc.ImportPath]; exists {
		return fmt.Errorf("capability %q already registered", desc.ImportPath)
	}

	// The input schema is compiled once here and enforced on every
	// Invoke, so a descriptor's published contract and the contract the
	// handler actually sees cannot drift apart.
	var schema *gojsonschema.Schema
	if desc.InputSchema != nil {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("capability %q has an invalid input schema: %w", desc.ImportPath, err)
		}
	}

	r.entries[desc.ImportPath] = entry{desc: desc, schema: schema, handler: handler}
	return nil
}

// Freeze marks the registry read-only. Called once after startup wiring.
func (r *Registry) Freeze() { r.frozen = true }

// Resolve returns the descriptor for an import path.
func (r *Registry) Resolve(importPath string) (Descriptor, bool) {
	e, ok := r.entries[importPath]
	return e.desc, ok
}

// List returns all descriptors sorted by import path.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportPath < out[j].ImportPath })
	return out
}

// Summaries returns the progressive-discovery listing: import paths and
// one-line descriptions only.
func (r *Registry) Summaries() []Summary {
	descs := r.List()
	out := make([]Summary, 0, len(descs))
	for _, d := range descs {
		out = append(out, Summary{ImportPath: d.ImportPath, Description: d.Description})
	}
	return out
}

// Describe returns the full descriptor for one capability, fetched on
// demand by discovery clients.
func (r *Registry) Describe(importPath string) (Descriptor, error) {
	d, ok := r.Resolve(importPath)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, importPath)
	}
	return d, nil
}

// Invoke runs the handler bound to an import path. The closed-resolver
// rule lives here: an unknown path fails, it is never loaded dynamically.
// Input is checked against the descriptor's schema before the handler
// runs, so handlers only ever see calls matching the published contract.
func (r *Registry) Invoke(ctx context.Context, importPath string, call Call) (any, error) {
	e, ok := r.entries[importPath]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, importPath)
	}
	if e.schema != nil {
		input := call.Input
		if input == nil {
			input = map[string]any{}
		}
		result, err := e.schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return nil, fmt.Errorf("%s: checking input: %w", importPath, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, re := range result.Errors() {
				msgs = append(msgs, re.String())
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidInput, importPath, strings.Join(msgs, "; "))
		}
	}
	return e.handler(ctx, call)
}
