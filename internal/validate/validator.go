// Package validate implements the static validation pipeline that every
// submitted script must pass before it is allowed anywhere near a sandbox.
//
// Four ordered stages, cheapest first, stopping at the first failure:
//
//  1. syntax   — parse with goja's JavaScript parser (parse only; the
//     source is never evaluated).
//  2. imports  — every require()/import specifier must resolve in the
//     capability registry or the configured pure-module allow-list.
//  3. patterns — deny-list of syntactic pattern classes associated with
//     sandbox escape or resource abuse.
//  4. fullscan — an independent scan over a normalized copy of the raw
//     source that collapses string concatenation, catching obfuscation
//     that defeats stage 3.
//
// Stages 3 and 4 are deliberately redundant: an attacker who assembles a
// banned identifier dynamically still trips the textual rescan. The
// validator is pure and must be safe to run on arbitrary hostile input.
package validate

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja/parser"

	"github.com/jkaninda/sanduku/internal/registry"
)

// Stage identifies which validation stage produced a result.
type Stage string

const (
	StageSyntax   Stage = "syntax"
	StageImports  Stage = "imports"
	StagePatterns Stage = "patterns"
	StageFullScan Stage = "fullscan"
)

// Result is the terminal outcome of validation. A failing result
// short-circuits execution and is never retried automatically.
type Result struct {
	OK          bool     `json:"ok"`
	Stage       Stage    `json:"stage,omitempty"` // The failing stage; empty when OK.
	Diagnostics []string `json:"diagnostics,omitempty"`
	Imports     []string `json:"-"` // Import specifiers found; set when OK.
}

// CapabilityResolver is the registry view the import stage needs.
type CapabilityResolver interface {
	Resolve(importPath string) (registry.Descriptor, bool)
}

// Validator runs the four-stage pipeline.
type Validator struct {
	resolver       CapabilityResolver
	allowedModules map[string]bool // Pure utility modules importable without a registry entry.
}

// New creates a validator bound to a capability resolver.
func New(resolver CapabilityResolver, allowedModules []string) *Validator {
	allowed := make(map[string]bool, len(allowedModules))
	for _, m := range allowedModules {
		allowed[m] = true
	}
	return &Validator{resolver: resolver, allowedModules: allowed}
}

var (
	requireRe = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	importRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"\n]+\s+from\s+)?['"]([^'"]+)['"]`)
)

// Validate runs all stages against the source. It never panics: an
// internal parser fault on hostile input is reported as a syntax failure.
func (v *Validator) Validate(source string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail(StageSyntax, fmt.Sprintf("parser fault: %v", r))
		}
	}()

	// Stage 1: syntax.
	if _, err := parser.ParseFile(nil, "script.js", source, 0); err != nil {
		return fail(StageSyntax, err.Error())
	}

	// Stage 2: imports.
	imports := extractImports(source)
	for _, spec := range imports {
		if v.allowedModules[spec] {
			continue
		}
		if _, ok := v.resolver.Resolve(spec); ok {
			continue
		}
		return fail(StageImports, fmt.Sprintf("import %q does not resolve to a registered capability", spec))
	}

	// Stage 3: deny-list pattern scan.
	if class, match := scanPatterns(source); class != "" {
		return fail(StagePatterns, fmt.Sprintf("forbidden %s pattern: %s", class, match))
	}

	// Stage 4: full-source rescan over the normalized text.
	if ident := scanNormalized(source); ident != "" {
		return fail(StageFullScan, fmt.Sprintf("banned identifier %q reachable via obfuscation", ident))
	}

	return Result{OK: true, Imports: imports}
}

func fail(stage Stage, diag string) Result {
	return Result{OK: false, Stage: stage, Diagnostics: []string{diag}}
}

// extractImports collects every require() and static import specifier.
func extractImports(source string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(spec string) {
		if !seen[spec] {
			seen[spec] = true
			out = append(out, spec)
		}
	}
	for _, m := range requireRe.FindAllStringSubmatch(source, -1) {
		add(m[1])
	}
	for _, m := range importRe.FindAllStringSubmatch(source, -1) {
		add(m[1])
	}
	return out
}
