// Package collect turns raw sandbox outcomes into the caller-facing
// ExecutionResult. It owns the deterministic state→status mapping, the
// stdout-as-return-value parse, and the independent size ceilings on
// output and stderr. Hostile or partial output must never crash the
// collector — an unparsable success-exit stdout becomes a runtime error,
// not a propagated parse failure.
package collect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Collector formats outcomes under fixed size ceilings.
type Collector struct {
	maxOutputBytes int
	maxStderrBytes int
}

// New creates a collector. Zero caps fall back to 64 KB / 16 KB.
func New(maxOutputBytes, maxStderrBytes int) *Collector {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64 << 10
	}
	if maxStderrBytes <= 0 {
		maxStderrBytes = 16 << 10
	}
	return &Collector{maxOutputBytes: maxOutputBytes, maxStderrBytes: maxStderrBytes}
}

// Collect maps one raw outcome to exactly one ExecutionResult. The extra
// diagnostics (validation clamps, queue notes) are prepended verbatim.
func (c *Collector) Collect(outcome *sandbox.Outcome, diagnostics []string) protocol.ExecutionResult {
	result := protocol.ExecutionResult{
		DurationMs:  outcome.Duration.Milliseconds(),
		Diagnostics: append([]string(nil), diagnostics...),
	}
	result.StderrExcerpt = c.truncateStderr(outcome.Stderr, &result.Diagnostics)

	switch outcome.State {
	case sandbox.StateTimedOut:
		result.Status = protocol.StatusTimeout
		result.Diagnostics = append(result.Diagnostics, "wall-clock deadline exceeded; process terminated")

	case sandbox.StateKilledOOM:
		result.Status = protocol.StatusResourceExceeded
		result.Diagnostics = append(result.Diagnostics, "memory ceiling exceeded; process killed")

	case sandbox.StateCrashed:
		result.Status = protocol.StatusInternalError
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("process terminated abnormally (exit code %d)", outcome.ExitCode))

	case sandbox.StateCompleted:
		if outcome.ExitCode != 0 {
			result.Status = protocol.StatusRuntimeError
			result.Diagnostics = append(result.Diagnostics,
				fmt.Sprintf("script exited with code %d", outcome.ExitCode))
			return result
		}
		value, ok := parseReturnValue(outcome.Stdout)
		if !ok {
			result.Status = protocol.StatusRuntimeError
			result.Diagnostics = append(result.Diagnostics,
				"script exited 0 but stdout does not contain a parsable return value")
			return result
		}
		result.Status = protocol.StatusSuccess
		result.Output = c.truncateOutput(value, &result.Diagnostics)

	default:
		result.Status = protocol.StatusInternalError
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("unknown sandbox state %q", outcome.State))
	}
	return result
}

// parseReturnValue extracts the single structured value a successful
// script writes as its final action. Scripts may log progress lines
// first, so the whole trimmed stdout is tried before falling back to the
// final non-empty line — that distinction is what separates partial
// output from the final result.
func parseReturnValue(stdout string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, false
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != "" && json.Valid([]byte(last)) {
		return json.RawMessage(last), true
	}
	return nil, false
}

// truncateOutput bounds the return value. A value over the ceiling is
// replaced by a JSON string holding its truncated serialization — still
// valid JSON, with the truncation recorded.
func (c *Collector) truncateOutput(value json.RawMessage, diags *[]string) json.RawMessage {
	if len(value) <= c.maxOutputBytes {
		return value
	}
	*diags = append(*diags, fmt.Sprintf("output truncated to %d bytes", c.maxOutputBytes))
	truncated, err := json.Marshal(string(value[:c.maxOutputBytes]))
	if err != nil {
		// Marshaling a string cannot realistically fail; guard anyway.
		return json.RawMessage(`"output truncated"`)
	}
	return truncated
}

func (c *Collector) truncateStderr(stderr string, diags *[]string) string {
	if len(stderr) <= c.maxStderrBytes {
		return stderr
	}
	*diags = append(*diags, fmt.Sprintf("stderr truncated to %d bytes", c.maxStderrBytes))
	return stderr[:c.maxStderrBytes]
}
