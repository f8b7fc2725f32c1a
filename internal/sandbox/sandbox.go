// Package sandbox provides isolated execution of untrusted scripts.
// One OS process (or container) per execution, never pooled or reused,
// so no state can leak between tenants through a shared interpreter.
package sandbox

import (
	"context"
	"io"
	"time"
)

// State is one step of the per-execution state machine:
// pending → spawning → running → {completed | timed_out | killed_oom | crashed}.
type State string

const (
	StatePending   State = "pending"
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateKilledOOM State = "killed_oom"
	StateCrashed   State = "crashed"
)

// Limits constrains one sandboxed execution.
type Limits struct {
	MaxMemoryMB   int // Memory ceiling; enforced by the OS, not the script.
	MaxCPUSeconds int // CPU-time ceiling.
}

// Request describes one execution. The scratch directory must already
// exist and contain the entry file; the caller owns its lifecycle and
// wipes it after the outcome is collected.
type Request struct {
	EntryFile  string            // Script filename inside ScratchDir (e.g. "main.js").
	ScratchDir string            // Private writable directory, exclusive to this execution.
	Env        map[string]string // Extra variables merged onto the minimal safe set.
	Deadline   time.Time         // Wall-clock deadline; expiry forcefully terminates.
	Limits     Limits            // Zero values = backend defaults.
}

// Outcome is the terminal result of one execution. ExitCode is only
// meaningful when State == StateCompleted.
type Outcome struct {
	State    State
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Sandbox executes a script in an isolated environment. A returned error
// means an infrastructure fault (e.g. the process could not be spawned);
// everything the script itself does is reported through the Outcome.
type Sandbox interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// maxCaptureBytes caps raw stdout/stderr capture to protect the host from
// chatty scripts. The collector applies the smaller caller-facing caps.
const maxCaptureBytes = 1 << 20 // 1 MB

// cappedWriter stops writing after a byte limit; excess is discarded.
type cappedWriter struct {
	w         io.Writer
	remaining int
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > cw.remaining {
		p = p[:cw.remaining]
	}
	n, err := cw.w.Write(p)
	cw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
