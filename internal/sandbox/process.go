package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const (
	defaultMemoryMB   = 256
	defaultCPUSeconds = 60
)

// oomStderrRe recognizes interpreter-reported allocation failures. Under
// a virtual-memory ulimit the interpreter usually aborts itself before
// the kernel OOM killer gets involved, so the exit is a nonzero code or
// SIGABRT with a heap message rather than a SIGKILL.
var oomStderrRe = regexp.MustCompile(`(?i)out of memory|allocation failed|cannot allocate`)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	Interpreter   string // Script interpreter binary. Default: "node".
	DefaultLimits Limits
}

// ProcessSandbox executes scripts as isolated OS processes. It is the
// development backend; the docker backend adds the filesystem and
// network boundaries production deployments need.
//
// Isolation:
//   - One process per execution, run inside the caller's scratch directory
//   - Own process group (Setpgid); the whole group is SIGKILLed on deadline
//   - No environment inheritance — only a minimal sanitized set
//   - Memory and CPU ceilings via ulimit, enforced by the OS
//   - A loopback-only network namespace (unshare) when the host allows it
//   - stdout/stderr capture capped to protect the host
type ProcessSandbox struct {
	interpreter   string
	unshareBin    string // Empty when network namespaces are unavailable.
	defaultLimits Limits
	logger        *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox. Network namespace
// support is detected once here; executions run without it when the
// host cannot provide one.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "node"
	}
	limits := cfg.DefaultLimits
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	return &ProcessSandbox{
		interpreter:   interpreter,
		unshareBin:    detectNetNamespace(),
		defaultLimits: limits,
		logger:        logger,
	}
}

// detectNetNamespace checks for unshare-based network namespaces by
// actually entering one: unprivileged user namespaces are disabled on
// some hosts even when the binary exists.
func detectNetNamespace() string {
	bin, err := exec.LookPath("unshare")
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, bin, "-r", "-n", "true").Run(); err != nil {
		return ""
	}
	return bin
}

// NetworkIsolated reports whether executions run inside a loopback-only
// network namespace. Used by startup logging.
func (s *ProcessSandbox) NetworkIsolated() bool { return s.unshareBin != "" }

// Execute runs the entry script and waits for a terminal state.
func (s *ProcessSandbox) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.EntryFile == "" || req.ScratchDir == "" {
		return nil, fmt.Errorf("entry file and scratch dir are required")
	}
	if req.Deadline.IsZero() {
		return nil, fmt.Errorf("execution deadline is required")
	}

	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	limits := s.resolveLimits(req.Limits)

	// The interpreter is wrapped so the resource ceilings apply to it and
	// to anything it manages to spawn:
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ node main.js
	// Positional parameters keep the entry file out of the shell string,
	// so a hostile filename cannot inject into the wrapper. When the host
	// supports it, the whole thing runs under unshare -r -n, leaving the
	// child a network namespace with nothing but an unconfigured loopback.
	memKB := limits.MaxMemoryMB * 1024
	wrapper := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	argv := sandboxArgv(s.unshareBin, wrapper, s.interpreter, req.EntryFile)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.ScratchDir

	// Own process group: a deadline kill reaps the interpreter and every
	// descendant, untrusted code is never asked to exit cooperatively.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = buildEnv(req.ScratchDir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, remaining: maxCaptureBytes}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, remaining: maxCaptureBytes}

	s.logger.Info("sandbox spawning",
		slog.String("interpreter", s.interpreter),
		slog.String("scratch_dir", req.ScratchDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Bool("network_isolated", s.unshareBin != ""),
		slog.Time("deadline", req.Deadline),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outcome := &Outcome{
		State:    StateCompleted,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	switch {
	case runErr == nil:
		// Exit 0.

	case ctx.Err() != nil:
		s.logger.Warn("sandbox execution timed out",
			slog.String("scratch_dir", req.ScratchDir),
			slog.Duration("duration", duration),
		)
		outcome.State = StateTimedOut

	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The process never ran: spawn fault, not a script fault.
			return nil, fmt.Errorf("spawning sandbox process: %w", runErr)
		}
		outcome.State, outcome.ExitCode = classifyExit(exitErr, outcome.Stderr)
	}

	s.logger.Info("sandbox execution finished",
		slog.String("state", string(outcome.State)),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(outcome.Stdout)),
		slog.Int("stderr_bytes", len(outcome.Stderr)),
	)
	return outcome, nil
}

// classifyExit maps a nonzero exit to a terminal state. SIGKILL and
// SIGXCPU that we did not send mean the OS enforced a resource ceiling;
// any other fatal signal is a crash. A nonzero exit whose stderr shows
// an allocation failure is also the memory ceiling at work.
func classifyExit(exitErr *exec.ExitError, stderr string) (State, int) {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGKILL, syscall.SIGXCPU:
			return StateKilledOOM, exitErr.ExitCode()
		case syscall.SIGABRT:
			if oomStderrRe.MatchString(stderr) {
				return StateKilledOOM, exitErr.ExitCode()
			}
			return StateCrashed, exitErr.ExitCode()
		default:
			return StateCrashed, exitErr.ExitCode()
		}
	}
	if oomStderrRe.MatchString(stderr) {
		return StateKilledOOM, exitErr.ExitCode()
	}
	return StateCompleted, exitErr.ExitCode()
}

// sandboxArgv assembles the spawn argv: the ulimit shell wrapper around
// the interpreter, prefixed with an unshare network namespace when one
// is available. Entry file and interpreter stay positional throughout.
func sandboxArgv(unshareBin, wrapper, interpreter, entryFile string) []string {
	argv := []string{"/bin/sh", "-c", wrapper, "_", interpreter, entryFile}
	if unshareBin == "" {
		return argv
	}
	return append([]string{unshareBin, "-r", "-n", "--"}, argv...)
}

func (s *ProcessSandbox) resolveLimits(req Limits) Limits {
	limits := s.defaultLimits
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	return limits
}

// buildEnv constructs the minimal sandbox environment. The host process
// environment is NEVER inherited — credentials live host-side only and
// must not be reachable from generated code.
func buildEnv(scratchDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratchDir,
		"TMPDIR=" + scratchDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// interpreterAvailable reports whether the interpreter is on PATH.
// Used by health checks.
func interpreterAvailable(interpreter string) error {
	if _, err := exec.LookPath(interpreter); err != nil {
		return fmt.Errorf("interpreter %q not found: %w", interpreter, err)
	}
	return nil
}

// CheckInterpreter returns a health check for the configured interpreter.
func (s *ProcessSandbox) CheckInterpreter() error {
	if strings.ContainsRune(s.interpreter, '/') {
		return nil // explicit path, trust the operator
	}
	return interpreterAvailable(s.interpreter)
}
