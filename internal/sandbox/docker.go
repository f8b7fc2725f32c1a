package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0

	// containerScratch is where the execution's scratch directory is
	// bind-mounted inside the container. The bridge socket lives in the
	// scratch dir, so capability calls cross the mount as a unix socket.
	containerScratch = "/sanduku/scratch"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image         string  // Runtime image with the interpreter installed.
	Interpreter   string  // Default: "node".
	CPUCores      float64 // --cpus rate limit.
	PIDsLimit     int     // --pids-limit (fork bomb protection).
	DefaultLimits Limits
}

// DockerSandbox executes scripts inside ephemeral hardened containers.
//
// Isolation:
//   - One container per execution (--rm plus a docker rm -f safety net)
//   - All Linux capabilities dropped, no-new-privileges, non-root user
//   - Read-only root filesystem; only the scratch mount is writable
//   - No network stack at all (--network=none)
//   - Memory limit with swap disabled (OOM kill on exceed), PIDs limit
//   - Sanitized environment, nothing inherited from the host
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "node"
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	return &DockerSandbox{config: cfg, logger: logger}
}

// Execute runs the entry script inside an ephemeral container.
func (s *DockerSandbox) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.EntryFile == "" || req.ScratchDir == "" {
		return nil, fmt.Errorf("entry file and scratch dir are required")
	}
	if req.Deadline.IsZero() {
		return nil, fmt.Errorf("execution deadline is required")
	}
	if s.config.Image == "" {
		return nil, fmt.Errorf("docker image is not configured")
	}

	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := s.config.DefaultLimits.MaxMemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	args := s.buildDockerArgs(containerName, memoryMB, req)
	args = append(args, s.config.Image, s.config.Interpreter, containerScratch+"/"+req.EntryFile)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, remaining: maxCaptureBytes}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, remaining: maxCaptureBytes}

	s.logger.Info("docker sandbox spawning",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.String("scratch_dir", req.ScratchDir),
		slog.Int("memory_mb", memoryMB),
		slog.Time("deadline", req.Deadline),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net in case --rm didn't fire (OOM kill, daemon restart,
	// context cancel race).
	s.forceRemoveContainer(containerName)

	outcome := &Outcome{
		State:    StateCompleted,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	switch {
	case runErr == nil:

	case ctx.Err() != nil:
		s.logger.Warn("docker sandbox timed out",
			slog.String("container", containerName),
			slog.Duration("duration", duration),
		)
		outcome.State = StateTimedOut

	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
		outcome.ExitCode = exitErr.ExitCode()
		switch {
		// 137 = 128+SIGKILL: the cgroup memory limit OOM-killed PID 1.
		case outcome.ExitCode == 137 || oomStderrRe.MatchString(outcome.Stderr):
			outcome.State = StateKilledOOM
		// Other 128+signal exits are crashes inside the container.
		case outcome.ExitCode > 128:
			outcome.State = StateCrashed
		default:
			outcome.State = StateCompleted
		}
	}

	s.logger.Info("docker sandbox finished",
		slog.String("container", containerName),
		slog.String("state", string(outcome.State)),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("duration", duration),
	)
	return outcome, nil
}

// buildDockerArgs constructs the docker run argument list with all
// hardening flags. Image and command are appended by the caller.
func (s *DockerSandbox) buildDockerArgs(name string, memoryMB int, req Request) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(s.config.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// No network stack at all. Capability calls go through the bridge
		// socket inside the scratch mount, served host-side.
		"--network=none",

		// The execution's private scratch directory is the only writable
		// filesystem the script sees.
		"--mount", "type=bind,source=" + req.ScratchDir + ",target=" + containerScratch,
		"--workdir", containerScratch,

		"--env", "HOME=" + containerScratch,
		"--env", "TMPDIR=" + containerScratch,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	for k, v := range req.Env {
		// Scratch-relative values must be rewritten to the in-container path.
		args = append(args, "--env", k+"="+strings.ReplaceAll(v, req.ScratchDir, containerScratch))
	}
	return args
}

func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// CheckDaemon returns an error when the Docker daemon is unreachable.
// Used by health checks when the docker backend is selected.
func (s *DockerSandbox) CheckDaemon() error {
	if err := exec.Command("docker", "info").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// generateContainerName returns a unique name: sanduku-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-sbx-" + hex.EncodeToString(b), nil
}
