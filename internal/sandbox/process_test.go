package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// skipIfNoShell skips when no POSIX shell is available (the process
// backend depends on one for the ulimit wrapper anyway).
func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping")
	}
}

// newShellSandbox returns a sandbox whose "interpreter" is sh, so tests
// can drive arbitrary exit behavior without a JavaScript runtime.
func newShellSandbox(t *testing.T) *ProcessSandbox {
	t.Helper()
	skipIfNoShell(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewProcessSandbox(ProcessConfig{Interpreter: "sh"}, logger)
}

// writeScript drops a shell script into a fresh scratch dir and returns
// the request skeleton pointing at it.
func writeScript(t *testing.T, script string) Request {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.sh"), []byte(script), 0o600); err != nil {
		t.Fatal(err)
	}
	return Request{
		EntryFile:  "main.sh",
		ScratchDir: dir,
		Deadline:   time.Now().Add(10 * time.Second),
	}
}

func TestProcessSandbox_Success(t *testing.T) {
	sbx := newShellSandbox(t)
	req := writeScript(t, `echo '{"ok":true}'`)

	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted || out.ExitCode != 0 {
		t.Errorf("state=%q exit=%d, want completed/0", out.State, out.ExitCode)
	}
	if got := strings.TrimSpace(out.Stdout); got != `{"ok":true}` {
		t.Errorf("stdout = %q", got)
	}
	if out.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	sbx := newShellSandbox(t)
	req := writeScript(t, `echo "boom" >&2; exit 3`)

	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted || out.ExitCode != 3 {
		t.Errorf("state=%q exit=%d, want completed/3", out.State, out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "boom") {
		t.Errorf("stderr = %q", out.Stderr)
	}
}

func TestProcessSandbox_DeadlineKill(t *testing.T) {
	sbx := newShellSandbox(t)
	req := writeScript(t, `echo started; sleep 30; echo never`)
	req.Deadline = time.Now().Add(500 * time.Millisecond)

	start := time.Now()
	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateTimedOut {
		t.Errorf("state = %q, want timed_out", out.State)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %s, deadline not enforced", elapsed)
	}
	// Partial output up to the kill is preserved.
	if !strings.Contains(out.Stdout, "started") {
		t.Errorf("stdout = %q, want partial output", out.Stdout)
	}
	if strings.Contains(out.Stdout, "never") {
		t.Error("script survived its deadline")
	}
}

func TestProcessSandbox_ProcessGroupKill(t *testing.T) {
	sbx := newShellSandbox(t)
	// The background child must die with its parent's process group.
	req := writeScript(t, `sleep 30 & sleep 30`)
	req.Deadline = time.Now().Add(300 * time.Millisecond)

	start := time.Now()
	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateTimedOut {
		t.Errorf("state = %q, want timed_out", out.State)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process group kill took %s", elapsed)
	}
}

func TestProcessSandbox_EnvSanitized(t *testing.T) {
	t.Setenv("SANDUKU_HOST_SECRET", "credential-material")

	sbx := newShellSandbox(t)
	req := writeScript(t, `echo "secret=${SANDUKU_HOST_SECRET:-unset}"; echo "home=$HOME"; echo "extra=${EXTRA_VAR:-unset}"`)
	req.Env = map[string]string{"EXTRA_VAR": "visible"}

	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.Stdout, "secret=unset") {
		t.Errorf("host environment leaked into sandbox: %q", out.Stdout)
	}
	if !strings.Contains(out.Stdout, "home="+req.ScratchDir) {
		t.Errorf("HOME not redirected to scratch dir: %q", out.Stdout)
	}
	if !strings.Contains(out.Stdout, "extra=visible") {
		t.Errorf("explicit env not passed through: %q", out.Stdout)
	}
}

func TestProcessSandbox_RunsInScratchDir(t *testing.T) {
	sbx := newShellSandbox(t)
	req := writeScript(t, `pwd`)

	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(out.Stdout); got != req.ScratchDir {
		t.Errorf("cwd = %q, want scratch dir %q", got, req.ScratchDir)
	}
}

func TestProcessSandbox_RequestValidation(t *testing.T) {
	sbx := newShellSandbox(t)

	if _, err := sbx.Execute(context.Background(), Request{ScratchDir: "/tmp", Deadline: time.Now().Add(time.Second)}); err == nil {
		t.Error("missing entry file: expected error")
	}
	if _, err := sbx.Execute(context.Background(), Request{EntryFile: "main.sh", ScratchDir: "/tmp"}); err == nil {
		t.Error("missing deadline: expected error")
	}
}

func TestProcessSandbox_SpawnFailure(t *testing.T) {
	skipIfNoShell(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sbx := NewProcessSandbox(ProcessConfig{Interpreter: "sh"}, logger)

	req := Request{
		EntryFile:  "main.sh",
		ScratchDir: filepath.Join(t.TempDir(), "does-not-exist"),
		Deadline:   time.Now().Add(time.Second),
	}
	if _, err := sbx.Execute(context.Background(), req); err == nil {
		t.Error("nonexistent scratch dir: expected spawn error")
	}
}

func TestCappedWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &cappedWriter{w: &buf, remaining: 8}

	// Writes past the cap are discarded but still report full length, so
	// the child process never sees a short-write error.
	n, err := cw.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("write = (%d, %v), want (10, nil)", n, err)
	}
	n, err = cw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("second write = (%d, %v), want (4, nil)", n, err)
	}
	if got := buf.String(); got != "01234567" {
		t.Errorf("captured = %q, want first 8 bytes only", got)
	}
}

func TestSandboxArgv(t *testing.T) {
	wrapper := `ulimit -v 1024 2>/dev/null; ulimit -t 5 2>/dev/null; exec "$@"`

	got := sandboxArgv("", wrapper, "node", "main.js")
	want := []string{"/bin/sh", "-c", wrapper, "_", "node", "main.js"}
	if len(got) != len(want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv = %v, want %v", got, want)
		}
	}

	got = sandboxArgv("/usr/bin/unshare", wrapper, "node", "main.js")
	want = []string{"/usr/bin/unshare", "-r", "-n", "--", "/bin/sh", "-c", wrapper, "_", "node", "main.js"}
	if len(got) != len(want) {
		t.Fatalf("prefixed argv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prefixed argv = %v, want %v", got, want)
		}
	}
}

func TestProcessSandbox_NetworkDenied(t *testing.T) {
	sbx := newShellSandbox(t)
	if !sbx.NetworkIsolated() {
		t.Skip("network namespaces unavailable on this host, skipping")
	}

	// Inside a fresh network namespace the routing table is empty, so
	// /proc/net/route holds only its header line. Generated code has no
	// route to the host network or anywhere else.
	req := writeScript(t, `wc -l < /proc/net/route`)
	out, err := sbx.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted || out.ExitCode != 0 {
		t.Fatalf("state=%q exit=%d stderr=%q", out.State, out.ExitCode, out.Stderr)
	}
	if got := strings.TrimSpace(out.Stdout); got != "1" {
		t.Errorf("route table lines = %q, want header only", got)
	}
}

func TestCheckInterpreter(t *testing.T) {
	skipIfNoShell(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := NewProcessSandbox(ProcessConfig{Interpreter: "sh"}, logger).CheckInterpreter(); err != nil {
		t.Errorf("sh should be available: %v", err)
	}
	if err := NewProcessSandbox(ProcessConfig{Interpreter: "no-such-interpreter-xyz"}, logger).CheckInterpreter(); err == nil {
		t.Error("missing interpreter should fail the check")
	}
}
