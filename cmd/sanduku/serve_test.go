package main

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jkaninda/sanduku/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScratchRootCheck(t *testing.T) {
	check := scratchRootCheck(t.TempDir())
	if err := check(context.Background()); err != nil {
		t.Errorf("writable scratch root: %v", err)
	}

	check = scratchRootCheck(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := check(context.Background()); err == nil {
		t.Error("missing scratch root must fail the check")
	}
}

func TestBuildComponents_ReadinessChecks(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping")
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Sandbox.Interpreter = "sh"
	cfg.Sandbox.ScratchRoot = filepath.Join(t.TempDir(), "scratch")
	cfg.Observability = &config.ObservabilityConfig{}

	c, err := buildComponents(cfg, testLogger())
	if err != nil {
		t.Fatalf("build components: %v", err)
	}
	t.Cleanup(c.Cleanup)

	status := c.Obs.Health.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Fatalf("readiness = %q, checks = %+v", status.Status, status.Checks)
	}
	for _, name := range []string{"interpreter", "scratch_root"} {
		res, ok := status.Checks[name]
		if !ok {
			t.Errorf("readiness check %q not registered", name)
			continue
		}
		if res.Status != "ok" {
			t.Errorf("check %s = %+v", name, res)
		}
	}
}
