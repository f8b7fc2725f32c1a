package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if got := cfg.Server.Addr(); got != ":8080" {
		t.Errorf("Addr() = %q, want :8080", got)
	}
	if got := cfg.Sandbox.SandboxBackend(); got != "process" {
		t.Errorf("SandboxBackend() = %q, want process", got)
	}
	if got := cfg.Sandbox.InterpreterCommand(); got != "node" {
		t.Errorf("InterpreterCommand() = %q, want node", got)
	}
	if got := cfg.Sandbox.DefaultBudget(); got != 30*time.Second {
		t.Errorf("DefaultBudget() = %v, want 30s", got)
	}
	if got := cfg.Sandbox.MaxBudget(); got != 120*time.Second {
		t.Errorf("MaxBudget() = %v, want 120s", got)
	}
	if got := cfg.Sandbox.Concurrency(); got != 8 {
		t.Errorf("Concurrency() = %d, want 8", got)
	}
	if got := cfg.Sandbox.Queue(); got != 32 {
		t.Errorf("Queue() = %d, want 32", got)
	}
	if got := cfg.Sandbox.StdoutCap(); got != 64<<10 {
		t.Errorf("StdoutCap() = %d, want 65536", got)
	}
	if got := cfg.Sandbox.Memory(); got != 256 {
		t.Errorf("Memory() = %d, want 256", got)
	}
	if !strings.HasSuffix(cfg.Sandbox.ScratchRootDir(), "sanduku") {
		t.Errorf("ScratchRootDir() = %q, want a sanduku temp subdir", cfg.Sandbox.ScratchRootDir())
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
server:
  listen_addr: ":9090"
  enable_docs: true
sandbox:
  backend: process
  interpreter: nodejs
  memory_limit_mb: 512
  default_time_budget_ms: 10000
  max_time_budget_ms: 60000
registry:
  allowed_modules:
    - lodash
    - dayjs
ratelimit:
  requests_per_minute: 120
  burst_size: 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr() != ":9090" {
		t.Errorf("Addr() = %q, want :9090", cfg.Server.Addr())
	}
	if !cfg.Server.EnableDocs {
		t.Error("EnableDocs should be true")
	}
	if cfg.Sandbox.InterpreterCommand() != "nodejs" {
		t.Errorf("InterpreterCommand() = %q, want nodejs", cfg.Sandbox.InterpreterCommand())
	}
	if cfg.Sandbox.Memory() != 512 {
		t.Errorf("Memory() = %d, want 512", cfg.Sandbox.Memory())
	}
	if cfg.Sandbox.DefaultBudget() != 10*time.Second {
		t.Errorf("DefaultBudget() = %v, want 10s", cfg.Sandbox.DefaultBudget())
	}
	if len(cfg.Registry.AllowedModules) != 2 {
		t.Errorf("AllowedModules = %v, want 2 entries", cfg.Registry.AllowedModules)
	}
	if cfg.RateLimit == nil || cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("RateLimit = %+v, want requests_per_minute 120", cfg.RateLimit)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
  "server": {"listen_addr": ":7070"},
  "sandbox": {"backend": "docker", "docker": {"image": "node:22-alpine", "pids_limit": 128}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr() != ":7070" {
		t.Errorf("Addr() = %q, want :7070", cfg.Server.Addr())
	}
	if cfg.Sandbox.Docker == nil || cfg.Sandbox.Docker.Image != "node:22-alpine" {
		t.Errorf("Docker config = %+v, want node:22-alpine image", cfg.Sandbox.Docker)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/sanduku.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
server:
  listen_addr: ":9090"
sandbox:
  scratch_root: /var/lib/sanduku
`)
	t.Setenv("SANDUKU_LISTEN_ADDR", ":6060")
	t.Setenv("SANDUKU_SCRATCH_ROOT", "/tmp/override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr() != ":6060" {
		t.Errorf("Addr() = %q, env var should win over file", cfg.Server.Addr())
	}
	if cfg.Sandbox.ScratchRootDir() != "/tmp/override" {
		t.Errorf("ScratchRootDir() = %q, env var should win over file", cfg.Sandbox.ScratchRootDir())
	}
}

func TestResolvedAPIKeys(t *testing.T) {
	t.Setenv("SANDUKU_KEY_ACME", "sk-resolved-secret")

	s := &ServerConfig{APIKeys: map[string]string{
		"sk-plain-key":            "tenant-plain",
		"env://SANDUKU_KEY_ACME":  "acme-corp",
		"env://SANDUKU_KEY_UNSET": "ghost-tenant",
	}}

	resolved := s.ResolvedAPIKeys()
	if resolved["sk-plain-key"] != "tenant-plain" {
		t.Errorf("plain key missing: %v", resolved)
	}
	if resolved["sk-resolved-secret"] != "acme-corp" {
		t.Errorf("env key not resolved: %v", resolved)
	}
	if len(resolved) != 2 {
		t.Errorf("unset env key should be dropped, got %v", resolved)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "default is valid",
			cfg:  Config{},
		},
		{
			name:    "unknown backend",
			cfg:     Config{Sandbox: SandboxConfig{Backend: "firecracker"}},
			wantErr: true,
		},
		{
			name:    "docker without image",
			cfg:     Config{Sandbox: SandboxConfig{Backend: "docker"}},
			wantErr: true,
		},
		{
			name: "docker with image",
			cfg:  Config{Sandbox: SandboxConfig{Backend: "docker", Docker: &DockerConfig{Image: "node:22"}}},
		},
		{
			name:    "default budget above max",
			cfg:     Config{Sandbox: SandboxConfig{DefaultTimeBudgetMs: 90000, MaxTimeBudgetMs: 60000}},
			wantErr: true,
		},
		{
			name:    "negative rate limit",
			cfg:     Config{RateLimit: &RateLimitConfig{RequestsPerMinute: -1}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
