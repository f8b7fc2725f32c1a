// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Hard platform ceilings. Per-request budgets are clamped to these and
// the clamp is recorded in diagnostics.
const (
	MaxTimeBudget     = 120 * time.Second
	DefaultTimeBudget = 30 * time.Second
)

// Config is the root configuration for Sanduku.
type Config struct {
	Server        ServerConfig          `json:"server" yaml:"server"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Registry      RegistryConfig        `json:"registry" yaml:"registry"`
	RateLimit     *RateLimitConfig      `json:"ratelimit,omitempty" yaml:"ratelimit,omitempty"`           // nil = unlimited
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"`   // nil = observability disabled
	Janitor       *JanitorConfig        `json:"janitor,omitempty" yaml:"janitor,omitempty"`               // nil = janitor disabled
	Secrets       *SecretsConfig        `json:"secrets,omitempty" yaml:"secrets,omitempty"`               // nil = env-only secrets
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr     string            `json:"listen_addr" yaml:"listen_addr"`           // Default: ":8080".
	EnableDocs     bool              `json:"enable_docs" yaml:"enable_docs"`           // Expose OpenAPI docs.
	APIKeys        map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → tenant ID. Values starting with "env://" are resolved from the environment.
	MaxRequestSize int64             `json:"max_request_size" yaml:"max_request_size"` // Bytes. 0 = 1 MB default.
}

// Addr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// ResolvedAPIKeys returns the key → tenant map with env:// values resolved.
// Entries whose environment variable is unset are dropped, not defaulted.
func (s *ServerConfig) ResolvedAPIKeys() map[string]string {
	out := make(map[string]string, len(s.APIKeys))
	for key, tenant := range s.APIKeys {
		resolved := key
		if strings.HasPrefix(key, "env://") {
			resolved = os.Getenv(strings.TrimPrefix(key, "env://"))
			if resolved == "" {
				continue
			}
		}
		out[resolved] = tenant
	}
	return out
}

// SandboxConfig configures script execution limits and the backend.
type SandboxConfig struct {
	Backend             string        `json:"backend" yaml:"backend"`                             // "process" (default, development) or "docker" (production).
	Interpreter         string        `json:"interpreter" yaml:"interpreter"`                     // Default: "node".
	ScratchRoot         string        `json:"scratch_root" yaml:"scratch_root"`                   // Default: os.TempDir()/sanduku.
	MemoryLimitMB       int           `json:"memory_limit_mb" yaml:"memory_limit_mb"`             // Default: 256.
	CPUSeconds          int           `json:"cpu_seconds" yaml:"cpu_seconds"`                     // Default: 60.
	DefaultTimeBudgetMs int           `json:"default_time_budget_ms" yaml:"default_time_budget_ms"` // Default: 30000.
	MaxTimeBudgetMs     int           `json:"max_time_budget_ms" yaml:"max_time_budget_ms"`       // Default: 120000. Hard per-request ceiling.
	MaxConcurrent       int           `json:"max_concurrent" yaml:"max_concurrent"`               // Default: 8 concurrent sandboxed processes.
	QueueSize           int           `json:"queue_size" yaml:"queue_size"`                       // Default: 32 queued requests beyond the pool.
	MaxStdoutBytes      int           `json:"max_stdout_bytes" yaml:"max_stdout_bytes"`           // Default: 64 KB returned to callers.
	MaxStderrBytes      int           `json:"max_stderr_bytes" yaml:"max_stderr_bytes"`           // Default: 16 KB excerpt.
	Docker              *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`           // Required when Backend == "docker".
}

// DockerConfig holds Docker backend settings.
type DockerConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Runtime image with the interpreter installed.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // --cpus. Default: 1.0.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Default: 64.
}

// SandboxBackend returns the configured backend, defaulting to "process".
func (s *SandboxConfig) SandboxBackend() string {
	if s.Backend != "" {
		return s.Backend
	}
	return "process"
}

// InterpreterCommand returns the interpreter binary, defaulting to "node".
func (s *SandboxConfig) InterpreterCommand() string {
	if s.Interpreter != "" {
		return s.Interpreter
	}
	return "node"
}

// ScratchRootDir returns the scratch root, defaulting under the system temp dir.
func (s *SandboxConfig) ScratchRootDir() string {
	if s.ScratchRoot != "" {
		return s.ScratchRoot
	}
	return filepath.Join(os.TempDir(), "sanduku")
}

// DefaultBudget returns the default per-request time budget.
func (s *SandboxConfig) DefaultBudget() time.Duration {
	if s.DefaultTimeBudgetMs > 0 {
		return time.Duration(s.DefaultTimeBudgetMs) * time.Millisecond
	}
	return DefaultTimeBudget
}

// MaxBudget returns the hard per-request time budget ceiling.
func (s *SandboxConfig) MaxBudget() time.Duration {
	if s.MaxTimeBudgetMs > 0 {
		return time.Duration(s.MaxTimeBudgetMs) * time.Millisecond
	}
	return MaxTimeBudget
}

// Concurrency returns the maximum simultaneously running sandboxes.
func (s *SandboxConfig) Concurrency() int {
	if s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 8
}

// Queue returns the bounded queue size beyond the worker pool.
func (s *SandboxConfig) Queue() int {
	if s.QueueSize > 0 {
		return s.QueueSize
	}
	return 32
}

// StdoutCap returns the max bytes of stdout returned to callers.
func (s *SandboxConfig) StdoutCap() int {
	if s.MaxStdoutBytes > 0 {
		return s.MaxStdoutBytes
	}
	return 64 << 10
}

// StderrCap returns the max bytes of the stderr excerpt.
func (s *SandboxConfig) StderrCap() int {
	if s.MaxStderrBytes > 0 {
		return s.MaxStderrBytes
	}
	return 16 << 10
}

// Memory returns the per-execution memory ceiling in MB.
func (s *SandboxConfig) Memory() int {
	if s.MemoryLimitMB > 0 {
		return s.MemoryLimitMB
	}
	return 256
}

// CPU returns the per-execution CPU-time ceiling in seconds.
func (s *SandboxConfig) CPU() int {
	if s.CPUSeconds > 0 {
		return s.CPUSeconds
	}
	return 60
}

// RegistryConfig configures the capability catalog.
type RegistryConfig struct {
	CatalogPath    string   `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"`       // Optional YAML catalog overriding builtin descriptors.
	AllowedModules []string `json:"allowed_modules,omitempty" yaml:"allowed_modules,omitempty"` // Pure utility modules importable without a capability entry.
}

// RateLimitConfig configures per-tenant rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and
// anomaly detection. When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing via OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0..1. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures sliding-window anomaly detection over
// per-tenant execution failures.
type AnomalyConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds    int     `json:"window_seconds" yaml:"window_seconds"`         // Default: 300.
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`   // Failure ratio triggering a warning. Default: 0.5.
	MinSamples       int     `json:"min_samples" yaml:"min_samples"`               // Minimum executions before ratios are meaningful. Default: 10.
}

// JanitorConfig configures the scratch directory sweeper.
type JanitorConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Schedule   string `json:"schedule" yaml:"schedule"`       // Cron expression. Default: "@every 10m".
	MaxAgeMins int    `json:"max_age_mins" yaml:"max_age_mins"` // Scratch dirs older than this are removed. Default: 60.
}

// SecretsConfig configures credential resolution backends.
type SecretsConfig struct {
	Vault map[string]string `json:"vault,omitempty" yaml:"vault,omitempty"` // Vault provider settings. nil = env-only.
}

// DefaultConfigPath returns the default config location, under the
// user's home directory when one exists.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml"
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a config file (YAML or JSON by extension) and validates it.
// An empty path returns a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if addr := os.Getenv("SANDUKU_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if root := os.Getenv("SANDUKU_SCRATCH_ROOT"); root != "" {
		cfg.Sandbox.ScratchRoot = root
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	switch c.Sandbox.SandboxBackend() {
	case "process":
	case "docker":
		if c.Sandbox.Docker == nil || c.Sandbox.Docker.Image == "" {
			return fmt.Errorf("sandbox.docker.image is required when backend is %q", "docker")
		}
	default:
		return fmt.Errorf("unknown sandbox backend %q (expected %q or %q)", c.Sandbox.Backend, "process", "docker")
	}

	if c.Sandbox.DefaultBudget() > c.Sandbox.MaxBudget() {
		return fmt.Errorf("sandbox.default_time_budget_ms (%s) exceeds sandbox.max_time_budget_ms (%s)",
			c.Sandbox.DefaultBudget(), c.Sandbox.MaxBudget())
	}

	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must not be negative")
	}
	return nil
}
