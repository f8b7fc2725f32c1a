package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/collect"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/execctx"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/janitor"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/secrets"
	"github.com/jkaninda/sanduku/internal/validate"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution service",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe wires the full pipeline and serves until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting sanduku",
		slog.String("backend", cfg.Sandbox.SandboxBackend()),
		slog.String("addr", cfg.Server.Addr()),
	)

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components.Engine.Start()
	defer components.Engine.Stop()

	if components.Janitor != nil {
		if err := components.Janitor.Start(); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		defer components.Janitor.Stop()
	}

	gw := buildGateway(cfg, components, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// loadConfig loads the config file, falling back to defaults when the
// default path simply does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}

// Components holds everything the serve and run commands share.
type Components struct {
	Registry  *registry.Registry
	Validator *validate.Validator
	Secrets   secrets.Provider
	Sandbox   sandbox.Sandbox
	Engine    *engine.Engine
	Obs       *observability.Observability
	Janitor   *janitor.Janitor
	Logger    *slog.Logger

	cleanup []func()
}

// Cleanup tears down components in reverse construction order.
func (c *Components) Cleanup() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// buildComponents constructs the registry, validator, sandbox backend,
// secrets providers, observability, engine, and janitor from config.
func buildComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Logger: logger}

	reg, err := registry.Build(cfg.Registry.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("building capability registry: %w", err)
	}
	c.Registry = reg
	logger.Info("capability registry loaded", slog.Int("capabilities", len(reg.List())))

	c.Validator = validate.New(reg, cfg.Registry.AllowedModules)

	c.Secrets, err = buildSecrets(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring secrets: %w", err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	if obs != nil {
		c.cleanup = append(c.cleanup, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
	}

	c.Sandbox, err = buildSandbox(cfg, obs, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Sandbox.ScratchRootDir(), 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("scratch_root", scratchRootCheck(cfg.Sandbox.ScratchRootDir()))
	}

	builder := execctx.NewBuilder(
		cfg.Sandbox.ScratchRootDir(),
		cfg.Sandbox.DefaultBudget(),
		cfg.Sandbox.MaxBudget(),
	)

	c.Engine = engine.New(engine.Config{
		Backend:       cfg.Sandbox.SandboxBackend(),
		Workers:       cfg.Sandbox.Concurrency(),
		QueueSize:     cfg.Sandbox.Queue(),
		MaxMemoryMB:   cfg.Sandbox.Memory(),
		MaxCPUSeconds: cfg.Sandbox.CPU(),
	}, c.Validator, builder, c.Sandbox, newCollector(cfg), reg, c.Secrets, obs, logger)

	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		maxAge := time.Duration(cfg.Janitor.MaxAgeMins) * time.Minute
		c.Janitor = janitor.New(janitor.Config{
			ScratchRoot: cfg.Sandbox.ScratchRootDir(),
			Schedule:    cfg.Janitor.Schedule,
			MaxAge:      maxAge,
		}, logger)
	}

	return c, nil
}

func newCollector(cfg *config.Config) *collect.Collector {
	return collect.New(cfg.Sandbox.StdoutCap(), cfg.Sandbox.StderrCap())
}

// scratchRootCheck returns a readiness check that proves the scratch
// root is still writable by creating and removing a file in it. A full
// or remounted-readonly disk surfaces here before executions fail.
func scratchRootCheck(root string) func(ctx context.Context) error {
	return func(_ context.Context) error {
		f, err := os.CreateTemp(root, ".readyz-*")
		if err != nil {
			return fmt.Errorf("scratch root not writable: %w", err)
		}
		name := f.Name()
		if err := f.Close(); err != nil {
			return err
		}
		return os.Remove(name)
	}
}

// buildSandbox constructs the configured backend and registers its
// readiness probe with the health checker.
func buildSandbox(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.SandboxBackend() {
	case "docker":
		dcfg := sandbox.DockerConfig{
			Image:       cfg.Sandbox.Docker.Image,
			Interpreter: cfg.Sandbox.InterpreterCommand(),
			CPUCores:    cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:   cfg.Sandbox.Docker.PIDsLimit,
			DefaultLimits: sandbox.Limits{
				MaxMemoryMB:   cfg.Sandbox.Memory(),
				MaxCPUSeconds: cfg.Sandbox.CPU(),
			},
		}
		sbx := sandbox.NewDockerSandbox(dcfg, logger)
		if err := sbx.CheckDaemon(); err != nil {
			return nil, fmt.Errorf("docker backend unavailable: %w", err)
		}
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("docker", func(_ context.Context) error {
				return sbx.CheckDaemon()
			})
		}
		return sbx, nil
	default:
		pcfg := sandbox.ProcessConfig{
			Interpreter: cfg.Sandbox.InterpreterCommand(),
			DefaultLimits: sandbox.Limits{
				MaxMemoryMB:   cfg.Sandbox.Memory(),
				MaxCPUSeconds: cfg.Sandbox.CPU(),
			},
		}
		sbx := sandbox.NewProcessSandbox(pcfg, logger)
		if err := sbx.CheckInterpreter(); err != nil {
			return nil, fmt.Errorf("interpreter unavailable: %w", err)
		}
		if !sbx.NetworkIsolated() {
			logger.Warn("process backend running without network isolation; use the docker backend in production")
		}
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("interpreter", func(_ context.Context) error {
				return sbx.CheckInterpreter()
			})
		}
		return sbx, nil
	}
}

// buildSecrets assembles the credential resolution chain. The env
// provider is always present; Vault joins it when configured.
func buildSecrets(cfg *config.Config) (secrets.Provider, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		vp, err := secrets.NewVaultProvider(cfg.Secrets.Vault)
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return secrets.NewCompositeProvider(providers...), nil
}

// buildGateway assembles the HTTP gateway with rate limiting and
// observability surfaces.
func buildGateway(cfg *config.Config, c *Components, logger *slog.Logger) *httpapi.Gateway {
	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.ResolvedAPIKeys(),
		MaxRequestSize: cfg.Server.MaxRequestSize,
	}
	if c.Obs != nil {
		gwCfg.Metrics = c.Obs.Metrics
		gwCfg.HealthChecker = c.Obs.Health
		if c.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = c.Obs.Metrics.Registry
		}
		if c.Obs.Tracer != nil {
			gwCfg.Tracer = c.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return httpapi.NewGateway(gwCfg, c.Engine, c.Registry, limiter, logger)
}
