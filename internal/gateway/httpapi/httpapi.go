// Package httpapi implements the HTTP gateway in front of the execution
// engine.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-tenant rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
//
// Execution failures are ordinary 200 responses carrying a structured
// status — callers branch on ExecutionResult.Status, not on HTTP codes.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/registry"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// maxSourceBytes bounds submitted scripts independently of the request
// body cap. Generated data-processing scripts are short; anything this
// large is either broken generation or abuse.
const maxSourceBytes = 256 << 10

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → tenant ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	eng     *engine.Engine
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates the HTTP gateway.
func NewGateway(cfg Config, eng *engine.Engine, reg *registry.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		eng:     eng,
		reg:     reg,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// Start registers routes and serves until the context is cancelled or
// Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(
			okapi.OpenAPI{
				Title:   "Sanduku Execution API",
				Version: "v1",
			},
		)
	}

	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Validate and execute a script in a sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(protocol.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/capabilities", g.handleCapabilityList,
		okapi.DocSummary("List available capabilities (import paths and descriptions only)"),
		okapi.DocTags("Capabilities"),
		okapi.DocResponse([]registry.Summary{}),
	)
	g.group.Get("/capabilities/describe", g.handleCapabilityDescribe,
		okapi.DocSummary("Fetch the full schema of one capability"),
		okapi.DocTags("Capabilities"),
		okapi.DocQueryParam("path", "string", "Capability import path", true),
		okapi.DocResponse(registry.Descriptor{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      180 * time.Second, // Executions can run for the full time budget.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute. The tenant comes
// from the API key, never from the body — a caller cannot execute as
// someone else by naming a different tenant.
type ExecuteRequest struct {
	SourceCode           string   `json:"source_code"`
	Domain               string   `json:"domain,omitempty"`
	DeclaredCapabilities []string `json:"declared_capabilities,omitempty"`
	TimeBudgetMs         int      `json:"time_budget_ms,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	if g.limiter != nil {
		if err := g.limiter.Allow(tenantID); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
			return c.AbortInternalServerError("rate limiter failure")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SourceCode == "" {
		return c.AbortBadRequest("source_code is required")
	}
	if len(req.SourceCode) > maxSourceBytes {
		return c.AbortBadRequest("source_code exceeds maximum size")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http execute",
		slog.String("tenant_id", tenantID),
		slog.String("correlation_id", correlationID),
		slog.String("domain", req.Domain),
		slog.Int("source_bytes", len(req.SourceCode)),
	)

	result := g.eng.Execute(c.Context(), protocol.ExecutionRequest{
		SourceCode:           req.SourceCode,
		TenantID:             tenantID,
		Domain:               req.Domain,
		DeclaredCapabilities: req.DeclaredCapabilities,
		TimeBudgetMs:         req.TimeBudgetMs,
	})

	return c.OK(result)
}

func (g *Gateway) handleCapabilityList(c *okapi.Context) error {
	return c.OK(g.reg.Summaries())
}

func (g *Gateway) handleCapabilityDescribe(c *okapi.Context) error {
	path := c.Query("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}
	desc, err := g.reg.Describe(path)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "unknown capability"})
	}
	return c.OK(desc)
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		tenantID := ""
		for key, tenant := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				tenantID = tenant
			}
		}
		if tenantID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("tenantID", tenantID)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
