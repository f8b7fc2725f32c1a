// Package bridge connects a sandboxed script to its capabilities without
// ever letting host resources into the child. Each execution gets its own
// unix domain socket inside the scratch directory; generated shim modules
// in the scratch node_modules make require("capabilities/...") resolve to
// a call over that socket. Handlers run host-side with the platform's own
// credentials, so no secret material crosses into the sandbox.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/jkaninda/sanduku/internal/execctx"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/secrets"
)

// SocketEnvVar is the single environment variable through which the
// child learns the bridge socket path.
const SocketEnvVar = "SANDUKU_BRIDGE"

// maxFrameBytes bounds one request line from the child.
const maxFrameBytes = 1 << 20 // 1 MB

// Server serves capability calls for exactly one execution. Not reusable.
type Server struct {
	reg      *registry.Registry
	exec     *execctx.Context
	declared map[string]bool
	secrets  secrets.Provider
	metrics  *observability.MetricsCollector
	logger   *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a bridge scoped to one execution context. Only the
// request's declared capabilities are callable, regardless of what the
// registry holds — least privilege per execution. metrics may be nil.
func NewServer(reg *registry.Registry, exec *execctx.Context, declared []string, provider secrets.Provider, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	decl := make(map[string]bool, len(declared))
	for _, d := range declared {
		decl[d] = true
	}
	return &Server{
		reg:      reg,
		exec:     exec,
		declared: decl,
		secrets:  provider,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start listens on the execution's bridge socket and serves until Close.
// Returns the socket path for injection into the sandbox environment.
func (s *Server) Start() (string, error) {
	socketPath := filepath.Join(s.exec.ScratchDir, "bridge.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return "", fmt.Errorf("listening on bridge socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("bridge accept failed",
						slog.String("execution_id", s.exec.ExecutionID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
	return socketPath, nil
}

// Close stops the listener and waits for in-flight calls. The socket
// file itself goes away with the scratch directory.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

type callRequest struct {
	Path  string         `json:"path"`
	Input map[string]any `json:"input"`
}

type callResponse struct {
	OK     bool   `json:"ok"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleConn serves newline-delimited JSON call frames on one connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req callRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(callResponse{OK: false, Error: "malformed capability call"})
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req callRequest) callResponse {
	if !s.declared[req.Path] {
		s.recordCall(req.Path, "denied")
		return callResponse{OK: false, Error: fmt.Sprintf("capability %q was not declared for this execution", req.Path)}
	}

	// Capability calls share the execution's wall-clock deadline.
	ctx, cancel := context.WithDeadline(context.Background(), s.exec.Deadline)
	defer cancel()

	output, err := s.reg.Invoke(ctx, req.Path, registry.Call{
		Input:   req.Input,
		Exec:    s.exec,
		Secrets: s.secrets,
	})
	if err != nil {
		s.recordCall(req.Path, "error")
		s.logger.Warn("capability call failed",
			slog.String("execution_id", s.exec.ExecutionID),
			slog.String("tenant_id", s.exec.TenantID),
			slog.String("capability", req.Path),
			slog.String("error", err.Error()),
		)
		return callResponse{OK: false, Error: err.Error()}
	}

	s.recordCall(req.Path, "ok")
	s.logger.Debug("capability call served",
		slog.String("execution_id", s.exec.ExecutionID),
		slog.String("capability", req.Path),
	)
	return callResponse{OK: true, Output: output}
}

func (s *Server) recordCall(capability, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CapabilityCallsTotal.WithLabelValues(capability, outcome).Inc()
}
