// Package gateway exposes the admission engine over HTTP: submitting and
// inspecting executions, acting on approval requests, starting reasoning
// runs, streaming events over WebSocket, and serving health and metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/react"
	"github.com/toolgate/toolgate/internal/workflow"
)

// Server is the HTTP gateway.
type Server struct {
	cfg       config.GatewayConfig
	manager   *admission.Manager
	workflows *workflow.Engine
	reasoner  *react.Engine
	bus       *event.Bus
	metrics   http.Handler
	logger    *slog.Logger

	server    *http.Server
	startedAt time.Time
}

// Config wires a Server.
type Config struct {
	Gateway   config.GatewayConfig
	Manager   *admission.Manager
	Workflows *workflow.Engine
	Reasoner  *react.Engine
	Bus       *event.Bus
	Metrics   http.Handler // mounted at /metrics when non-nil
	Logger    *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg.Gateway,
		manager:   cfg.Manager,
		workflows: cfg.Workflows,
		reasoner:  cfg.Reasoner,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Start binds the listen address and serves until Stop. Returns once the
// listener is accepting, so callers can treat a bind failure as fatal.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.startedAt = time.Now()
	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway: serve failed", "error", err)
		}
	}()
	s.logger.Info("gateway: listening", "addr", ln.Addr().String(), "auth", s.cfg.Auth.IsConfigured())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.cfg.Listen
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
