package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/axiomata/recital/internal/authz"
	"github.com/axiomata/recital/internal/ingest"
	"github.com/axiomata/recital/internal/ratelimit"
	"github.com/axiomata/recital/internal/store"
	"github.com/axiomata/recital/internal/telemetry"
)

// Server is the recital HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Store    *store.Store
	Pipeline *ingest.Pipeline
	Gate     *authz.Gate
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Metrics     *telemetry.StatementMetrics
	TokenIssuer tokenIssuer
	MCPServer   *mcpserver.MCPServer
	Limiter     ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	PageLimit           int
	MaxPageLimit        int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Pipeline:            cfg.Pipeline,
		Gate:                cfg.Gate,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		PageLimit:           cfg.PageLimit,
		MaxPageLimit:        cfg.MaxPageLimit,
	})

	mux := http.NewServeMux()

	// Statement resource.
	mux.HandleFunc("GET "+statementsPath, h.HandleGetStatements)
	mux.HandleFunc("PUT "+statementsPath, h.HandlePutStatement)
	mux.HandleFunc("POST "+statementsPath, h.HandlePostStatements)

	// Token exchange (basic credentials in, bearer token out).
	if cfg.TokenIssuer != nil {
		mux.Handle("POST /auth/token", h.HandleIssueToken(cfg.TokenIssuer))
	}

	// MCP StreamableHTTP transport (auth required like the rest of the API).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		// Write traffic only, keyed per credential. Sits inside auth so the
		// principal is resolved.
		handler = ratelimit.Middleware(cfg.Limiter, writeKeyFunc, cfg.Logger, handler)
	}
	handler = authMiddleware(cfg.Gate, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// writeKeyFunc rate-limits statement writes per credential; reads and other
// traffic pass through.
func writeKeyFunc(r *http.Request) string {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return ""
	}
	if !strings.HasPrefix(r.URL.Path, statementsPath) {
		return ""
	}
	if p := PrincipalFromContext(r.Context()); p != nil {
		return p.KeyID
	}
	return ""
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
