package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/axiomata/recital/internal/auth"
	"github.com/axiomata/recital/internal/authz"
	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/backend/es"
	"github.com/axiomata/recital/internal/backend/fs"
	"github.com/axiomata/recital/internal/backend/mongo"
	"github.com/axiomata/recital/internal/backend/postgres"
	"github.com/axiomata/recital/internal/config"
	"github.com/axiomata/recital/internal/ingest"
	"github.com/axiomata/recital/internal/mcp"
	"github.com/axiomata/recital/internal/ratelimit"
	"github.com/axiomata/recital/internal/server"
	"github.com/axiomata/recital/internal/store"
	"github.com/axiomata/recital/internal/telemetry"
	"github.com/axiomata/recital/internal/validator"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RECITAL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("recital starting", "version", version, "port", cfg.Port,
		"backend", cfg.Backend, "query_backend", cfg.QueryBackend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Build the backend registry and open the configured engines. When the
	// write and query sides name the same backend they share one connection.
	registry := newRegistry(cfg, logger)
	writeBackend, err := registry.Open(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() { _ = writeBackend.Close(context.Background()) }()

	readBackend := writeBackend
	if cfg.QueryBackend != cfg.Backend {
		readBackend, err = registry.Open(ctx, cfg.QueryBackend)
		if err != nil {
			return fmt.Errorf("open query backend: %w", err)
		}
		defer func() { _ = readBackend.Close(context.Background()) }()
	}

	// Statement store and ingest pipeline.
	st := store.New(writeBackend, readBackend, cfg.Target, validator.Syntax{}, logger)
	pipeline := ingest.New(st, cfg.MaxBatch, logger)

	// Credential sources: SQLite-backed basic credentials plus bearer tokens.
	credStore, err := auth.OpenCredentialStore(cfg.CredentialDBPath)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	defer func() { _ = credStore.Close() }()

	tokenMgr, err := auth.NewTokenManager(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath, cfg.TokenExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	gate := authz.NewGate(auth.Chain{Basic: credStore, Bearer: tokenMgr}, cfg.AuthCacheTTL, logger)
	defer gate.Close()

	metrics, err := telemetry.NewStatementMetrics()
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// MCP server, mounted at /mcp by the HTTP server when enabled.
	var mcpServer *mcpserver.MCPServer
	if cfg.MCPEnabled {
		mcpServer = mcp.New(st, gate, version, logger).MCPServer()
	}

	// Per-credential write throttle, off unless configured.
	var limiter ratelimit.Limiter
	if cfg.RateLimit > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimit, cfg.RateBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
	}

	srv := server.New(server.ServerConfig{
		Store:               st,
		Pipeline:            pipeline,
		Gate:                gate,
		Logger:              logger,
		Metrics:             metrics,
		TokenIssuer:         tokenMgr,
		MCPServer:           mcpServer,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		PageLimit:           cfg.PageLimit,
		MaxPageLimit:        cfg.MaxPageLimit,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("recital shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("recital stopped")
	return nil
}

// newRegistry wires every compiled-in backend behind its config. Factories
// run lazily, so engines that are not selected cost nothing at startup.
func newRegistry(cfg config.Config, logger *slog.Logger) *backend.Registry {
	registry := backend.NewRegistry()

	registry.Register(config.BackendFS, func(_ context.Context) (backend.Backend, error) {
		return fs.New(fs.Config{Dir: cfg.FSDirectory})
	})
	registry.Register(config.BackendES, func(ctx context.Context) (backend.Backend, error) {
		return es.New(ctx, es.Config{
			Addresses: cfg.ESAddresses,
			Username:  cfg.ESUsername,
			Password:  cfg.ESPassword,
			APIKey:    cfg.ESAPIKey,
		})
	})
	registry.Register(config.BackendMongo, func(ctx context.Context) (backend.Backend, error) {
		return mongo.New(ctx, mongo.Config{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: cfg.MongoConnectTimeout,
		})
	})
	registry.Register(config.BackendPostgres, func(ctx context.Context) (backend.Backend, error) {
		return postgres.New(ctx, postgres.Config{
			DSN:         cfg.PostgresURL,
			CopyTimeout: cfg.CopyTimeout,
		}, logger)
	})

	return registry
}
