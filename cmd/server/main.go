// Package main is the entrypoint for the bugtrap ingestion server.
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

	"github.com/kiranshivaraju/bugtrap/internal/api"
	"github.com/kiranshivaraju/bugtrap/internal/api/handler"
	mw "github.com/kiranshivaraju/bugtrap/internal/api/middleware"
	"github.com/kiranshivaraju/bugtrap/internal/auth"
	"github.com/kiranshivaraju/bugtrap/internal/cache"
	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/dedup"
	"github.com/kiranshivaraju/bugtrap/internal/fingerprint"
	"github.com/kiranshivaraju/bugtrap/internal/ingest"
	"github.com/kiranshivaraju/bugtrap/internal/logging"
	"github.com/kiranshivaraju/bugtrap/internal/maintenance"
	"github.com/kiranshivaraju/bugtrap/internal/scheduler"
	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/internal/symbolicate"
	"github.com/kiranshivaraju/bugtrap/internal/telemetry"
	"github.com/kiranshivaraju/bugtrap/internal/validate"
)

const shutdownTimeout = 30 * time.Second

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	_, logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()
	slog.Info("config loaded", "env", cfg.Server.Env, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "bugtrap",
		ServiceVersion: version,
		Stdout:         cfg.Telemetry.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer stopTracing(shutdownTracing)

	// 2. Open the issue store, migrating Postgres first
	kind, err := store.Kind(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if kind == store.BackendPostgres {
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	slog.Info("database connected", "backend", kind, "compression", cfg.Database.Compression)

	// 3. Cache; optional, and an unreachable Redis only degrades readiness
	c, err := cache.New(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer c.Close()
	if cfg.Redis.URL == "" {
		slog.Info("redis disabled, rate limiting and shared source map cache are off")
	} else if err := c.Ping(ctx); err != nil {
		slog.Warn("redis unreachable at startup", "error", err)
	} else {
		slog.Info("redis connected")
	}

	// 4. Sessions
	authn := auth.New(st, cfg.Auth.SessionTTL)
	if err := authn.Bootstrap(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPasswordHash); err != nil {
		return err
	}

	// 5. Ingestion pipeline
	svc, err := newPipeline(cfg, st, c)
	if err != nil {
		return err
	}

	// 6. Maintenance
	job := maintenance.New(st, c, cfg.Scheduler)
	sched := scheduler.New("maintenance", cfg.Scheduler.Interval, job.Task)
	go sched.Run(ctx)

	// 7. HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(cfg, st, c, authn, svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	sched.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// stopTracing flushes pending spans; a failed flush is logged, not returned.
func stopTracing(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}
}

func newPipeline(cfg *config.Config, st store.Store, c cache.Cache) (*ingest.Service, error) {
	sym, err := symbolicate.New(symbolicate.NewHTTPFetcher(cfg.Net, nil), c, cfg.Net.SourceMapCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create symbolicator: %w", err)
	}
	return ingest.New(
		validate.New(cfg.Limits),
		sym,
		fingerprint.New(cfg.Fingerprint.Seed),
		dedup.New(st),
		cfg.Net.SymbolicateTimeout,
	), nil
}

func newRouter(cfg *config.Config, st store.Store, c cache.Cache, authn *auth.Authenticator, svc *ingest.Service) http.Handler {
	issues := handler.NewIssues(st)
	return api.NewRouter(api.Dependencies{
		Auth:       mw.NewAuth(authn),
		RateLimit:  mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),
		TrustProxy: cfg.Server.TrustProxy,

		IngestHandler: handler.NewIngestHandler(svc, cfg.Limits.MaxEventBytes),
		ReadyHandler:  handler.NewReadyHandler(st, c),
		LoginHandler:  handler.NewLoginHandler(authn, cfg.Server.Env == "production"),
		LogoutHandler: handler.NewLogoutHandler(authn),

		ListIssues:  issues.List,
		GetIssue:    issues.Get,
		IssueEvents: issues.Events,
		PatchIssue:  issues.Patch,
		DeleteIssue: issues.Delete,
	})
}
