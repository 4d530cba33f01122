// Command server starts the orchestration HTTP surface.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/scrape-orchestrator/internal/app"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/secrets"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(observability.SetupLogger(cfg, "server"))

	// Auth material may come from a provider other than the environment.
	provider := secrets.New(cfg.SecretsProvider)
	if cfg.JWTSecretKey == "" {
		if v, err := provider.Get("JWT_SECRET_KEY"); err == nil {
			cfg.JWTSecretKey = v
		}
	}
	if cfg.APISharedSecret == "" {
		if v, err := provider.Get("API_SHARED_SECRET"); err == nil {
			cfg.APISharedSecret = v
		}
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	clients := postgres.NewClientRepo(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	limiter := ratelimiter.NewRedisLuaLimiter(
		rdb,
		ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin),
		cfg.IsProd(), // production fails closed on Redis outages
	)

	auth, err := httpserver.NewAuthenticator(cfg, clients)
	if err != nil {
		slog.Error("auth setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	srv := httpserver.NewServer(cfg, store, clients, auth, limiter)

	ready := func(r *http.Request) error {
		if err := pool.Ping(r.Context()); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv, ready),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	case sig := <-stop:
		slog.Info("shutting down", slog.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
		}
	}
}
