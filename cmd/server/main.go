// MAGI - deliberation council and admission gateway server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/magi/internal/api"
	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/config"
	"github.com/ashureev/magi/internal/deliberation"
	"github.com/ashureev/magi/internal/event"
	"github.com/ashureev/magi/internal/gateway"
	"github.com/ashureev/magi/internal/identity"
	"github.com/ashureev/magi/internal/live"
	"github.com/ashureev/magi/internal/logging"
	"github.com/ashureev/magi/internal/metrics"
	"github.com/ashureev/magi/internal/middleware"
	"github.com/ashureev/magi/internal/ratelimit"
	"github.com/ashureev/magi/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

// closingLimiter is a rate limiter that owns background resources.
type closingLimiter interface {
	ratelimit.Limiter
	Close() error
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Environment)
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "trust_proxy_headers", cfg.RateLimit.TrustProxyHeaders)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, cfg.Council.HistoryRetention)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "retention", cfg.Council.HistoryRetention)

	m := metrics.New()
	healthHandler := api.NewHandler(repo, cfg.Council.HistoryRetention)

	limiter, err := newLimiter(ctx, cfg, healthHandler)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := limiter.Close(); closeErr != nil {
			slog.Error("Failed to close rate limiter", "error", closeErr)
		}
	}()

	if cfg.Upstream.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, /analyze will answer with a configuration error")
	}
	upstream := completion.NewClient(cfg.Upstream.APIKey,
		completion.WithBaseURL(cfg.Upstream.BaseURL),
		completion.WithModel(cfg.Upstream.DefaultModel),
		completion.WithTimeout(cfg.Upstream.Timeout),
	)

	policy := middleware.OriginPolicy{
		AllowedOrigins:     cfg.Gateway.AllowedOrigins,
		AllowDevOrigins:    cfg.Gateway.AllowDevOrigins,
		AllowMissingOrigin: cfg.Gateway.AllowMissingOrigin,
	}

	gatewayOpts := gateway.Options{
		Policy: policy,
		Limits: gateway.Limits{
			MaxMessages:     cfg.Gateway.MaxMessages,
			MaxPayloadBytes: cfg.Gateway.MaxPayloadBytes,
		},
		DefaultModel: cfg.Upstream.DefaultModel,
		FailOpen:     cfg.RateLimit.FailOpen,
		Metrics:      m,
		Logger:       logger,
	}
	gatewayHandler := gateway.NewHandler(upstream, limiter, gatewayOpts)

	// Live sessions spend the same per-IP window as POST /analyze.
	orch := deliberation.NewOrchestrator(gateway.NewLimitedAnalyzer(upstream, limiter, gatewayOpts),
		deliberation.WithHistorySink(repo),
		deliberation.WithBus(event.NewBus()),
		deliberation.WithMetrics(m),
		deliberation.WithLogger(logger),
		deliberation.WithMaxParallel(cfg.Council.MaxParallelCalls),
		deliberation.WithCharLimit(cfg.Council.ResponseCharLimit),
	)
	registry := live.NewRegistry()
	liveHandler := live.NewHandler(orch, registry, live.Options{
		Policy:     policy,
		AgentCount: cfg.Council.AgentCount,
		Metrics:    m,
		Logger:     logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.RealIP(cfg.RateLimit.TrustProxyHeaders))
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	gatewayHandler.RegisterRoutes(r)
	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.With(identity.Middleware).Get("/ws/deliberate", liveHandler.ServeHTTP)

	// Websocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newLimiter picks the Redis backend when REDIS_URL is set and registers its
// health probe, otherwise the in-memory limiter.
func newLimiter(ctx context.Context, cfg *config.Config, health *api.Handler) (closingLimiter, error) {
	if cfg.RateLimit.RedisURL == "" {
		slog.Info("Rate limiter using in-memory backend",
			"limit", cfg.RateLimit.RequestsPerWindow, "window", cfg.RateLimit.WindowDuration)
		return ratelimit.NewMemoryLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration), nil
	}

	client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
	if err != nil {
		return nil, err
	}
	health.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	slog.Info("Rate limiter using redis backend",
		"limit", cfg.RateLimit.RequestsPerWindow, "window", cfg.RateLimit.WindowDuration, "fail_open", cfg.RateLimit.FailOpen)
	return ratelimit.NewRedisLimiter(client, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration), nil
}
