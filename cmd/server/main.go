// Command server starts the orchestrator's HTTP API front-end.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/events"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/outreach-orchestrator/internal/app"
	"github.com/fairyhunter13/outreach-orchestrator/internal/config"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/outreach-orchestrator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ c *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	clients := postgres.NewClientRepo(pool)

	// Optional Redis: distributed API rate limit + readiness.
	var rdb *redis.Client
	var apiLimiter ratelimiter.Limiter
	var redisReady app.RedisClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("bad REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		apiLimiter = ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.APIRateLimitPerMin))
		redisReady = redisAdapter{c: rdb}
		slog.Info("distributed api rate limiter enabled")
	}

	// Optional Kafka audit stream.
	var publisher domain.EventPublisher = domain.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(ctx, cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = kp.Close() }()
		publisher = kp
	}

	if cfg.TokenSigningSecret == "" {
		slog.Error("TOKEN_SIGNING_SECRET is required")
		os.Exit(1)
	}

	submit := usecase.NewSubmitService(store, publisher, nil, func(kind domain.JobKind) time.Duration {
		return cfg.LeaseTTLFor(string(kind))
	})
	jobs := usecase.NewJobsService(store, publisher)
	tokens := httpserver.NewTokenManager(cfg.TokenSigningSecret, cfg.AccessTokenTTL)
	srv := httpserver.NewServer(submit, jobs, clients, tokens)

	handler := app.BuildRouter(cfg, srv, apiLimiter, app.BuildReadiness(pool, redisReady))

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
