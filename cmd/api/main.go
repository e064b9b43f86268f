package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/config"
	"github.com/voicekit/callrelay/internal/delivery"
	"github.com/voicekit/callrelay/internal/ingest"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository/postgres"
	"github.com/voicekit/callrelay/internal/resilience"
)

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		logger.Error("parse database dsn failed", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = cfg.DB.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("connect to database failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("ping database failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis is a fast path, not a requirement. Dedupe falls back to
		// the database constraint.
		logger.Warn("redis unavailable, continuing without dedupe cache", "error", err)
	}

	tenantRepo := postgres.NewTenantRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	logRepo := postgres.NewDeliveryLogRepository(pool)

	producer := queue.NewProducer(queue.ProducerConfig{
		Brokers:      cfg.Kafka.BrokerList(),
		Topic:        cfg.Kafka.Topic,
		BatchTimeout: 10 * time.Millisecond,
	})
	defer producer.Close()

	metrics := observability.NewMetrics("callrelay")
	healthHandler := observability.NewHealthHandler().
		WithCheck("postgres", pool).
		WithCheck("redis", redisPinger{redisClient})

	deduper := resilience.NewIdempotencyCache(redisClient, logger)
	replayer := delivery.NewReplayer(logRepo, eventRepo, producer, clock.RealClock{}, logger)

	handler := ingest.NewHandler(
		ingest.HandlerConfig{
			StrictSignatures: cfg.Providers.StrictSignatures,
			TwilioBaseURL:    cfg.Providers.TwilioBaseURL,
		},
		tenantRepo, eventRepo, logRepo, producer, deduper, replayer,
		clock.RealClock{}, metrics, logger,
	)

	router := ingest.NewRouter(ingest.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.App.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()
	healthHandler.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
