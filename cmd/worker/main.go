package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voicekit/callrelay/internal/calls"
	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/config"
	"github.com/voicekit/callrelay/internal/delivery"
	"github.com/voicekit/callrelay/internal/metrics"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository/postgres"
	"github.com/voicekit/callrelay/internal/resilience"
	"github.com/voicekit/callrelay/internal/retry"
	"github.com/voicekit/callrelay/internal/worker"
)

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

	tenantRepo := postgres.NewTenantRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	callRepo := postgres.NewCallRepository(pool)
	logRepo := postgres.NewDeliveryLogRepository(pool)
	metricsRepo := postgres.NewMetricsRepository(pool)

	producer := queue.NewProducer(queue.ProducerConfig{
		Brokers:      cfg.Kafka.BrokerList(),
		Topic:        cfg.Kafka.Topic,
		BatchTimeout: 10 * time.Millisecond,
	})
	defer producer.Close()

	obs := observability.NewMetrics("callrelay")

	rateLimiter := resilience.NewRedisRateLimiter(redisClient, time.Second, logger)
	breakerCfg := resilience.DefaultBreakerConfig()
	if cfg.Delivery.BreakerFailures > 0 {
		breakerCfg.MinRequests = uint32(cfg.Delivery.BreakerFailures)
	}
	breakerCfg.Timeout = cfg.Delivery.BreakerCooldownDuration()
	breaker := resilience.NewBreakerManager(breakerCfg)

	httpClient := &http.Client{Timeout: cfg.Delivery.TimeoutDuration()}

	engine := delivery.NewEngine(
		delivery.EngineConfig{
			DefaultSecret: cfg.Delivery.DefaultSecret,
			RatePerTenant: cfg.Delivery.RatePerTenant,
			Timeout:       cfg.Delivery.TimeoutDuration(),
		},
		tenantRepo, eventRepo, logRepo,
		httpClient, clock.RealClock{}, retry.DefaultPolicy(),
		logger, obs,
	).WithResilience(rateLimiter, breaker)

	reducer := calls.NewReducer(eventRepo, callRepo, producer, clock.RealClock{}, obs, logger)
	recomputer := metrics.NewRecomputer(callRepo, metricsRepo, clock.RealClock{}, obs, logger)

	handler := worker.NewHandler(reducer, recomputer, engine, eventRepo, logger)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Brokers: cfg.Kafka.BrokerList(),
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.ConsumerGroup,
		Workers: cfg.Delivery.WorkerCount,
	}, handler, logger)
	consumer.Start(ctx)

	poller := retry.NewPoller(eventRepo, engine, clock.RealClock{}, retry.PollerConfig{
		PollInterval: cfg.Delivery.PollIntervalDuration(),
		BatchSize:    cfg.Delivery.PollBatchSize,
	}, logger)
	go poller.Start(ctx)

	logger.Info("worker started",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.ConsumerGroup)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	consumer.Stop()
	poller.Stop()
	logger.Info("shutdown complete")
}
