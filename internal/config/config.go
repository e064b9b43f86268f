// Package config loads application configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	App       AppConfig       `koanf:"app"`
	DB        DBConfig        `koanf:"db"`
	Redis     RedisConfig     `koanf:"redis"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Providers ProvidersConfig `koanf:"providers"`
}

type AppConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type DBConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type KafkaConfig struct {
	Brokers       string `koanf:"brokers"`
	Topic         string `koanf:"topic"`
	ConsumerGroup string `koanf:"consumer_group"`
}

type DeliveryConfig struct {
	// DefaultSecret signs outbound webhooks for tenants that have no
	// per-tenant secret configured. Empty means those deliveries go
	// out unsigned.
	DefaultSecret   string `koanf:"default_secret"`
	Timeout         string `koanf:"timeout"`
	PollInterval    string `koanf:"poll_interval"`
	PollBatchSize   int    `koanf:"poll_batch_size"`
	RatePerTenant   int    `koanf:"rate_per_tenant"`
	WorkerCount     int    `koanf:"worker_count"`
	BreakerFailures int    `koanf:"breaker_failures"`
	BreakerCooldown string `koanf:"breaker_cooldown"`
}

type ProvidersConfig struct {
	// StrictSignatures rejects inbound webhooks whose signature cannot
	// be verified. Disable only in local development.
	StrictSignatures bool   `koanf:"strict_signatures"`
	TwilioBaseURL    string `koanf:"twilio_base_url"`
}

func (a AppConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(a.ShutdownTimeout, 30*time.Second)
}

func (d DeliveryConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(d.Timeout, 10*time.Second)
}

func (d DeliveryConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(d.PollInterval, 5*time.Second)
}

func (d DeliveryConfig) BreakerCooldownDuration() time.Duration {
	return parseDurationOr(d.BreakerCooldown, 60*time.Second)
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Load reads configuration from the environment. Variables use the
// CALLRELAY_ prefix with double underscores separating sections, e.g.
// CALLRELAY_DB__DSN, CALLRELAY_DELIVERY__DEFAULT_SECRET.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(env.Provider("CALLRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CALLRELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Port:     8080,
			LogLevel: "info",
		},
		DB: DBConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers:       "localhost:9092",
			Topic:         "callrelay.tasks",
			ConsumerGroup: "callrelay-workers",
		},
		Delivery: DeliveryConfig{
			PollBatchSize:   50,
			RatePerTenant:   10,
			WorkerCount:     4,
			BreakerFailures: 5,
		},
		Providers: ProvidersConfig{
			StrictSignatures: true,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required (CALLRELAY_DB__DSN)")
	}
	return cfg, nil
}
