package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv       string `env:"APP_ENV" default:"development"`
	AppURL       string `env:"APP_URL" default:"http://localhost:8080"`
	Port         string `env:"PORT" default:"8080"`
	RedisURL     string `env:"REDIS_URL"`
	BrokerPrefix string `env:"BROKER_PREFIX" default:"websocket:"`
	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`

	PublishWorkers       int           `env:"PUBLISH_WORKERS" default:"4"`
	PublishQueueSize     int           `env:"PUBLISH_QUEUE_SIZE" default:"4096"`
	PublishBatchSize     int           `env:"PUBLISH_BATCH_SIZE" default:"64"`
	PublishFlushInterval time.Duration `env:"PUBLISH_FLUSH_INTERVAL" default:"10ms"`

	PruneInterval   time.Duration `env:"PRUNE_INTERVAL" default:"1m"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES" default:"65536"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`

	PublishRatePerIP float64 `env:"PUBLISH_RATE_PER_IP" default:"50"`
	PublishRateBurst int     `env:"PUBLISH_RATE_BURST" default:"100"`
}

// IsDevelopment reports whether localhost origins should be accepted.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// UsesRedis reports whether messages fan out through Redis or stay in-process.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL must be a valid URL: %w", err)
		}
		if !strings.HasPrefix(cfg.RedisURL, "redis://") && !strings.HasPrefix(cfg.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must use the redis:// or rediss:// scheme")
		}
	}

	if cfg.BrokerPrefix == "" {
		return errors.New("BROKER_PREFIX must not be empty")
	}
	if strings.ContainsAny(cfg.BrokerPrefix, "*?[]") {
		return errors.New("BROKER_PREFIX must not contain glob characters")
	}

	positive := map[string]int{
		"PUBLISH_WORKERS":           cfg.PublishWorkers,
		"PUBLISH_QUEUE_SIZE":        cfg.PublishQueueSize,
		"PUBLISH_BATCH_SIZE":        cfg.PublishBatchSize,
		"MAX_MESSAGE_BYTES":         cfg.MaxMessageBytes,
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"MAX_CONNECTIONS_PER_IP":    cfg.MaxConnectionsPerIP,
		"CONNECTION_RATE_BURST":     cfg.ConnectionRateBurst,
		"PUBLISH_RATE_BURST":        cfg.PublishRateBurst,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.PublishFlushInterval <= 0 {
		return errors.New("PUBLISH_FLUSH_INTERVAL must be positive")
	}
	if cfg.PruneInterval < 0 {
		return errors.New("PRUNE_INTERVAL must not be negative")
	}
	if cfg.ConnectionRatePerIP <= 0 {
		return errors.New("CONNECTION_RATE_PER_IP must be positive")
	}
	if cfg.PublishRatePerIP <= 0 {
		return errors.New("PUBLISH_RATE_PER_IP must be positive")
	}

	return nil
}
