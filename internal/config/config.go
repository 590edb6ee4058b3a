package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `env:"FOREMAN_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"FOREMAN_DB_PATH" envDefault:"foreman.db"`
	LogLevel   string `env:"FOREMAN_LOG_LEVEL" envDefault:"info"`

	// Dispatch/session loop tuning.
	DispatchInterval  time.Duration `env:"FOREMAN_DISPATCH_INTERVAL" envDefault:"1s"`
	HeartbeatInterval time.Duration `env:"FOREMAN_HEARTBEAT_INTERVAL" envDefault:"10s"`
	MissedHeartbeats  int           `env:"FOREMAN_MISSED_HEARTBEATS" envDefault:"3"`
	CASRetries        int           `env:"FOREMAN_CAS_RETRIES" envDefault:"3"`

	// Optional redis sink for notification events. Empty disables it.
	RedisAddr     string `env:"FOREMAN_REDIS_ADDR"`
	RedisPassword string `env:"FOREMAN_REDIS_PASSWORD"`
	RedisDB       int    `env:"FOREMAN_REDIS_DB" envDefault:"0"`
	RedisEventKey string `env:"FOREMAN_REDIS_EVENT_KEY" envDefault:"foreman:notifications"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 3
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	return cfg, nil
}

// Level converts the configured log level string to a slog.Level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
