package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays LIVEQUERY_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("LIVEQUERY_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LIVEQUERY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	envDuration("LIVEQUERY_HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	if v := os.Getenv("LIVEQUERY_HTTP_WEB_DIR"); v != "" {
		cfg.HTTP.WebDir = v
	}
	envDuration("LIVEQUERY_REACTIVE_BATCH_WINDOW", &cfg.Reactive.BatchWindow)
	if v := os.Getenv("LIVEQUERY_REACTIVE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reactive.MaxConcurrency = n
		}
	}
	if v := os.Getenv("LIVEQUERY_NOTIFY_SOURCE"); v != "" {
		cfg.Notify.Source = v
	}
	if v := os.Getenv("LIVEQUERY_WAL_DSN"); v != "" {
		cfg.WAL.DSN = v
	}
	if v := os.Getenv("LIVEQUERY_WAL_SLOT"); v != "" {
		cfg.WAL.Slot = v
	}
	if v := os.Getenv("LIVEQUERY_WAL_TEMPORARY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WAL.Temporary = b
		}
	}
	envDuration("LIVEQUERY_WAL_STANDBY_TIMEOUT", &cfg.WAL.StandbyTimeout)
	if v := os.Getenv("LIVEQUERY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LIVEQUERY_LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Development = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
