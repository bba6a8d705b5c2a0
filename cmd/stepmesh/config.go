package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stepmesh server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	ServiceName     string `json:"service_name"`
	RetentionCron   string `json:"retention_cron"`
	RetentionMaxAge string `json:"retention_max_age"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(stepmeshDir(), "stepmesh.db"),
		LogLevel:        "info",
		PoolSize:        10,
		ServiceName:     "stepmesh",
		RetentionCron:   "@hourly",
		RetentionMaxAge: "168h",
	}
}

func stepmeshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepmesh"
	}
	return filepath.Join(home, ".stepmesh")
}

func settingsPath() string {
	return filepath.Join(stepmeshDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPMESH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPMESH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPMESH_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("STEPMESH_RETENTION_CRON"); v != "" {
		cfg.RetentionCron = v
	}
	if v := os.Getenv("STEPMESH_RETENTION_MAX_AGE"); v != "" {
		cfg.RetentionMaxAge = v
	}

	return cfg
}

// retentionMaxAge parses the configured retention window, falling back to
// a week when the value does not parse.
func (c Config) retentionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.RetentionMaxAge)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}
