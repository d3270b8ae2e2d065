// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (level metadata)
	DatabaseURL string

	// Storage backend ("local" or "s3")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Auth
	JWTSecret string

	// Pack generation
	TempDir              string
	ZipTool              string
	PackBudgetBytes      int64         // global in-flight size budget
	PackMaxSizeBytes     int64         // absolute per-request ceiling
	LeafSizeFallback     int64         // estimate for leaves with unknown size
	PackTTL              time.Duration // lifetime of a completed pack
	SweepInterval        time.Duration
	DownloadURLTTL       time.Duration // presigned URL lifetime
	URLDownloadTimeout   time.Duration // per-leaf external URL fetch
	SizeLookupTimeout    time.Duration // per-leaf metadata/HEAD lookup
	ProgressWebhookURL   string
	ProgressPushTimeout  time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":3883"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "tuf-packs"),
		S3AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:    envOr("S3_REGION", "us-east-1"),

		JWTSecret: envOr("JWT_SECRET", ""),

		TempDir:             envOr("TEMP_DIR", os.TempDir()),
		ZipTool:             envOr("ZIP_TOOL", "7z"),
		PackBudgetBytes:     envInt64("PACK_BUDGET_BYTES", 2<<30),
		PackMaxSizeBytes:    envInt64("PACK_MAX_SIZE_BYTES", 8<<30),
		LeafSizeFallback:    envInt64("LEAF_SIZE_FALLBACK_BYTES", 50<<20),
		PackTTL:             envDuration("PACK_TTL", 6*time.Hour),
		SweepInterval:       envDuration("SWEEP_INTERVAL", 10*time.Minute),
		DownloadURLTTL:      envDuration("DOWNLOAD_URL_TTL", 15*time.Minute),
		URLDownloadTimeout:  envDuration("URL_DOWNLOAD_TIMEOUT", 5*time.Minute),
		SizeLookupTimeout:   envDuration("SIZE_LOOKUP_TIMEOUT", 10*time.Second),
		ProgressWebhookURL:  envOr("PROGRESS_WEBHOOK_URL", ""),
		ProgressPushTimeout: envDuration("PROGRESS_PUSH_TIMEOUT", 5*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.PackBudgetBytes <= 0 {
		return nil, fmt.Errorf("PACK_BUDGET_BYTES must be positive")
	}
	if cfg.PackMaxSizeBytes < cfg.PackBudgetBytes {
		return nil, fmt.Errorf("PACK_MAX_SIZE_BYTES must be at least PACK_BUDGET_BYTES")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
