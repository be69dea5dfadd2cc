// Package config loads exporter settings from the environment and from YAML
// export profiles.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds exporter configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	GuruAPIURL   string
	GuruAPIToken string

	Concurrency int
	MaxAttempts int
	RateLimit   float64 // requests per second, 0 disables
	RateBurst   int

	LogLevel  string
	LogFormat string // "text" or "json"

	RulesPath   string
	CatalogPath string
	OutputDir   string

	RedisAddr   string
	DatabaseURL string

	ArtifactBackend string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	GCSBucket       string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables. Invalid numbers fall
// back to their defaults.
func Load() *Config {
	return &Config{
		GuruAPIURL:   env("GURU_API_URL", "https://digitalmanager.guru/api/v2"),
		GuruAPIToken: os.Getenv("GURU_API_TOKEN"),

		Concurrency: envInt("EXPORT_CONCURRENCY", 4),
		MaxAttempts: envInt("EXPORT_MAX_ATTEMPTS", 5),
		RateLimit:   envFloat("EXPORT_RATE_LIMIT", 5),
		RateBurst:   envInt("EXPORT_RATE_BURST", 5),

		LogLevel:  strings.ToUpper(env("LOG_LEVEL", "INFO")),
		LogFormat: strings.ToLower(env("LOG_FORMAT", "text")),

		RulesPath:   env("RULES_PATH", "regras.json"),
		CatalogPath: env("CATALOG_PATH", "skus.json"),
		OutputDir:   env("OUTPUT_DIR", "exports"),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		ArtifactBackend: strings.ToLower(env("ARTIFACT_BACKEND", "fs")),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3Region:        env("S3_REGION", os.Getenv("AWS_REGION")),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:     os.Getenv("S3_SECRET_ACCESS_KEY"),
		GCSBucket:       os.Getenv("GCS_BUCKET"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: env("OTEL_ENDPOINT", "localhost:4317"),
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Database reports the driver and DSN for DatabaseURL: "postgres" for
// postgres:// URLs and "sqlite" for sqlite:// URLs or bare file paths. An
// empty URL yields an empty driver.
func (c *Config) Database() (driver, dsn string) {
	u := strings.TrimSpace(c.DatabaseURL)
	switch {
	case u == "":
		return "", ""
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres", u
	case strings.HasPrefix(u, "sqlite://"):
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	default:
		return "sqlite", u
	}
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
	if err != nil || f < 0 {
		slog.Warn("invalid number setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}
