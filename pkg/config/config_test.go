package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/guru-export/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"GURU_API_URL", "GURU_API_TOKEN", "EXPORT_CONCURRENCY", "EXPORT_MAX_ATTEMPTS", "EXPORT_RATE_LIMIT",
	"EXPORT_RATE_BURST", "LOG_LEVEL", "LOG_FORMAT", "RULES_PATH", "CATALOG_PATH", "OUTPUT_DIR", "REDIS_ADDR",
	"DATABASE_URL", "ARTIFACT_BACKEND", "S3_BUCKET", "S3_REGION", "AWS_REGION", "S3_ENDPOINT", "GCS_BUCKET",
	"OTEL_ENABLED", "OTEL_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()

	assert.Equal(t, "https://digitalmanager.guru/api/v2", cfg.GuruAPIURL)
	assert.Empty(t, cfg.GuruAPIToken)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5.0, cfg.RateLimit)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, "fs", cfg.ArtifactBackend)
	assert.Equal(t, "exports", cfg.OutputDir)
	assert.False(t, cfg.OTelEnabled)

	driver, _ := cfg.Database()
	assert.Empty(t, driver)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GURU_API_TOKEN", "tok")
	t.Setenv("EXPORT_CONCURRENCY", "8")
	t.Setenv("EXPORT_RATE_LIMIT", "2,5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ARTIFACT_BACKEND", "S3")
	t.Setenv("AWS_REGION", "sa-east-1")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()
	assert.Equal(t, "tok", cfg.GuruAPIToken)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "s3", cfg.ArtifactBackend)
	assert.Equal(t, "sa-east-1", cfg.S3Region)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPORT_CONCURRENCY", "many")
	t.Setenv("EXPORT_MAX_ATTEMPTS", "-1")

	cfg := config.Load()
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestDatabase(t *testing.T) {
	cases := []struct{ url, driver, dsn string }{
		{"postgres://u@db:5432/x", "postgres", "postgres://u@db:5432/x"},
		{"postgresql://u@db/x", "postgres", "postgresql://u@db/x"},
		{"sqlite:///var/runs.db", "sqlite", "/var/runs.db"},
		{"runs.db", "sqlite", "runs.db"},
	}
	for _, tc := range cases {
		cfg := &config.Config{DatabaseURL: tc.url}
		driver, dsn := cfg.Database()
		assert.Equal(t, tc.driver, driver, tc.url)
		assert.Equal(t, tc.dsn, dsn, tc.url)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bimestral-boxes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
periodicity: bimestral
mode: produtos
product_ids: [p-box, p-cad]
format: CSV
windows1252: true
rules_path: /etc/guru/regras.json
concurrency: 2
`), 0o600))

	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "bimestral-boxes", p.Name)
	assert.Equal(t, "csv", p.Format)
	assert.True(t, p.Windows1252)
	assert.Equal(t, []string{"p-box", "p-cad"}, p.ProductIDs)

	cfg := &config.Config{RulesPath: "regras.json", CatalogPath: "skus.json", Concurrency: 4}
	p.Apply(cfg)
	assert.Equal(t, "/etc/guru/regras.json", cfg.RulesPath)
	assert.Equal(t, "skus.json", cfg.CatalogPath)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoadProfile_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := config.LoadProfile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("format: pdf\n"), 0o600))
	_, err = config.LoadProfile(bad)
	assert.ErrorContains(t, err, "unknown format")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("mode: [unclosed\n"), 0o600))
	_, err = config.LoadProfile(broken)
	assert.Error(t, err)
}
