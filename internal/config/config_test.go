package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7430, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 0.75, cfg.Resolver.Threshold)
	assert.Equal(t, 2, cfg.Ingest.Workers)
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
	assert.Equal(t, "development", cfg.Security.Mode)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SMARTMEET_PORT", "9000")
	t.Setenv("SMARTMEET_RESOLVER_THRESHOLD", "0.9")
	t.Setenv("SMARTMEET_LLM_TIMEOUT", "2m")
	t.Setenv("SMARTMEET_INGEST_WORKERS", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.Resolver.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.LLM.Timeout)
	assert.Equal(t, 8, cfg.Ingest.Workers)
}

func TestLoadConfigYAMLFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 8100
resolver:
  threshold: 0.85
ingest:
  watch_dir: /var/transcripts
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("SMARTMEET_CONFIG", path)
	t.Setenv("SMARTMEET_PORT", "8200")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	// Env beats file, file beats default.
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, 0.85, cfg.Resolver.Threshold)
	assert.Equal(t, "/var/transcripts", cfg.Ingest.WatchDir)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
}

func TestLoadConfigInvalidYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	t.Setenv("SMARTMEET_CONFIG", path)

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Run("unknown engine", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Storage.Engine = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Storage.Engine = "postgres"
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Resolver.Threshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("production without token", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Security.Mode = "production"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero workers", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Ingest.Workers = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestUnparseableEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("SMARTMEET_PORT", "not-a-number")
	t.Setenv("SMARTMEET_RATE_LIMIT", "fast")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7430, cfg.Server.Port)
	assert.Equal(t, 20.0, cfg.Security.RateLimit)
}
