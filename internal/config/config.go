// Package config provides configuration management for the meeting workspace.
// Settings come from three layers: built-in defaults, an optional YAML file
// named by SMARTMEET_CONFIG, and environment variables with the SMARTMEET_
// prefix. Environment variables win over the file, the file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	Resolver ResolverConfig `yaml:"resolver"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 7430)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine   string `yaml:"engine"`    // Storage engine: sqlite, postgres (default: sqlite)
	DataPath string `yaml:"data_path"` // SQLite data directory (default: ./data)
	DSN      string `yaml:"dsn"`       // Postgres connection string
}

// LLMConfig contains extraction provider configuration.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`        // ollama or openai (default: ollama)
	BaseURL        string        `yaml:"base_url"`        // Provider base URL
	APIKey         string        `yaml:"api_key"`         // API key for hosted providers
	Model          string        `yaml:"model"`           // Extraction model (default: qwen2.5:7b)
	EmbeddingModel string        `yaml:"embedding_model"` // Embedding model (default: nomic-embed-text)
	Timeout        time.Duration `yaml:"timeout"`         // Per-request timeout (default: 30s)
}

// ResolverConfig tunes entity resolution.
type ResolverConfig struct {
	Threshold float64 `yaml:"threshold"`  // Fuzzy match threshold in [0,1] (default: 0.75)
	CacheSize int     `yaml:"cache_size"` // Alias cache entries (default: 1024)
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Workers    int    `yaml:"workers"`     // Concurrent ingestion workers (default: 2)
	QueueSize  int    `yaml:"queue_size"`  // Pending job queue capacity (default: 64)
	MaxRetries int    `yaml:"max_retries"` // Write-conflict retry attempts (default: 3)
	WatchDir   string `yaml:"watch_dir"`   // Transcript drop directory, empty disables watching
}

// SecurityConfig contains authentication and rate limit settings.
type SecurityConfig struct {
	Mode      string  `yaml:"mode"`       // development or production (default: development)
	APIToken  string  `yaml:"api_token"`  // Bearer token, required in production mode
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per client (default: 20)
	RateBurst int     `yaml:"rate_burst"` // Burst allowance (default: 40)
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by SMARTMEET_CONFIG, and SMARTMEET_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("SMARTMEET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("config: postgres engine requires a DSN")
	}
	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("config: resolver threshold %f outside [0,1]", c.Resolver.Threshold)
	}
	if c.Security.Mode == "production" && c.Security.APIToken == "" {
		return fmt.Errorf("config: production mode requires an API token")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("config: ingest workers must be at least 1")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7430,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			BaseURL:        "http://localhost:11434",
			Model:          "qwen2.5:7b",
			EmbeddingModel: "nomic-embed-text",
			Timeout:        30 * time.Second,
		},
		Resolver: ResolverConfig{
			Threshold: 0.75,
			CacheSize: 1024,
		},
		Ingest: IngestConfig{
			Workers:    2,
			QueueSize:  64,
			MaxRetries: 3,
		},
		Security: SecurityConfig{
			Mode:      "development",
			RateLimit: 20,
			RateBurst: 40,
		},
	}
}

// applyEnv overlays SMARTMEET_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("SMARTMEET_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("SMARTMEET_HOST", cfg.Server.Host)

	cfg.Storage.Engine = getEnv("SMARTMEET_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("SMARTMEET_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.DSN = getEnv("SMARTMEET_POSTGRES_DSN", cfg.Storage.DSN)

	cfg.LLM.Provider = getEnv("SMARTMEET_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.BaseURL = getEnv("SMARTMEET_LLM_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnv("SMARTMEET_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv("SMARTMEET_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.EmbeddingModel = getEnv("SMARTMEET_EMBEDDING_MODEL", cfg.LLM.EmbeddingModel)
	cfg.LLM.Timeout = getEnvDuration("SMARTMEET_LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.Resolver.Threshold = getEnvFloat("SMARTMEET_RESOLVER_THRESHOLD", cfg.Resolver.Threshold)
	cfg.Resolver.CacheSize = getEnvInt("SMARTMEET_RESOLVER_CACHE_SIZE", cfg.Resolver.CacheSize)

	cfg.Ingest.Workers = getEnvInt("SMARTMEET_INGEST_WORKERS", cfg.Ingest.Workers)
	cfg.Ingest.QueueSize = getEnvInt("SMARTMEET_INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize)
	cfg.Ingest.MaxRetries = getEnvInt("SMARTMEET_INGEST_MAX_RETRIES", cfg.Ingest.MaxRetries)
	cfg.Ingest.WatchDir = getEnv("SMARTMEET_WATCH_DIR", cfg.Ingest.WatchDir)

	cfg.Security.Mode = getEnv("SMARTMEET_SECURITY_MODE", cfg.Security.Mode)
	cfg.Security.APIToken = getEnv("SMARTMEET_API_TOKEN", cfg.Security.APIToken)
	cfg.Security.RateLimit = getEnvFloat("SMARTMEET_RATE_LIMIT", cfg.Security.RateLimit)
	cfg.Security.RateBurst = getEnvInt("SMARTMEET_RATE_BURST", cfg.Security.RateBurst)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "2m") or
// returns a default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
