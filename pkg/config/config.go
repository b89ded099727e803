package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for pipeflow-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// Database configuration (engine metadata + unified store)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (cross-process sync/refresh leases)
	Redis RedisConfig `yaml:"redis"`

	// Sync engine configuration
	Sync SyncConfig `yaml:"sync"`

	// Refresh scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Default rate limits for connector fetches
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// AI configuration for join suggestions (optional)
	AI AIConfig `yaml:"ai"`

	// Credential encryption key for datasource connection details.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML

	// MigrationsPath is the directory containing SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"pipeflow"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"pipeflow_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
}

// URL builds a postgres connection URL from the config.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration. Redis is optional; when Host is empty
// the engine falls back to in-process locks (single-worker deployments only).
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SyncConfig holds sync orchestration settings.
type SyncConfig struct {
	// BatchSize is the number of rows written to the unified store per batch.
	BatchSize int `yaml:"batch_size" env:"SYNC_BATCH_SIZE" env-default:"1000"`
	// Workers is the size of the background worker pool shared by sync and refresh jobs.
	Workers int `yaml:"workers" env:"SYNC_WORKERS" env-default:"4"`
	// MaxFetchRetries bounds retries of transient fetch errors within one sync attempt.
	MaxFetchRetries int `yaml:"max_fetch_retries" env:"SYNC_MAX_FETCH_RETRIES" env-default:"3"`
	// FetchTimeoutSeconds bounds a single connector fetch call.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" env:"SYNC_FETCH_TIMEOUT_SECONDS" env-default:"300"`
	// LockTTLSeconds is the lease duration for per-source sync locks.
	LockTTLSeconds int `yaml:"lock_ttl_seconds" env:"SYNC_LOCK_TTL_SECONDS" env-default:"1800"`
}

// FetchTimeout returns the fetch timeout as a duration.
func (c *SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// LockTTL returns the lock lease duration.
func (c *SyncConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SchedulerConfig holds refresh scheduler settings.
type SchedulerConfig struct {
	// Enabled turns the periodic staleness scan on or off.
	Enabled bool `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	// ScanSpec is the cron spec for the staleness scan.
	ScanSpec string `yaml:"scan_spec" env:"SCHEDULER_SCAN_SPEC" env-default:"@every 1m"`
	// DefaultRefreshIntervalMinutes applies to auto-refresh models without an override.
	DefaultRefreshIntervalMinutes int `yaml:"default_refresh_interval_minutes" env:"SCHEDULER_DEFAULT_REFRESH_INTERVAL_MINUTES" env-default:"60"`
}

// DefaultRefreshInterval returns the default staleness interval.
func (c *SchedulerConfig) DefaultRefreshInterval() time.Duration {
	return time.Duration(c.DefaultRefreshIntervalMinutes) * time.Minute
}

// RateLimitConfig holds default token-bucket settings applied per API account.
type RateLimitConfig struct {
	// MaxRequests per window.
	MaxRequests int `yaml:"max_requests" env:"RATE_LIMIT_MAX_REQUESTS" env-default:"60"`
	// WindowSeconds is the refill window.
	WindowSeconds int `yaml:"window_seconds" env:"RATE_LIMIT_WINDOW_SECONDS" env-default:"60"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"10"`
	// MinIntervalMillis enforces a floor between consecutive requests.
	MinIntervalMillis int `yaml:"min_interval_millis" env:"RATE_LIMIT_MIN_INTERVAL_MILLIS" env-default:"100"`
	// AcquireTimeoutSeconds bounds how long a caller may wait for a slot.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds" env:"RATE_LIMIT_ACQUIRE_TIMEOUT_SECONDS" env-default:"30"`
}

// Window returns the refill window as a duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// MinInterval returns the minimum inter-request interval.
func (c *RateLimitConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMillis) * time.Millisecond
}

// AcquireTimeout returns the acquire timeout.
func (c *RateLimitConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// AIConfig holds the optional LLM endpoint used for join suggestions.
// Provider is "anthropic", "openai", or "" (heuristics only).
type AIConfig struct {
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:""`
	Model    string `yaml:"model" env:"AI_MODEL" env-default:""`
	BaseURL  string `yaml:"base_url" env:"AI_BASE_URL" env-default:""`
	APIKey   string `yaml:"-" env:"AI_API_KEY"` // Secret - not in YAML
}

// Load reads configuration from config.yaml (if present) and the environment.
func Load(version string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	cfg.Version = version

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CredentialsKey == "" {
		return fmt.Errorf("CREDENTIALS_KEY is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive, got %d", c.Sync.Workers)
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate limit max_requests and window_seconds must be positive")
	}
	return nil
}
