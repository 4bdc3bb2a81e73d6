package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the renderflow server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Backends  BackendsConfig
	Engine    EngineConfig
	Webhooks  WebhookConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// PublicURL is the externally reachable base URL backends post callbacks to.
	PublicURL string
	// CallbackToken, when set, must be echoed by backends in X-Callback-Token.
	CallbackToken string
	// BootstrapAdminKey, when set, is ensured to exist as an admin-scoped API key.
	BootstrapAdminKey string
	MigrationsDir     string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL            string
	StatusCacheTTL time.Duration
}

// BackendsConfig configures the render backend (jobs) and the LLM backend (generations).
type BackendsConfig struct {
	Render BackendConfig
	LLM    BackendConfig
}

type BackendConfig struct {
	Provider   string // "http" or "mock"
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// EngineConfig holds admission and reconciliation settings.
type EngineConfig struct {
	Jobs              KindConfig
	Generations       KindConfig
	QueueTimeout      time.Duration
	ProcessingTimeout time.Duration
	RedispatchAfter   time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
}

// KindConfig holds per-kind admission settings.
type KindConfig struct {
	CreditCost     int64
	MaxConcurrency int
}

type WebhookConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	RatePerSecond  float64
	StaleAfter     time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validBackendProviders = map[string]bool{
	"http": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Variables already present in the environment take precedence over a .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(envFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile(), err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("RENDERFLOW_PORT", 8080),
			Env:               envString("RENDERFLOW_ENV", "development"),
			PublicURL:         strings.TrimRight(envString("RENDERFLOW_PUBLIC_URL", "http://localhost:8080"), "/"),
			CallbackToken:     os.Getenv("RENDERFLOW_CALLBACK_TOKEN"),
			BootstrapAdminKey: os.Getenv("RENDERFLOW_BOOTSTRAP_ADMIN_KEY"),
			MigrationsDir:     envString("RENDERFLOW_MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			StatusCacheTTL: envDuration("REDIS_STATUS_CACHE_TTL", 30*time.Second),
		},
		Backends: BackendsConfig{
			Render: BackendConfig{
				Provider:   envString("RENDER_BACKEND_PROVIDER", "http"),
				BaseURL:    os.Getenv("RENDER_BACKEND_URL"),
				Timeout:    envDurationSecs("RENDER_BACKEND_TIMEOUT_SECS", 10*time.Second),
				MaxRetries: envInt("RENDER_BACKEND_MAX_RETRIES", 3),
			},
			LLM: BackendConfig{
				Provider:   envString("LLM_BACKEND_PROVIDER", "http"),
				BaseURL:    os.Getenv("LLM_BACKEND_URL"),
				Timeout:    envDurationSecs("LLM_BACKEND_TIMEOUT_SECS", 10*time.Second),
				MaxRetries: envInt("LLM_BACKEND_MAX_RETRIES", 3),
			},
		},
		Engine: EngineConfig{
			Jobs: KindConfig{
				CreditCost:     int64(envInt("JOB_CREDIT_COST", 10)),
				MaxConcurrency: envInt("JOB_MAX_CONCURRENCY", 3),
			},
			Generations: KindConfig{
				CreditCost:     int64(envInt("GENERATION_CREDIT_COST", 1)),
				MaxConcurrency: envInt("GENERATION_MAX_CONCURRENCY", 5),
			},
			QueueTimeout:      envDuration("ENGINE_QUEUE_TIMEOUT", 30*time.Minute),
			ProcessingTimeout: envDuration("ENGINE_PROCESSING_TIMEOUT", 2*time.Hour),
			RedispatchAfter:   envDuration("ENGINE_REDISPATCH_AFTER", time.Minute),
			SweepInterval:     envDuration("ENGINE_SWEEP_INTERVAL", 30*time.Second),
			SweepBatchSize:    envInt("ENGINE_SWEEP_BATCH_SIZE", 100),
		},
		Webhooks: WebhookConfig{
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 5),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", 10*time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", time.Hour),
			RequestTimeout: envDurationSecs("WEBHOOK_REQUEST_TIMEOUT_SECS", 10*time.Second),
			PollInterval:   envDuration("WEBHOOK_POLL_INTERVAL", 2*time.Second),
			BatchSize:      envInt("WEBHOOK_BATCH_SIZE", 50),
			Concurrency:    envInt("WEBHOOK_CONCURRENCY", 8),
			RatePerSecond:  envFloat("WEBHOOK_RATE_PER_SECOND", 20),
			StaleAfter:     envDuration("WEBHOOK_STALE_AFTER", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		return fmt.Errorf("RENDERFLOW_PUBLIC_URL must start with http:// or https://, got %q", c.Server.PublicURL)
	}

	if err := validateBackend("RENDER_BACKEND", c.Backends.Render); err != nil {
		return err
	}
	if err := validateBackend("LLM_BACKEND", c.Backends.LLM); err != nil {
		return err
	}

	for name, k := range map[string]KindConfig{"JOB": c.Engine.Jobs, "GENERATION": c.Engine.Generations} {
		if k.CreditCost < 0 {
			return fmt.Errorf("%s_CREDIT_COST must not be negative, got %d", name, k.CreditCost)
		}
		if k.MaxConcurrency < 1 {
			return fmt.Errorf("%s_MAX_CONCURRENCY must be at least 1, got %d", name, k.MaxConcurrency)
		}
	}

	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhooks.MaxAttempts)
	}
	if c.Webhooks.Concurrency < 1 {
		return fmt.Errorf("WEBHOOK_CONCURRENCY must be at least 1, got %d", c.Webhooks.Concurrency)
	}
	if c.Webhooks.MaxBackoff < c.Webhooks.InitialBackoff {
		return fmt.Errorf("WEBHOOK_MAX_BACKOFF must not be below WEBHOOK_INITIAL_BACKOFF")
	}

	return nil
}

func validateBackend(prefix string, b BackendConfig) error {
	if !validBackendProviders[b.Provider] {
		return fmt.Errorf("%s_PROVIDER must be one of http, mock; got %q", prefix, b.Provider)
	}
	if b.Provider == "http" {
		if b.BaseURL == "" {
			return fmt.Errorf("%s_URL is required when %s_PROVIDER is http", prefix, prefix)
		}
		if !isHTTPURL(b.BaseURL) {
			return fmt.Errorf("%s_URL must start with http:// or https://, got %q", prefix, b.BaseURL)
		}
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envFile() string {
	return envString("RENDERFLOW_ENV_FILE", ".env")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
