// Package config loads runtime settings from .env, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server holds HTTP listener settings.
type Server struct {
	Port           string `yaml:"port"`
	BodyLimitBytes int    `yaml:"body_limit_bytes"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

// Database holds Postgres connection settings. URL wins over the discrete fields.
type Database struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RateLimitProfile is one isolated limiter instance.
type RateLimitProfile struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// RateLimit groups the limiter profiles per endpoint class.
type RateLimit struct {
	API           RateLimitProfile `yaml:"api"`
	Auth          RateLimitProfile `yaml:"auth"`
	Strict        RateLimitProfile `yaml:"strict"`
	SweepInterval time.Duration    `yaml:"sweep_interval"`
	RedisAddr     string           `yaml:"redis_addr"`
}

// Idempotency configures the idempotency store.
type Idempotency struct {
	TTL          time.Duration `yaml:"ttl"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Webhooks configures the dead-letter queue and its retry sweep.
type Webhooks struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         float64       `yaml:"jitter"`
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Workers        int           `yaml:"workers"`
	RetryRate      float64       `yaml:"retry_rate"`
	BatchSize      int           `yaml:"batch_size"`
}

// Saga configures the transaction log resumption pass.
type Saga struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

// Telemetry configures OpenTelemetry metrics export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the full runtime configuration.
type Config struct {
	Environment string      `yaml:"environment"`
	LogLevel    string      `yaml:"log_level"`
	JWTSecret   string      `yaml:"jwt_secret"`
	OpsToken    string      `yaml:"ops_token"`
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Idempotency Idempotency `yaml:"idempotency"`
	Webhooks    Webhooks    `yaml:"webhooks"`
	Saga        Saga        `yaml:"saga"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "dev",
		LogLevel:    "info",
		Server: Server{
			Port:           "8080",
			BodyLimitBytes: 4 * 1024 * 1024,
			AllowedOrigins: "*",
		},
		Database: Database{
			Host:    "db",
			Port:    5432,
			SSLMode: "disable",
		},
		RateLimit: RateLimit{
			API:           RateLimitProfile{Max: 100, Window: 15 * time.Minute},
			Auth:          RateLimitProfile{Max: 5, Window: 15 * time.Minute},
			Strict:        RateLimitProfile{Max: 10, Window: time.Minute},
			SweepInterval: time.Minute,
		},
		Idempotency: Idempotency{
			TTL:          24 * time.Hour,
			LockTimeout:  5 * time.Minute,
			MaxAttempts:  3,
			WaitTimeout:  0,
			PollInterval: 100 * time.Millisecond,
		},
		Webhooks: Webhooks{
			BaseDelay:      30 * time.Second,
			MaxDelay:       time.Hour,
			Jitter:         0.2,
			MaxRetries:     5,
			AttemptTimeout: 15 * time.Second,
			Workers:        4,
			RetryRate:      20,
			BatchSize:      100,
		},
		Saga: Saga{
			StaleAfter: 5 * time.Minute,
			BatchSize:  50,
		},
		Telemetry: Telemetry{
			ServiceName: "coreflow-backend",
		},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (YAML), then environment variables.
// A missing .env file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = envString("APP_ENV", cfg.Environment)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.OpsToken = envString("OPS_TOKEN", cfg.OpsToken)

	// Prefer JWT_SECRET_KEY, fallback to JWT_SECRET
	cfg.JWTSecret = envString("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTSecret = envString("JWT_SECRET_KEY", cfg.JWTSecret)

	cfg.Server.Port = envString("PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigins = envString("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	if mb := envInt("BODY_LIMIT_MB", 0); mb > 0 {
		cfg.Server.BodyLimitBytes = mb * 1024 * 1024
	}
	cfg.Server.BodyLimitBytes = envInt("BODY_LIMIT_BYTES", cfg.Server.BodyLimitBytes)

	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.Host = envString("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = envInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = envString("DB_USER", cfg.Database.User)
	cfg.Database.Password = envString("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = envString("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = envString("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.RateLimit.API.Max = envInt("RATE_LIMIT_MAX", cfg.RateLimit.API.Max)
	cfg.RateLimit.API.Window = envSeconds("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimit.API.Window)
	cfg.RateLimit.Auth.Max = envInt("RATE_LIMIT_AUTH_MAX", cfg.RateLimit.Auth.Max)
	cfg.RateLimit.Auth.Window = envSeconds("RATE_LIMIT_AUTH_WINDOW_SECONDS", cfg.RateLimit.Auth.Window)
	cfg.RateLimit.Strict.Max = envInt("RATE_LIMIT_STRICT_MAX", cfg.RateLimit.Strict.Max)
	cfg.RateLimit.Strict.Window = envSeconds("RATE_LIMIT_STRICT_WINDOW_SECONDS", cfg.RateLimit.Strict.Window)
	cfg.RateLimit.SweepInterval = envDuration("RATE_LIMIT_SWEEP_INTERVAL", cfg.RateLimit.SweepInterval)
	cfg.RateLimit.RedisAddr = envString("REDIS_ADDR", cfg.RateLimit.RedisAddr)

	cfg.Idempotency.TTL = envDuration("IDEMPOTENCY_TTL", cfg.Idempotency.TTL)
	cfg.Idempotency.LockTimeout = envDuration("IDEMPOTENCY_LOCK_TIMEOUT", cfg.Idempotency.LockTimeout)
	cfg.Idempotency.MaxAttempts = envInt("IDEMPOTENCY_MAX_ATTEMPTS", cfg.Idempotency.MaxAttempts)
	cfg.Idempotency.WaitTimeout = envDuration("IDEMPOTENCY_WAIT_TIMEOUT", cfg.Idempotency.WaitTimeout)
	cfg.Idempotency.PollInterval = envDuration("IDEMPOTENCY_POLL_INTERVAL", cfg.Idempotency.PollInterval)

	cfg.Webhooks.BaseDelay = envDuration("WEBHOOK_RETRY_BASE_DELAY", cfg.Webhooks.BaseDelay)
	cfg.Webhooks.MaxDelay = envDuration("WEBHOOK_RETRY_MAX_DELAY", cfg.Webhooks.MaxDelay)
	cfg.Webhooks.Jitter = envFloat("WEBHOOK_RETRY_JITTER", cfg.Webhooks.Jitter)
	cfg.Webhooks.MaxRetries = envInt("WEBHOOK_MAX_RETRIES", cfg.Webhooks.MaxRetries)
	cfg.Webhooks.AttemptTimeout = envDuration("WEBHOOK_ATTEMPT_TIMEOUT", cfg.Webhooks.AttemptTimeout)
	cfg.Webhooks.Workers = envInt("RETRY_WORKERS", cfg.Webhooks.Workers)
	cfg.Webhooks.RetryRate = envFloat("WEBHOOK_RETRY_RATE", cfg.Webhooks.RetryRate)
	cfg.Webhooks.BatchSize = envInt("WEBHOOK_RETRY_BATCH", cfg.Webhooks.BatchSize)

	cfg.Saga.StaleAfter = envDuration("SAGA_STALE_AFTER", cfg.Saga.StaleAfter)
	cfg.Saga.BatchSize = envInt("SAGA_RESUME_BATCH", cfg.Saga.BatchSize)

	cfg.Telemetry.OTLPEndpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envString("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, p := range map[string]RateLimitProfile{"api": c.RateLimit.API, "auth": c.RateLimit.Auth, "strict": c.RateLimit.Strict} {
		if p.Max <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit profile %q needs positive max and window", name))
		}
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	if c.Webhooks.BaseDelay <= 0 || c.Webhooks.MaxDelay < c.Webhooks.BaseDelay {
		errs = append(errs, errors.New("webhook retry delays must satisfy 0 < base <= max"))
	}
	if c.Webhooks.Jitter < 0 || c.Webhooks.Jitter >= 1 {
		errs = append(errs, errors.New("webhook retry jitter must be in [0,1)"))
	}
	if c.Webhooks.MaxRetries < 0 {
		errs = append(errs, errors.New("webhook max retries must not be negative"))
	}
	return errors.Join(errs...)
}

// DSN returns the Postgres connection string.
func (d Database) DSN() string {
	if strings.TrimSpace(d.URL) != "" {
		return strings.TrimSpace(d.URL)
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	q := u.Query()
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
