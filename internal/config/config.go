// Package config loads process configuration from the environment (with an
// optional .env file) and game rules from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/bitloss-labs/bitloss/internal/retry"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendJWT      = "jwt"
)

// Config is the process configuration. Fields are only overwritten by the
// environment variables that are actually set; Default supplies the rest.
type Config struct {
	HTTPAddr  string `env:"BITLOSS_HTTP_ADDR"`
	LogLevel  string `env:"BITLOSS_LOG_LEVEL"`
	LogFormat string `env:"BITLOSS_LOG_FORMAT"`

	StoreBackend    string `env:"BITLOSS_STORE"`
	ObjectBackend   string `env:"BITLOSS_OBJECTS"`
	QueueBackend    string `env:"BITLOSS_QUEUE"`
	IdentityBackend string `env:"BITLOSS_IDENTITY"`

	RulesFile string `env:"BITLOSS_RULES_FILE"`
	// ReaperInterval overrides the rules file when set.
	ReaperInterval    time.Duration `env:"BITLOSS_REAPER_INTERVAL"`
	CorruptionWorkers int           `env:"BITLOSS_CORRUPTION_WORKERS"`
	CodecURL          string        `env:"BITLOSS_CODEC_URL"`

	RateLimitRPS   float64  `env:"BITLOSS_RATE_LIMIT_RPS"`
	RateLimitBurst int      `env:"BITLOSS_RATE_LIMIT_BURST"`
	CORSOrigins    []string `env:"BITLOSS_CORS_ORIGINS"`
	ClientSalt     string   `env:"BITLOSS_CLIENT_SALT"`

	RetryAttempts int           `env:"BITLOSS_RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `env:"BITLOSS_RETRY_DELAY"`

	Supabase SupabaseConfig
	Postgres PostgresConfig
	S3       S3Config
	Redis    RedisConfig
}

// SupabaseConfig locates the hosted project.
type SupabaseConfig struct {
	URL        string `env:"SUPABASE_URL"`
	ServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	JWTSecret  string `env:"SUPABASE_JWT_SECRET"`
	Bucket     string `env:"SUPABASE_BUCKET"`
}

// PostgresConfig is used when the record store talks to PostgreSQL directly.
type PostgresConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME"`
}

// S3Config is used by the S3 object store.
type S3Config struct {
	Bucket        string `env:"S3_BUCKET"`
	Region        string `env:"S3_REGION"`
	Prefix        string `env:"S3_PREFIX"`
	Endpoint      string `env:"S3_ENDPOINT"`
	PublicBaseURL string `env:"S3_PUBLIC_BASE_URL"`
	AccessKey     string `env:"S3_ACCESS_KEY_ID"`
	SecretKey     string `env:"S3_SECRET_ACCESS_KEY"`
}

// RedisConfig is used by the Redis corruption queue.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
	Queue    string `env:"REDIS_QUEUE"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		HTTPAddr:          ":8000",
		LogLevel:          "info",
		LogFormat:         "text",
		StoreBackend:      BackendMemory,
		ObjectBackend:     BackendMemory,
		QueueBackend:      BackendMemory,
		IdentityBackend:   BackendJWT,
		CorruptionWorkers: 2,
		RateLimitRPS:      5,
		RateLimitBurst:    20,
		CORSOrigins:       []string{"*"},
		RetryAttempts:     3,
		RetryDelay:        200 * time.Millisecond,
		Supabase:          SupabaseConfig{Bucket: "bitloss-images"},
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{Queue: "bitloss:corruption"},
	}
}

// Load reads envFile if it exists, then the environment, then validates.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.ObjectBackend = strings.ToLower(strings.TrimSpace(c.ObjectBackend))
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	c.IdentityBackend = strings.ToLower(strings.TrimSpace(c.IdentityBackend))
	c.Supabase.URL = strings.TrimSuffix(c.Supabase.URL, "/")
}

// Validate checks that every selected backend has what it needs.
func (c Config) Validate() error {
	needSupabase := c.StoreBackend == BackendSupabase ||
		c.ObjectBackend == BackendSupabase ||
		c.IdentityBackend == BackendSupabase

	switch c.StoreBackend {
	case BackendMemory, BackendSupabase:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	switch c.ObjectBackend {
	case BackendMemory, BackendSupabase:
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 object store")
		}
	default:
		return fmt.Errorf("unknown object backend %q", c.ObjectBackend)
	}

	switch c.QueueBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis queue")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}

	switch c.IdentityBackend {
	case BackendSupabase:
	case BackendJWT:
		if c.Supabase.JWTSecret == "" {
			return fmt.Errorf("SUPABASE_JWT_SECRET is required for jwt identity")
		}
	default:
		return fmt.Errorf("unknown identity backend %q", c.IdentityBackend)
	}

	if needSupabase && (c.Supabase.URL == "" || c.Supabase.ServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for supabase backends")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.RetryAttempts)
	}
	return nil
}

// RetryPolicy returns the policy every external call uses.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: c.RetryAttempts, Delay: c.RetryDelay}
}
