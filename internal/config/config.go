// Package config provides configuration management for the campaign send-queue engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Store      StoreConfig
	Queue      QueueConfig
	RateLimit  RateLimitConfig
	SMTP       SMTPConfig
	Auth       AuthConfig
	AMQP       AMQPConfig
	Logging    LoggingConfig
	Migrations MigrationsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	RequestsPerSec  int
	ShutdownTimeout time.Duration
	PublicURL       string // base of tracking and unsubscribe links, empty omits them
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection string used by pgx and golang-migrate
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	Enabled        bool
}

// StoreConfig selects the queue/ledger store implementation
type StoreConfig struct {
	Driver string // postgres or memory
}

// QueueConfig holds batch processor configuration
type QueueConfig struct {
	BatchSize        int
	MaxAttempts      int
	StaleThreshold   time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	DeferWindow      time.Duration
	PollInterval     time.Duration // 0 disables the periodic trigger
	TransportTimeout time.Duration
	AutoMaterialize  bool
}

// RateLimitConfig holds send rate limiting configuration
type RateLimitConfig struct {
	HourlyLimit       int
	GlobalHourlyLimit int
	Backend           string // store or redis
}

// SMTPConfig holds mail transport configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DryRun   bool // log messages instead of sending
}

// AuthConfig holds control surface authentication configuration
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// AMQPConfig holds the external trigger consumer configuration
type AMQPConfig struct {
	URL   string // empty disables the consumer
	Queue string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// MigrationsConfig holds schema migration configuration
type MigrationsConfig struct {
	Path        string
	AutoMigrate bool
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSec:  getEnvAsInt("SERVER_REQUESTS_PER_SEC", 20),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			PublicURL:       getEnv("PUBLIC_BASE_URL", ""),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "sendqueue"),
				User:           getEnv("POSTGRES_USER", "sendqueue"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			},
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Queue: QueueConfig{
			BatchSize:        getEnvAsInt("QUEUE_BATCH_SIZE", 50),
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			StaleThreshold:   getEnvAsDuration("QUEUE_STALE_THRESHOLD", 15*time.Minute),
			BaseBackoff:      getEnvAsDuration("QUEUE_BASE_BACKOFF", time.Hour),
			MaxBackoff:       getEnvAsDuration("QUEUE_MAX_BACKOFF", 24*time.Hour),
			DeferWindow:      getEnvAsDuration("QUEUE_DEFER_WINDOW", time.Hour),
			PollInterval:     getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Minute),
			TransportTimeout: getEnvAsDuration("QUEUE_TRANSPORT_TIMEOUT", 30*time.Second),
			AutoMaterialize:  getEnvAsBool("QUEUE_AUTO_MATERIALIZE", true),
		},
		RateLimit: RateLimitConfig{
			HourlyLimit:       getEnvAsInt("RATE_LIMIT_HOURLY", 100),
			GlobalHourlyLimit: getEnvAsInt("RATE_LIMIT_GLOBAL_HOURLY", 0),
			Backend:           getEnv("RATE_LIMIT_BACKEND", "store"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			DryRun:   getEnvAsBool("SMTP_DRY_RUN", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_ISSUER", "campaign-sendqueue"),
		},
		AMQP: AMQPConfig{
			URL:   getEnv("AMQP_URL", ""),
			Queue: getEnv("AMQP_QUEUE", "sendqueue.process"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE", 7),
		},
		Migrations: MigrationsConfig{
			Path:        getEnv("MIGRATIONS_PATH", "migrations/postgres"),
			AutoMigrate: getEnvAsBool("AUTO_MIGRATE", true),
		},
	}

	return config, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres or memory)", c.Store.Driver)
	}
	switch c.RateLimit.Backend {
	case "store":
	case "redis":
		if !c.Database.Redis.Enabled {
			return errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q (want store or redis)", c.RateLimit.Backend)
	}
	if c.Queue.BatchSize <= 0 {
		return errors.New("QUEUE_BATCH_SIZE must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be positive")
	}
	if c.Queue.StaleThreshold <= 0 {
		return errors.New("QUEUE_STALE_THRESHOLD must be positive")
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return errors.New("QUEUE_BASE_BACKOFF must be positive and not exceed QUEUE_MAX_BACKOFF")
	}
	if c.Queue.TransportTimeout <= 0 {
		return errors.New("QUEUE_TRANSPORT_TIMEOUT must be positive")
	}
	if c.RateLimit.HourlyLimit <= 0 {
		return errors.New("RATE_LIMIT_HOURLY must be positive")
	}
	if c.RateLimit.GlobalHourlyLimit < 0 {
		return errors.New("RATE_LIMIT_GLOBAL_HOURLY cannot be negative")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
