// Package config provides configuration management for the sync engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Gmail      GmailConfig
	Sync       SyncConfig
	DeadLetter DeadLetterConfig
	Breaker    BreakerConfig
	Logging    LoggingConfig
}

// ServerConfig holds ops server configuration
type ServerConfig struct {
	Host string
	Port string
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

// URL renders the config as a postgres:// connection URL.
func (c *PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// GmailConfig holds remote mail API configuration
type GmailConfig struct {
	CredentialsFile string
	TokenFile       string
	UserID          string
	RequestsPerSec  float64
	Burst           int
}

// SyncConfig holds sync run configuration
type SyncConfig struct {
	CheckpointDir      string
	OutputDir          string
	Query              string
	PageSize           int
	ProgressInterval   int // persist checkpoint progress every N messages
	FetchBatchSize     int
	MessageCacheTTL    time.Duration
	RetrySweepInterval time.Duration
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	BaseDelay     time.Duration
	MaxRetries    int
	RetentionDays int
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "gmail_assistant"),
				User:           getEnv("POSTGRES_USER", "assistant"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Gmail: GmailConfig{
			CredentialsFile: getEnv("GMAIL_CREDENTIALS_FILE", "credentials.json"),
			TokenFile:       getEnv("GMAIL_TOKEN_FILE", "token.json"),
			UserID:          getEnv("GMAIL_USER_ID", "me"),
			RequestsPerSec:  getEnvAsFloat("GMAIL_REQUESTS_PER_SEC", 5),
			Burst:           getEnvAsInt("GMAIL_BURST", 10),
		},
		Sync: SyncConfig{
			CheckpointDir:      getEnv("SYNC_CHECKPOINT_DIR", ".checkpoints"),
			OutputDir:          getEnv("SYNC_OUTPUT_DIR", "output"),
			Query:              getEnv("SYNC_QUERY", ""),
			PageSize:           getEnvAsInt("SYNC_PAGE_SIZE", 100),
			ProgressInterval:   getEnvAsInt("SYNC_PROGRESS_INTERVAL", 25),
			FetchBatchSize:     getEnvAsInt("SYNC_FETCH_BATCH_SIZE", 50),
			MessageCacheTTL:    getEnvAsDuration("SYNC_MESSAGE_CACHE_TTL", 15*time.Minute),
			RetrySweepInterval: getEnvAsDuration("SYNC_RETRY_SWEEP_INTERVAL", 5*time.Minute),
		},
		DeadLetter: DeadLetterConfig{
			BaseDelay:     getEnvAsDuration("DLQ_BASE_DELAY", 5*time.Minute),
			MaxRetries:    getEnvAsInt("DLQ_MAX_RETRIES", 5),
			RetentionDays: getEnvAsInt("DLQ_RETENTION_DAYS", 30),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
			HalfOpenMaxCalls: getEnvAsInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			SuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
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

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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
