// Package config provides configuration management for the guild ingestion services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Blizzard     BlizzardConfig
	WarcraftLogs WarcraftLogsConfig
	Executor     ExecutorConfig
	Tokens       TokenConfig
	Queue        QueueConfig
	Icons        IconConfig
	Breaker      BreakerConfig
	Logging      LoggingConfig
}

// ServerConfig holds admin server configuration
type ServerConfig struct {
	Port           string
	Host           string
	RequestsPerSec int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
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

// DSN returns the connection string used by pgxpool and golang-migrate
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// BlizzardConfig holds Battle.net API credentials
type BlizzardConfig struct {
	ClientID     string
	ClientSecret string
	Region       string
	Locale       string
	TokenURL     string
	APIBaseURL   string
}

// WarcraftLogsConfig holds Warcraft Logs API credentials
type WarcraftLogsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIURL       string
	PageSize     int
}

// ExecutorConfig controls the rate-limit backoff of outbound requests
type ExecutorConfig struct {
	MaxAttempts    int
	BackoffUnit    time.Duration
	MaxBackoff     time.Duration // 0 means uncapped
	RequestTimeout time.Duration

	// BudgetPerWindow caps requests per upstream across all workers via Redis; 0 disables it
	BudgetPerWindow int
	BudgetWindow    time.Duration
}

// TokenConfig controls bearer token caching
type TokenConfig struct {
	SafetyMargin time.Duration
	Store        string // postgres or redis
}

// QueueConfig holds worker pool configuration
type QueueConfig struct {
	Workers           int
	PollInterval      time.Duration
	InactivityTimeout time.Duration
	ReclaimInterval   time.Duration
	MaxRetries        int
	DefaultPriority   int
}

// IconConfig holds icon resolution settings
type IconConfig struct {
	Dir             string
	PublicPath      string
	BatchDelay      time.Duration
	MatchPrefix     string
	CompositeFormat string
}

// BreakerConfig configures the circuit breaker guarding claims
type BreakerConfig struct {
	MaxFailures      int
	FailureThreshold float64
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	region := strings.ToLower(getEnv("BLIZZARD_REGION", "us"))

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSec: getEnvAsInt("SERVER_REQUESTS_PER_SEC", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "guild_tracker"),
				User:           getEnv("POSTGRES_USER", "tracker"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "guild_tracker"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Blizzard: BlizzardConfig{
			ClientID:     getEnv("BLIZZARD_CLIENT_ID", ""),
			ClientSecret: getEnv("BLIZZARD_CLIENT_SECRET", ""),
			Region:       region,
			Locale:       getEnv("BLIZZARD_LOCALE", "en_US"),
			TokenURL:     getEnv("BLIZZARD_TOKEN_URL", "https://oauth.battle.net/token"),
			APIBaseURL:   getEnv("BLIZZARD_API_BASE_URL", fmt.Sprintf("https://%s.api.blizzard.com", region)),
		},
		WarcraftLogs: WarcraftLogsConfig{
			ClientID:     getEnv("WCL_CLIENT_ID", ""),
			ClientSecret: getEnv("WCL_CLIENT_SECRET", ""),
			TokenURL:     getEnv("WCL_TOKEN_URL", "https://www.warcraftlogs.com/oauth/token"),
			APIURL:       getEnv("WCL_API_URL", "https://www.warcraftlogs.com/api/v2/client"),
			PageSize:     getEnvAsInt("WCL_PAGE_SIZE", 25),
		},
		Executor: ExecutorConfig{
			MaxAttempts:    getEnvAsInt("EXECUTOR_MAX_ATTEMPTS", 25),
			BackoffUnit:    getEnvAsDuration("EXECUTOR_BACKOFF_UNIT", time.Second),
			MaxBackoff:     getEnvAsDuration("EXECUTOR_MAX_BACKOFF", 0),
			RequestTimeout: getEnvAsDuration("EXECUTOR_REQUEST_TIMEOUT", 30*time.Second),

			BudgetPerWindow: getEnvAsInt("EXECUTOR_BUDGET_PER_WINDOW", 0),
			BudgetWindow:    getEnvAsDuration("EXECUTOR_BUDGET_WINDOW", time.Second),
		},
		Tokens: TokenConfig{
			SafetyMargin: getEnvAsDuration("TOKEN_SAFETY_MARGIN", 60*time.Second),
			Store:        strings.ToLower(getEnv("TOKEN_STORE", "postgres")),
		},
		Queue: QueueConfig{
			Workers:           getEnvAsInt("QUEUE_WORKERS", 2),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			InactivityTimeout: getEnvAsDuration("QUEUE_INACTIVITY_TIMEOUT", 10*time.Minute),
			ReclaimInterval:   getEnvAsDuration("QUEUE_RECLAIM_INTERVAL", time.Minute),
			MaxRetries:        getEnvAsInt("QUEUE_MAX_RETRIES", 3),
			DefaultPriority:   getEnvAsInt("QUEUE_DEFAULT_PRIORITY", 10),
		},
		Icons: IconConfig{
			Dir:             getEnv("ICONS_DIR", "data/icons"),
			PublicPath:      getEnv("ICONS_PUBLIC_PATH", "/icons"),
			BatchDelay:      getEnvAsDuration("ICONS_BATCH_DELAY", 250*time.Millisecond),
			MatchPrefix:     getEnv("ICONS_MATCH_PREFIX", "Mythic: "),
			CompositeFormat: getEnv("ICONS_COMPOSITE_FORMAT", "Glory of the %s Raider"),
		},
		Breaker: BreakerConfig{
			MaxFailures:      getEnvAsInt("BREAKER_MAX_FAILURES", 5),
			FailureThreshold: getEnvAsFloat("BREAKER_FAILURE_THRESHOLD", 0.5),
			Timeout:          getEnvAsDuration("BREAKER_TIMEOUT", 2*time.Minute),
			HalfOpenMaxCalls: getEnvAsInt("BREAKER_HALF_OPEN_MAX_CALLS", 1),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate rejects settings the worker cannot run with
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Queue.InactivityTimeout <= 0 {
		return fmt.Errorf("QUEUE_INACTIVITY_TIMEOUT must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative")
	}
	if c.Executor.MaxAttempts < 0 {
		return fmt.Errorf("EXECUTOR_MAX_ATTEMPTS must not be negative")
	}
	if c.Executor.BackoffUnit <= 0 {
		return fmt.Errorf("EXECUTOR_BACKOFF_UNIT must be positive")
	}
	if c.Executor.BudgetPerWindow < 0 {
		return fmt.Errorf("EXECUTOR_BUDGET_PER_WINDOW must not be negative")
	}
	if c.Executor.BudgetPerWindow > 0 && c.Executor.BudgetWindow <= 0 {
		return fmt.Errorf("EXECUTOR_BUDGET_WINDOW must be positive")
	}
	if c.Tokens.SafetyMargin < 0 {
		return fmt.Errorf("TOKEN_SAFETY_MARGIN must not be negative")
	}
	if c.Tokens.Store != "postgres" && c.Tokens.Store != "redis" {
		return fmt.Errorf("TOKEN_STORE must be postgres or redis, got %q", c.Tokens.Store)
	}
	if !strings.Contains(c.Icons.CompositeFormat, "%s") {
		return fmt.Errorf("ICONS_COMPOSITE_FORMAT must contain %%s")
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
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
