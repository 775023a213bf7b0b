// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported rate limit storage backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// CORSAllowedOrigins enables CORS for the listed origins when set.
	CORSAllowedOrigins []string
	// AdminToken guards the rate limit admin API. The API is not mounted
	// when it is empty.
	AdminToken string
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ShardHosts lists additional PostgreSQL hosts sharing the same
	// credentials. When set, rate limit records are spread across
	// Host plus every shard host.
	ShardHosts []string
}

// Shards returns one DatabaseConfig per shard, primary host first.
func (d DatabaseConfig) Shards() []DatabaseConfig {
	shards := []DatabaseConfig{d}
	for _, host := range d.ShardHosts {
		shard := d
		shard.ShardHosts = nil
		shard.Host = host
		shards = append(shards, shard)
	}
	shards[0].ShardHosts = nil
	return shards
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PolicyConfig is the limit and window for one protected action.
type PolicyConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Store          string
	SweepInterval  time.Duration
	CheckTimeout   time.Duration
	FailOpen       bool
	TrustProxy     bool
	TrustedProxies []string
	UserHeader     string

	Register PolicyConfig
	Verify   PolicyConfig
	Report   PolicyConfig
}

// Load reads configuration from environment variables.
// A .env file (or the file named by ENV_FILE) is loaded first when present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvOrDefault("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")

	port, err := getEnvAsInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout
	cfg.Server.CORSAllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS")
	cfg.Server.AdminToken = os.Getenv("ADMIN_TOKEN")

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	dbPort, err := getEnvAsInt("DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort
	cfg.Database.User = getEnvOrDefault("DB_USER", "autoluzes")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "autoluzes")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	cfg.Database.ShardHosts = getEnvAsList("DB_SHARD_HOSTS")

	maxOpenConns, err := getEnvAsInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := getEnvAsInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort, err := getEnvAsInt("REDIS_PORT", 6379)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getEnvAsInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize

	// Rate limit config
	if err := loadRateLimit(&cfg.Rate); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadRateLimit(rate *RateLimitConfig) error {
	rate.Store = strings.ToLower(getEnvOrDefault("RATE_STORE", StorePostgres))
	rate.UserHeader = getEnvOrDefault("RATE_USER_HEADER", "X-User-ID")
	rate.TrustedProxies = getEnvAsList("RATE_TRUSTED_PROXIES")

	var err error
	if rate.SweepInterval, err = getEnvAsDuration("RATE_SWEEP_INTERVAL", time.Minute); err != nil {
		return fmt.Errorf("invalid RATE_SWEEP_INTERVAL: %w", err)
	}
	if rate.CheckTimeout, err = getEnvAsDuration("RATE_CHECK_TIMEOUT", 2*time.Second); err != nil {
		return fmt.Errorf("invalid RATE_CHECK_TIMEOUT: %w", err)
	}
	if rate.FailOpen, err = getEnvAsBool("RATE_FAIL_OPEN", false); err != nil {
		return fmt.Errorf("invalid RATE_FAIL_OPEN: %w", err)
	}
	if rate.TrustProxy, err = getEnvAsBool("RATE_TRUST_PROXY", false); err != nil {
		return fmt.Errorf("invalid RATE_TRUST_PROXY: %w", err)
	}

	policies := []struct {
		prefix string
		target *PolicyConfig
		limit  int
		window time.Duration
	}{
		{"RATE_REGISTER", &rate.Register, 30, time.Hour},
		{"RATE_VERIFY", &rate.Verify, 5, 15 * time.Minute},
		{"RATE_REPORT", &rate.Report, 5, 10 * time.Minute},
	}
	for _, p := range policies {
		limit, err := getEnvAsInt(p.prefix+"_LIMIT", p.limit)
		if err != nil {
			return fmt.Errorf("invalid %s_LIMIT: %w", p.prefix, err)
		}
		window, err := getEnvAsDuration(p.prefix+"_WINDOW", p.window)
		if err != nil {
			return fmt.Errorf("invalid %s_WINDOW: %w", p.prefix, err)
		}
		*p.target = PolicyConfig{Limit: limit, Window: window}
	}

	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Rate.Store {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("invalid RATE_STORE %q: must be one of postgres, redis, memory", c.Rate.Store)
	}

	if c.Rate.SweepInterval <= 0 {
		return fmt.Errorf("invalid RATE_SWEEP_INTERVAL: must be positive")
	}

	for name, p := range map[string]PolicyConfig{
		"RATE_REGISTER": c.Rate.Register,
		"RATE_VERIFY":   c.Rate.Verify,
		"RATE_REPORT":   c.Rate.Report,
	} {
		if p.Limit <= 0 {
			return fmt.Errorf("invalid %s_LIMIT: must be positive", name)
		}
		if p.Window <= 0 {
			return fmt.Errorf("invalid %s_WINDOW: must be positive", name)
		}
	}

	return nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// loadDotEnv loads variables from path without overriding existing ones.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

// getEnvAsList splits a comma-separated variable, dropping empty items.
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
