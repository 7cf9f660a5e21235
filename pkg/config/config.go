package config

import (
	"fmt"
	"strings"
	"time"
)

// Lock provider constants.
const (
	// LockProviderRedis backs migration locks with Redis.
	LockProviderRedis = "redis"
	// LockProviderPostgres backs migration locks with PostgreSQL.
	LockProviderPostgres = "postgres"
	// LockProviderMySQL backs migration locks with MySQL.
	LockProviderMySQL = "mysql"
)

// Config is the root application configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Lock    LockConfig    `mapstructure:"lock"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LockConfig selects and configures the migration lock backend. The provider
// is chosen once at startup; there is no runtime backend probing.
type LockConfig struct {
	Provider   string        `mapstructure:"provider"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	Redis    RedisLockConfig    `mapstructure:"redis"`
	Postgres PostgresLockConfig `mapstructure:"postgres"`
	MySQL    MySQLLockConfig    `mapstructure:"mysql"`
}

// RedisLockConfig configures the cache-backed lock store.
type RedisLockConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// PostgresLockConfig configures the Postgres-backed lock store.
type PostgresLockConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// MySQLLockConfig configures the MySQL-backed lock store.
type MySQLLockConfig struct {
	DSN              string        `mapstructure:"dsn"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "stockrx",
			Environment: "development",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Lock: LockConfig{
			Provider:   LockProviderRedis,
			TTL:        5 * time.Minute,
			RetryCount: 3,
			RetryDelay: time.Second,
		},
	}
}

// Validate checks cross-field consistency of the loaded configuration.
func (c *Config) Validate() error {
	provider := strings.ToLower(strings.TrimSpace(c.Lock.Provider))
	switch provider {
	case LockProviderRedis:
		if strings.TrimSpace(c.Lock.Redis.URL) == "" {
			return fmt.Errorf("lock.redis.url is required when lock.provider is %q", provider)
		}
	case LockProviderPostgres:
		if strings.TrimSpace(c.Lock.Postgres.URL) == "" {
			return fmt.Errorf("lock.postgres.url is required when lock.provider is %q", provider)
		}
	case LockProviderMySQL:
		if strings.TrimSpace(c.Lock.MySQL.DSN) == "" {
			return fmt.Errorf("lock.mysql.dsn is required when lock.provider is %q", provider)
		}
	default:
		return fmt.Errorf("unsupported lock.provider %q (supported: %s, %s, %s)",
			c.Lock.Provider, LockProviderRedis, LockProviderPostgres, LockProviderMySQL)
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	if c.Lock.RetryCount <= 0 {
		return fmt.Errorf("lock.retry_count must be > 0")
	}
	if c.Lock.RetryDelay <= 0 {
		return fmt.Errorf("lock.retry_delay must be > 0")
	}
	return nil
}
