package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultEnvPrefix = "STOCKRX"

// ViperLoader loads configuration with precedence ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix falls
// back to STOCKRX.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	if strings.TrimSpace(envPrefix) == "" {
		envPrefix = defaultEnvPrefix
	}
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// Load reads defaults, then the config file when given, then environment
// overrides, and validates the result.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("service.name", defaults.Service.Name)
	v.SetDefault("service.environment", defaults.Service.Environment)

	v.SetDefault("logger.level", defaults.Logger.Level)
	v.SetDefault("logger.format", defaults.Logger.Format)

	v.SetDefault("lock.provider", defaults.Lock.Provider)
	v.SetDefault("lock.ttl", defaults.Lock.TTL)
	v.SetDefault("lock.retry_count", defaults.Lock.RetryCount)
	v.SetDefault("lock.retry_delay", defaults.Lock.RetryDelay)
	v.SetDefault("lock.redis.operation_timeout", 3*time.Second)
	v.SetDefault("lock.postgres.operation_timeout", 3*time.Second)
	v.SetDefault("lock.mysql.operation_timeout", 3*time.Second)
}

// bindEnvVars binds nested keys explicitly so env overrides work without
// AutomaticEnv key-guessing.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixed("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixed("SERVICE_ENVIRONMENT"), l.prefixed("ENVIRONMENT"))

	v.BindEnv("logger.level", l.prefixed("LOG_LEVEL"))
	v.BindEnv("logger.format", l.prefixed("LOG_FORMAT"))

	v.BindEnv("lock.provider", l.prefixed("LOCK_PROVIDER"))
	v.BindEnv("lock.ttl", l.prefixed("LOCK_TTL"))
	v.BindEnv("lock.retry_count", l.prefixed("LOCK_RETRY_COUNT"))
	v.BindEnv("lock.retry_delay", l.prefixed("LOCK_RETRY_DELAY"))

	v.BindEnv("lock.redis.url", l.prefixed("LOCK_REDIS_URL"))
	v.BindEnv("lock.redis.prefix", l.prefixed("LOCK_REDIS_PREFIX"))
	v.BindEnv("lock.redis.operation_timeout", l.prefixed("LOCK_REDIS_OPERATION_TIMEOUT"))

	v.BindEnv("lock.postgres.url", l.prefixed("LOCK_POSTGRES_URL"))
	v.BindEnv("lock.postgres.table", l.prefixed("LOCK_POSTGRES_TABLE"))
	v.BindEnv("lock.postgres.operation_timeout", l.prefixed("LOCK_POSTGRES_OPERATION_TIMEOUT"))

	v.BindEnv("lock.mysql.dsn", l.prefixed("LOCK_MYSQL_DSN"))
	v.BindEnv("lock.mysql.table", l.prefixed("LOCK_MYSQL_TABLE"))
	v.BindEnv("lock.mysql.operation_timeout", l.prefixed("LOCK_MYSQL_OPERATION_TIMEOUT"))
}

func (l *ViperLoader) prefixed(name string) string {
	return l.envPrefix + "_" + name
}
