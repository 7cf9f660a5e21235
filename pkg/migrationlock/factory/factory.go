package factory

import (
	"fmt"
	"strings"

	"github.com/kota-suzu/StockRx-sub003/pkg/config"
	"github.com/kota-suzu/StockRx-sub003/pkg/migrationlock"
	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const (
	ProviderRedis    = config.LockProviderRedis
	ProviderPostgres = config.LockProviderPostgres
	ProviderMySQL    = config.LockProviderMySQL
)

// NewStore creates the configured lock store. The backend strategy is fixed
// here at construction; nothing probes for reachable backends at call time.
func NewStore(cfg *config.Config, log logger.Logger) (migrationlock.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Lock.Provider))
	if provider == "" {
		provider = ProviderRedis
	}

	switch provider {
	case ProviderRedis:
		return migrationlock.NewRedisStore(migrationlock.RedisStoreConfig{
			URL:              strings.TrimSpace(cfg.Lock.Redis.URL),
			Prefix:           strings.TrimSpace(cfg.Lock.Redis.Prefix),
			Environment:      strings.TrimSpace(cfg.Service.Environment),
			OperationTimeout: cfg.Lock.Redis.OperationTimeout,
		}, log)
	case ProviderPostgres:
		return migrationlock.NewPostgresStore(migrationlock.PostgresStoreConfig{
			URL:              strings.TrimSpace(cfg.Lock.Postgres.URL),
			Table:            strings.TrimSpace(cfg.Lock.Postgres.Table),
			Environment:      strings.TrimSpace(cfg.Service.Environment),
			OperationTimeout: cfg.Lock.Postgres.OperationTimeout,
		}, log)
	case ProviderMySQL:
		return migrationlock.NewMySQLStore(migrationlock.MySQLStoreConfig{
			DSN:              strings.TrimSpace(cfg.Lock.MySQL.DSN),
			Table:            strings.TrimSpace(cfg.Lock.MySQL.Table),
			Environment:      strings.TrimSpace(cfg.Service.Environment),
			OperationTimeout: cfg.Lock.MySQL.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported lock.provider %q (supported: %s, %s, %s)",
			cfg.Lock.Provider, ProviderRedis, ProviderPostgres, ProviderMySQL)
	}
}

// NewCoordinator creates a lock coordinator wired to the configured store.
func NewCoordinator(cfg *config.Config, log logger.Logger) (*migrationlock.Coordinator, error) {
	store, err := NewStore(cfg, log)
	if err != nil {
		return nil, err
	}
	return migrationlock.NewCoordinator(store, log)
}
