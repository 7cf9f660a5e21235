package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "stockrx" {
		t.Errorf("unexpected default service name %q", cfg.Service.Name)
	}
	if cfg.Lock.Provider != LockProviderRedis {
		t.Errorf("unexpected default provider %q", cfg.Lock.Provider)
	}
	if cfg.Lock.TTL != 5*time.Minute {
		t.Errorf("unexpected default ttl %v", cfg.Lock.TTL)
	}
	if cfg.Lock.RetryCount != 3 || cfg.Lock.RetryDelay != time.Second {
		t.Errorf("unexpected retry defaults: %d / %v", cfg.Lock.RetryCount, cfg.Lock.RetryDelay)
	}
}

func TestLoadDefaultsWithEnvBackendURL(t *testing.T) {
	t.Setenv("STOCKRX_LOCK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := NewViperLoader("", "").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.Provider != LockProviderRedis {
		t.Errorf("expected default provider, got %q", cfg.Lock.Provider)
	}
	if cfg.Lock.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("expected env url, got %q", cfg.Lock.Redis.URL)
	}
	if cfg.Lock.Redis.OperationTimeout != 3*time.Second {
		t.Errorf("expected default operation timeout, got %v", cfg.Lock.Redis.OperationTimeout)
	}
}

func TestLoadFailsWithoutBackendURL(t *testing.T) {
	_, err := NewViperLoader("", "").Load()
	if err == nil {
		t.Fatal("expected validation failure without a backend url")
	}
	if !strings.Contains(err.Error(), "lock.redis.url") {
		t.Errorf("expected missing url named in error, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service:
  name: stockrx-migrator
  environment: staging
logger:
  level: debug
  format: console
lock:
  provider: postgres
  ttl: 10m
  retry_count: 5
  retry_delay: 2s
  postgres:
    url: postgres://app:secret@db:5432/stockrx?sslmode=disable
    table: custom_locks
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := NewViperLoader(path, "").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "stockrx-migrator" || cfg.Service.Environment != "staging" {
		t.Errorf("unexpected service config: %+v", cfg.Service)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "console" {
		t.Errorf("unexpected logger config: %+v", cfg.Logger)
	}
	if cfg.Lock.Provider != LockProviderPostgres {
		t.Errorf("unexpected provider %q", cfg.Lock.Provider)
	}
	if cfg.Lock.TTL != 10*time.Minute || cfg.Lock.RetryCount != 5 || cfg.Lock.RetryDelay != 2*time.Second {
		t.Errorf("unexpected lock tuning: %+v", cfg.Lock)
	}
	if cfg.Lock.Postgres.Table != "custom_locks" {
		t.Errorf("unexpected table %q", cfg.Lock.Postgres.Table)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
lock:
  provider: redis
  redis:
    url: redis://from-file:6379/0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("STOCKRX_LOCK_REDIS_URL", "redis://from-env:6379/0")
	t.Setenv("STOCKRX_LOCK_RETRY_COUNT", "7")

	cfg, err := NewViperLoader(path, "").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.Redis.URL != "redis://from-env:6379/0" {
		t.Errorf("expected env to win over file, got %q", cfg.Lock.Redis.URL)
	}
	if cfg.Lock.RetryCount != 7 {
		t.Errorf("expected env retry count, got %d", cfg.Lock.RetryCount)
	}
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("PHARMAOPS_LOCK_PROVIDER", "mysql")
	t.Setenv("PHARMAOPS_LOCK_MYSQL_DSN", "app:secret@tcp(db:3306)/stockrx?parseTime=true")

	cfg, err := NewViperLoader("", "PHARMAOPS").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.Provider != LockProviderMySQL {
		t.Errorf("expected mysql provider, got %q", cfg.Lock.Provider)
	}
	if !strings.Contains(cfg.Lock.MySQL.DSN, "tcp(db:3306)") {
		t.Errorf("unexpected dsn %q", cfg.Lock.MySQL.DSN)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewViperLoader("/nonexistent/config.yaml", "").Load()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Lock.Provider = "zookeeper" },
			wantErr: "unsupported lock.provider",
		},
		{
			name: "redis without url",
			mutate: func(c *Config) {
				c.Lock.Provider = LockProviderRedis
				c.Lock.Redis.URL = ""
			},
			wantErr: "lock.redis.url",
		},
		{
			name: "postgres without url",
			mutate: func(c *Config) {
				c.Lock.Provider = LockProviderPostgres
			},
			wantErr: "lock.postgres.url",
		},
		{
			name: "mysql without dsn",
			mutate: func(c *Config) {
				c.Lock.Provider = LockProviderMySQL
			},
			wantErr: "lock.mysql.dsn",
		},
		{
			name: "non-positive ttl",
			mutate: func(c *Config) {
				c.Lock.Redis.URL = "redis://localhost:6379"
				c.Lock.TTL = 0
			},
			wantErr: "lock.ttl",
		},
		{
			name: "non-positive retry count",
			mutate: func(c *Config) {
				c.Lock.Redis.URL = "redis://localhost:6379"
				c.Lock.RetryCount = 0
			},
			wantErr: "lock.retry_count",
		},
		{
			name: "non-positive retry delay",
			mutate: func(c *Config) {
				c.Lock.Redis.URL = "redis://localhost:6379"
				c.Lock.RetryDelay = -time.Second
			},
			wantErr: "lock.retry_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Lock.Redis.URL = "redis://localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
