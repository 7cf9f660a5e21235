package migrationlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const (
	defaultMySQLLockTable = "stockrx_migration_locks"

	mysqlDuplicateEntry = 1062
)

// MySQLStoreConfig configures the MySQL-backed lock store.
type MySQLStoreConfig struct {
	DSN              string
	Table            string
	Environment      string
	OperationTimeout time.Duration
}

func (c *MySQLStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultMySQLLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQLOperationTimeout
	}
}

// MySQLStore is the MySQL flavor of the database-backed lock store. It carries
// the same row-per-lock contract as PostgresStore; expiry comparisons use
// UTC timestamps passed from the client so the session time zone never
// influences liveness.
type MySQLStore struct {
	db     *sql.DB
	log    logger.Logger
	config MySQLStoreConfig
}

// NewMySQLStore connects to MySQL, ensures the lock table exists, and returns
// a database-backed lock store.
func NewMySQLStore(cfg MySQLStoreConfig, log logger.Logger) (*MySQLStore, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, lockError(ErrInvalidArgument, "mysql dsn is required")
	}
	cfg.normalize()
	if !validLockTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, errors.Join(lockError(ErrUnavailable, "open mysql failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrUnavailable, "ping mysql failed"), err)
	}

	store := &MySQLStore{
		db:     db,
		log:    log,
		config: cfg,
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newMySQLStoreWithDB(db *sql.DB, cfg MySQLStoreConfig, log logger.Logger) (*MySQLStore, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validLockTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}
	return &MySQLStore{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// EnsureSchema idempotently creates the lock table with its expiry index.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	create := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	migration_name VARCHAR(255) NOT NULL PRIMARY KEY,
	lock_value TEXT NOT NULL,
	host VARCHAR(255) NOT NULL,
	pid INT NOT NULL,
	locked_at DATETIME(6) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	KEY %s_expires_at_idx (expires_at)
) ENGINE=InnoDB`, s.config.Table, s.config.Table)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return errors.Join(lockError(ErrUnavailable, "ensure lock table failed"), err)
	}
	return nil
}

// Acquire purges an expired row for name, then inserts a fresh record.
// Duplicate-entry on insert reads as "not acquired".
func (s *MySQLStore) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock name is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := newToken(s.config.Environment)
	value := token.serialize()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	purge := fmt.Sprintf(`DELETE FROM %s WHERE migration_name = ? AND expires_at <= ?`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, purge, name, now); err != nil {
		return nil, false, errors.Join(lockError(ErrUnavailable, "purge expired lock failed"), err)
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (migration_name, lock_value, host, pid, locked_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, insert, name, value, token.Host, token.PID, token.AcquiredAt, expiresAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return nil, false, nil
		}
		return nil, false, errors.Join(lockError(ErrUnavailable, "acquire lock failed"), err)
	}

	return &Lease{
		Name:       name,
		Token:      value,
		AcquiredAt: token.AcquiredAt,
		ExpireAt:   expiresAt,
	}, true, nil
}

// Renew extends the row expiry when the stored token matches.
func (s *MySQLStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at=? WHERE migration_name=? AND lock_value=? AND expires_at > ?`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, expiresAt, lease.Name, lease.Token, now)
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "renew lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "renew lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the row when the stored token matches.
func (s *MySQLStore) Release(ctx context.Context, lease *Lease) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE migration_name=? AND lock_value=?`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, lease.Name, lease.Token)
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "release lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "release lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

// Locked reports whether a non-expired row exists for name.
func (s *MySQLStore) Locked(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE migration_name=? AND expires_at > ?)`, s.config.Table)
	var locked bool
	if err := s.db.QueryRowContext(opCtx, query, name, time.Now().UTC()).Scan(&locked); err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "check lock failed"), err)
	}
	return locked, nil
}

// Info returns the live row for name, or nil when absent or expired.
func (s *MySQLStore) Info(ctx context.Context, name string) (*Info, error) {
	if s == nil || s.db == nil {
		return nil, lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT lock_value, locked_at, expires_at FROM %s WHERE migration_name=? AND expires_at > ?`, s.config.Table)

	var (
		value     string
		lockedAt  time.Time
		expiresAt time.Time
	)
	if err := s.db.QueryRowContext(opCtx, query, name, time.Now().UTC()).Scan(&value, &lockedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Join(lockError(ErrUnavailable, "read lock info failed"), err)
	}
	return buildInfo(name, value, lockedAt, expiresAt), nil
}

// ListActive returns every non-expired row ordered by acquisition time.
func (s *MySQLStore) ListActive(ctx context.Context) ([]Info, error) {
	if s == nil || s.db == nil {
		return nil, lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT migration_name, lock_value, locked_at, expires_at FROM %s WHERE expires_at > ? ORDER BY locked_at`, s.config.Table)
	rows, err := s.db.QueryContext(opCtx, query, time.Now().UTC())
	if err != nil {
		return nil, errors.Join(lockError(ErrUnavailable, "list locks failed"), err)
	}
	defer rows.Close()

	var records []Info
	for rows.Next() {
		var (
			name      string
			value     string
			lockedAt  time.Time
			expiresAt time.Time
		)
		if err := rows.Scan(&name, &value, &lockedAt, &expiresAt); err != nil {
			return nil, errors.Join(lockError(ErrUnavailable, "scan lock row failed"), err)
		}
		records = append(records, *buildInfo(name, value, lockedAt, expiresAt))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(lockError(ErrUnavailable, "iterate lock rows failed"), err)
	}
	return records, nil
}

// ForceRelease deletes the row without a token check.
func (s *MySQLStore) ForceRelease(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE migration_name=?`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, name)
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "force release failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "force release failed"), err)
	}
	s.log.Warn("migration lock force released, ownership token was not checked",
		"name", name,
		"existed", affected > 0,
	)
	recordForceRelease(name)
	return nil
}

// HealthCheck verifies database connectivity.
func (s *MySQLStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "mysql lock store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrUnavailable, "mysql healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
