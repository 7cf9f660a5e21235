package migrationlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const (
	defaultPostgresLockTable = "stockrx_migration_locks"
	// defaultSQLOperationTimeout bounds single statements on both SQL backends.
	defaultSQLOperationTimeout = 3 * time.Second

	pgUniqueViolation = "23505"
)

var validLockTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures the database-backed lock store.
type PostgresStoreConfig struct {
	URL              string
	Table            string
	Environment      string
	OperationTimeout time.Duration
}

func (c *PostgresStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQLOperationTimeout
	}
}

// PostgresStore keeps one row per lock, guarded by a unique index on the
// migration name. Expired rows are purged lazily by the next acquirer.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStoreConfig
}

// NewPostgresStore connects to Postgres, ensures the lock table exists, and
// returns a database-backed lock store. Schema creation happens once here at
// construction, never on the acquire path.
func NewPostgresStore(cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validLockTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrUnavailable, "open postgres failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrUnavailable, "ping postgres failed"), err)
	}

	store := &PostgresStore{
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

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
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
	return &PostgresStore{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// EnsureSchema idempotently creates the lock table and its expiry index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	create := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	migration_name TEXT PRIMARY KEY,
	lock_value TEXT NOT NULL,
	host TEXT NOT NULL,
	pid INTEGER NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return errors.Join(lockError(ErrUnavailable, "ensure lock table failed"), err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at)`, s.config.Table, s.config.Table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return errors.Join(lockError(ErrUnavailable, "ensure lock index failed"), err)
	}
	return nil
}

// Acquire purges an expired row for name, then inserts a fresh record. A
// uniqueness violation on insert means another holder is live (or a racing
// acquirer won); both read as "not acquired", the caller retries.
func (s *PostgresStore) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, lockError(ErrNotInitialized, "postgres lock store is not initialized")
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
	expiresAt := time.Now().UTC().Add(ttl)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	purge := fmt.Sprintf(`DELETE FROM %s WHERE migration_name = $1 AND expires_at <= NOW()`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, purge, name); err != nil {
		return nil, false, errors.Join(lockError(ErrUnavailable, "purge expired lock failed"), err)
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (migration_name, lock_value, host, pid, locked_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, insert, name, value, token.Host, token.PID, token.AcquiredAt, expiresAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
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

// Renew extends the row expiry when the stored token matches. The token-guarded
// UPDATE is atomic in the engine, so no read-then-write window exists.
func (s *PostgresStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET expires_at=$3 WHERE migration_name=$1 AND lock_value=$2 AND expires_at > NOW()`, s.config.Table)
	expiresAt := time.Now().UTC().Add(ttl)
	result, err := s.db.ExecContext(opCtx, query, lease.Name, lease.Token, expiresAt)
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
func (s *PostgresStore) Release(ctx context.Context, lease *Lease) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE migration_name=$1 AND lock_value=$2`, s.config.Table)
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
func (s *PostgresStore) Locked(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE migration_name=$1 AND expires_at > NOW())`, s.config.Table)
	var locked bool
	if err := s.db.QueryRowContext(opCtx, query, name).Scan(&locked); err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "check lock failed"), err)
	}
	return locked, nil
}

// Info returns the live row for name, or nil when absent or expired.
func (s *PostgresStore) Info(ctx context.Context, name string) (*Info, error) {
	if s == nil || s.db == nil {
		return nil, lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT lock_value, locked_at, expires_at FROM %s WHERE migration_name=$1 AND expires_at > NOW()`, s.config.Table)

	var (
		value     string
		lockedAt  time.Time
		expiresAt time.Time
	)
	if err := s.db.QueryRowContext(opCtx, query, name).Scan(&value, &lockedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Join(lockError(ErrUnavailable, "read lock info failed"), err)
	}

	return buildInfo(name, value, lockedAt, expiresAt), nil
}

// ListActive returns every non-expired row ordered by acquisition time.
func (s *PostgresStore) ListActive(ctx context.Context) ([]Info, error) {
	if s == nil || s.db == nil {
		return nil, lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT migration_name, lock_value, locked_at, expires_at FROM %s WHERE expires_at > NOW() ORDER BY locked_at`, s.config.Table)
	rows, err := s.db.QueryContext(opCtx, query)
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
func (s *PostgresStore) ForceRelease(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE migration_name=$1`, s.config.Table)
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
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return lockError(ErrNotInitialized, "postgres lock store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrUnavailable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func buildInfo(name, value string, lockedAt, expiresAt time.Time) *Info {
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return &Info{
		Name:      name,
		Token:     parseToken(value),
		LockedAt:  lockedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
		TTL:       remaining,
	}
}
