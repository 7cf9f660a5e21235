package migrationlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestPostgresStoreConfigNormalize(t *testing.T) {
	cfg := &PostgresStoreConfig{}
	cfg.normalize()

	if cfg.Table != "stockrx_migration_locks" {
		t.Errorf("expected default table, got %s", cfg.Table)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.OperationTimeout)
	}
}

func newPostgresTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := newPostgresStoreWithDB(db, PostgresStoreConfig{
		Table:            "stockrx_migration_locks",
		Environment:      "test",
		OperationTimeout: time.Second,
	}, &lockTestLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestPostgresStore_AcquirePurgesThenInserts(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("DELETE FROM stockrx_migration_locks WHERE migration_name = \\$1 AND expires_at <= NOW\\(\\)").
		WithArgs("migrate_v3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stockrx_migration_locks \\(migration_name, lock_value, host, pid, locked_at, expires_at\\)").
		WithArgs("migrate_v3", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease, acquired, err := store.Acquire(context.Background(), "migrate_v3", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock acquired")
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		t.Fatal("expected non-empty lease token")
	}
	if !lease.ExpireAt.After(lease.AcquiredAt) {
		t.Fatalf("expected expiry after acquisition, got %+v", lease)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_AcquireUniqueViolationMeansBusy(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("DELETE FROM stockrx_migration_locks WHERE migration_name = \\$1 AND expires_at <= NOW\\(\\)").
		WithArgs("migrate_v3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stockrx_migration_locks").
		WillReturnError(&pq.Error{Code: pq.ErrorCode(pgUniqueViolation)})

	lease, acquired, err := store.Acquire(context.Background(), "migrate_v3", time.Minute)
	if err != nil {
		t.Fatalf("expected busy, not an error: %v", err)
	}
	if acquired || lease != nil {
		t.Fatalf("expected not acquired (acquired=%v lease=%v)", acquired, lease)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_AcquireOtherInsertErrorsPropagate(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("DELETE FROM stockrx_migration_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stockrx_migration_locks").
		WillReturnError(errors.New("connection reset"))

	_, acquired, err := store.Acquire(context.Background(), "migrate_v3", time.Minute)
	if acquired {
		t.Fatal("expected not acquired")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPostgresStore_RenewAndRelease(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	lease := &Lease{Name: "migrate_v3", Token: "token-1"}

	mock.ExpectExec("UPDATE stockrx_migration_locks SET expires_at=\\$3 WHERE migration_name=\\$1 AND lock_value=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("migrate_v3", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Renew(context.Background(), lease, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if time.Until(lease.ExpireAt) <= 0 {
		t.Fatalf("expected lease expiry advanced, got %v", lease.ExpireAt)
	}

	mock.ExpectExec("DELETE FROM stockrx_migration_locks WHERE migration_name=\\$1 AND lock_value=\\$2").
		WithArgs("migrate_v3", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RenewRejectsMissingLeaseWithTypedConflict(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	lease := &Lease{Name: "migrate_v3", Token: "token-1"}

	mock.ExpectExec("UPDATE stockrx_migration_locks SET expires_at=\\$3 WHERE migration_name=\\$1 AND lock_value=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("migrate_v3", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Renew(context.Background(), lease, time.Minute)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresStore_ReleaseRejectsMissingLeaseWithTypedConflict(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	lease := &Lease{Name: "migrate_v3", Token: "token-1"}

	mock.ExpectExec("DELETE FROM stockrx_migration_locks WHERE migration_name=\\$1 AND lock_value=\\$2").
		WithArgs("migrate_v3", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Release(context.Background(), lease)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresStore_Locked(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM stockrx_migration_locks WHERE migration_name=\\$1 AND expires_at > NOW\\(\\)\\)").
		WithArgs("migrate_v3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	locked, err := store.Locked(context.Background(), "migrate_v3")
	if err != nil {
		t.Fatalf("locked: %v", err)
	}
	if !locked {
		t.Fatal("expected locked")
	}
}

func TestPostgresStore_InfoDecoratesStoredToken(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	token := newToken("test")
	lockedAt := time.Now().UTC().Add(-time.Minute)
	expiresAt := time.Now().UTC().Add(time.Minute)
	mock.ExpectQuery("SELECT lock_value, locked_at, expires_at FROM stockrx_migration_locks WHERE migration_name=\\$1 AND expires_at > NOW\\(\\)").
		WithArgs("migrate_v3").
		WillReturnRows(sqlmock.NewRows([]string{"lock_value", "locked_at", "expires_at"}).
			AddRow(token.serialize(), lockedAt, expiresAt))

	info, err := store.Info(context.Background(), "migrate_v3")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info == nil {
		t.Fatal("expected info for live lock")
	}
	if info.Token.LockID != token.LockID {
		t.Errorf("expected stored token decoded, got %+v", info.Token)
	}
	if info.TTL <= 0 || info.TTL > time.Minute {
		t.Errorf("expected remaining ttl within (0, 1m], got %v", info.TTL)
	}
}

func TestPostgresStore_InfoReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectQuery("SELECT lock_value, locked_at, expires_at FROM stockrx_migration_locks").
		WithArgs("migrate_v3").
		WillReturnRows(sqlmock.NewRows([]string{"lock_value", "locked_at", "expires_at"}))

	info, err := store.Info(context.Background(), "migrate_v3")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info for absent lock, got %+v", info)
	}
}

func TestPostgresStore_ListActive(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT migration_name, lock_value, locked_at, expires_at FROM stockrx_migration_locks WHERE expires_at > NOW\\(\\) ORDER BY locked_at").
		WillReturnRows(sqlmock.NewRows([]string{"migration_name", "lock_value", "locked_at", "expires_at"}).
			AddRow("migrate_v3", newToken("test").serialize(), now.Add(-2*time.Minute), now.Add(time.Minute)).
			AddRow("nightly_cleanup", newToken("test").serialize(), now.Add(-time.Minute), now.Add(2*time.Minute)))

	records, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Name != "migrate_v3" || records[1].Name != "nightly_cleanup" {
		t.Errorf("unexpected ordering: %q, %q", records[0].Name, records[1].Name)
	}
}

func TestPostgresStore_ForceReleaseIgnoresToken(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("DELETE FROM stockrx_migration_locks WHERE migration_name=\\$1").
		WithArgs("migrate_v3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ForceRelease(context.Background(), "migrate_v3"); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_EnsureSchemaIsIdempotentSQL(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stockrx_migration_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS stockrx_migration_locks_expires_at_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	_, err = newPostgresStoreWithDB(db, PostgresStoreConfig{
		Table: "locks; DROP TABLE users",
	}, &lockTestLogger{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPostgresStore_ValidatesArguments(t *testing.T) {
	store, _ := newPostgresTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Acquire(ctx, "  ", time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("acquire empty name: %v", err)
	}
	if _, _, err := store.Acquire(ctx, "migrate_v3", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("acquire zero ttl: %v", err)
	}
	if err := store.Renew(ctx, nil, time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("renew nil lease: %v", err)
	}
	if err := store.Release(ctx, &Lease{Name: "migrate_v3"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("release tokenless lease: %v", err)
	}

	var uninitialized *PostgresStore
	if _, err := uninitialized.Info(ctx, "migrate_v3"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("nil store info: %v", err)
	}
}
