package migrationlock

import (
	"context"
	"encoding/json"
	"time"
)

// Lease is the explicit ownership handle returned by a successful Acquire.
// Name and Token are immutable for the lifetime of one acquisition; only the
// holder of the lease may renew or release the underlying record.
type Lease struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	ExpireAt   time.Time
}

// Info describes a currently held migration lock.
type Info struct {
	Name      string    `json:"name"`
	Token     Token     `json:"token"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// TTL is the remaining lease duration at the time Info was read.
	TTL time.Duration `json:"-"`
}

// MarshalJSON emits the remaining lease as whole seconds. A raw Duration
// would serialize as nanoseconds, which dashboard consumers reading
// ttl_seconds would misinterpret.
func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name       string    `json:"name"`
		Token      Token     `json:"token"`
		LockedAt   time.Time `json:"locked_at"`
		ExpiresAt  time.Time `json:"expires_at"`
		TTLSeconds int64     `json:"ttl_seconds"`
	}{
		Name:       i.Name,
		Token:      i.Token,
		LockedAt:   i.LockedAt,
		ExpiresAt:  i.ExpiresAt,
		TTLSeconds: int64(i.TTL.Round(time.Second).Seconds()),
	})
}

// Store persists migration lock records. At most one live record may exist per
// name at any instant; every mutating operation is a single atomic operation
// at the storage layer.
type Store interface {
	// Acquire creates a lock record for name iff none is currently live.
	// The second return value reports whether the lock was acquired; a held
	// lock is not an error.
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error)

	// Renew extends the record expiry iff the stored token matches the lease
	// token. Returns an error wrapping ErrConflict when the record is absent
	// or owned by someone else.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release deletes the record iff the stored token matches the lease
	// token. Returns an error wrapping ErrConflict otherwise.
	Release(ctx context.Context, lease *Lease) error

	// Locked reports whether a live record exists for name.
	Locked(ctx context.Context, name string) (bool, error)

	// Info returns the live record for name, or nil when absent.
	Info(ctx context.Context, name string) (*Info, error)

	// ListActive returns every live record, for operations dashboards.
	ListActive(ctx context.Context) ([]Info, error)

	// ForceRelease deletes the record without a token check. It bypasses the
	// ownership invariant and is logged at warning level.
	ForceRelease(ctx context.Context, name string) error

	// HealthCheck verifies backend connectivity.
	HealthCheck(ctx context.Context) error

	Close() error
}
