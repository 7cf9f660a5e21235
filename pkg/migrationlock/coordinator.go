package migrationlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const (
	// DefaultTTL is the lease duration handed to the store on each acquire
	// attempt. Total wall-clock time of WithLock can exceed it under retries.
	DefaultTTL = 5 * time.Minute
	// DefaultRetryCount bounds acquire attempts before giving up.
	DefaultRetryCount = 3
	// DefaultRetryDelay is the fixed sleep between acquire attempts.
	DefaultRetryDelay = time.Second

	releaseTimeout = 10 * time.Second
)

// Options controls one WithLock invocation. Zero values fall back to the
// package defaults.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

func (o *Options) normalize() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryCount <= 0 {
		o.RetryCount = DefaultRetryCount
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

// Coordinator is the public entry point of the migration lock subsystem. It
// owns the acquire/retry loop and the lease monitor lifecycle, and guarantees
// release on every exit path of the protected function. Mutual exclusion
// itself comes entirely from the store's atomic primitives; the coordinator
// holds no shared state.
type Coordinator struct {
	store Store
	log   logger.Logger
}

// NewCoordinator creates a coordinator on top of a configured store.
func NewCoordinator(store Store, log logger.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, lockError(ErrInvalidArgument, "lock store is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	return &Coordinator{
		store: store,
		log:   log,
	}, nil
}

// WithLock runs fn while holding the named lock. The lock is acquired with
// opts.TTL and renewed in the background until fn returns; it is released
// exactly once per successful acquisition, whether fn returns normally,
// returns an error, or panics. When every attempt finds the lock held,
// WithLock returns an error wrapping ErrLockTimeout and fn never runs.
func (c *Coordinator) WithLock(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	if c == nil || c.store == nil {
		return lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return lockError(ErrInvalidArgument, "lock name is required")
	}
	if fn == nil {
		return lockError(ErrInvalidArgument, "protected function is required")
	}
	opts.normalize()

	lease, err := c.acquireWithRetry(ctx, name, opts)
	if err != nil {
		return err
	}

	c.log.Debug("migration lock acquired",
		"name", name,
		"ttl", opts.TTL,
		"expires_at", lease.ExpireAt,
	)
	incrementHeldLocks(name)

	monitor := startLeaseMonitor(c.store, lease, opts.TTL, c.log)
	defer func() {
		monitor.stop()
		c.releaseLease(lease)
		decrementHeldLocks(name)
	}()

	return fn(ctx)
}

// Locked reports whether the named lock is currently held by anyone.
func (c *Coordinator) Locked(ctx context.Context, name string) (bool, error) {
	if c == nil || c.store == nil {
		return false, lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	return c.store.Locked(ctx, name)
}

// Info returns the live lock record for name, or nil when not held.
func (c *Coordinator) Info(ctx context.Context, name string) (*Info, error) {
	if c == nil || c.store == nil {
		return nil, lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	return c.store.Info(ctx, name)
}

// ActiveLocks returns every currently held lock, for dashboards and tooling.
func (c *Coordinator) ActiveLocks(ctx context.Context) ([]Info, error) {
	if c == nil || c.store == nil {
		return nil, lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	return c.store.ListActive(ctx)
}

// ForceRelease removes the named lock without checking ownership. Intended
// for manual incident recovery only; the store logs it at warning level.
func (c *Coordinator) ForceRelease(ctx context.Context, name string) error {
	if c == nil || c.store == nil {
		return lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	return c.store.ForceRelease(ctx, name)
}

func (c *Coordinator) acquireWithRetry(ctx context.Context, name string, opts Options) (*Lease, error) {
	for attempt := 1; ; attempt++ {
		lease, acquired, err := c.store.Acquire(ctx, name, opts.TTL)
		if err != nil {
			// Backend failures propagate as-is: an unreachable store must
			// never read as "unlocked".
			recordAcquire(name, "error")
			return nil, err
		}
		if acquired {
			recordAcquire(name, "acquired")
			return lease, nil
		}
		recordAcquire(name, "busy")

		if attempt >= opts.RetryCount {
			recordAcquire(name, "timeout")
			return nil, lockError(ErrLockTimeout,
				fmt.Sprintf("lock %q not acquired after %d attempts", name, opts.RetryCount))
		}

		c.log.Debug("migration lock busy, retrying",
			"name", name,
			"attempt", attempt,
			"retry_delay", opts.RetryDelay,
		)
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// releaseLease runs on a fresh context so release still happens when the
// caller's context is already cancelled.
func (c *Coordinator) releaseLease(lease *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	err := c.store.Release(ctx, lease)
	if err == nil {
		c.log.Debug("migration lock released", "name", lease.Name)
		return
	}
	if errors.Is(err, ErrConflict) {
		// The lease expired and was reassigned while fn ran. The work is
		// already done on its own terms, so this is a warning, not a failure.
		c.log.Warn("migration lock was no longer owned at release",
			"name", lease.Name, "error", err)
		return
	}
	c.log.Error("migration lock release failed", "name", lease.Name, "error", err)
}
