package migrationlock

import (
	"context"
	"errors"
	"time"

	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const minRenewInterval = 100 * time.Millisecond

// leaseMonitor renews a held lease in the background while the protected
// function runs. A failed renewal is reported and counted but never aborts
// the caller: the running migration keeps going on a possibly stolen lease,
// which operators are warned about through logs and metrics.
type leaseMonitor struct {
	store    Store
	lease    *Lease
	ttl      time.Duration
	interval time.Duration
	log      logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// startLeaseMonitor begins renewing lease every ttl/3 until stop is called.
func startLeaseMonitor(store Store, lease *Lease, ttl time.Duration, log logger.Logger) *leaseMonitor {
	interval := ttl / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &leaseMonitor{
		store:    store,
		lease:    lease,
		ttl:      ttl,
		interval: interval,
		log:      log,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

func (m *leaseMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Renew(ctx, m.lease, m.ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrConflict) {
					m.log.Warn("migration lock lease was reassigned, protected operation keeps running",
						"name", m.lease.Name, "error", err)
					recordRenew(m.lease.Name, "rejected")
					continue
				}
				m.log.Error("migration lock renew failed", "name", m.lease.Name, "error", err)
				recordRenew(m.lease.Name, "error")
				continue
			}
			recordRenew(m.lease.Name, "ok")
		}
	}
}

// stop cancels renewal and waits for the loop to exit. Stopping does not
// depend on the protected function's cooperation.
func (m *leaseMonitor) stop() {
	if m == nil {
		return
	}
	m.cancel()
	<-m.done
}
