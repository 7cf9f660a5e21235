package migrationlock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	migrationLockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockrx_migration_lock_acquire_total",
			Help: "Total number of migration lock acquire attempts",
		},
		[]string{"name", "status"},
	)

	migrationLockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockrx_migration_lock_renew_total",
			Help: "Total number of migration lock lease renewals",
		},
		[]string{"name", "status"},
	)

	migrationLockForceReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockrx_migration_lock_force_release_total",
			Help: "Total number of administrative force releases",
		},
		[]string{"name"},
	)

	migrationLockHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockrx_migration_lock_held",
			Help: "Locks currently held by this process",
		},
		[]string{"name"},
	)
)

func recordAcquire(name, status string) {
	migrationLockAcquireTotal.WithLabelValues(
		normalizeLockLabel(name),
		normalizeLockLabel(status),
	).Inc()
}

func recordRenew(name, status string) {
	migrationLockRenewTotal.WithLabelValues(
		normalizeLockLabel(name),
		normalizeLockLabel(status),
	).Inc()
}

func recordForceRelease(name string) {
	migrationLockForceReleaseTotal.WithLabelValues(normalizeLockLabel(name)).Inc()
}

func incrementHeldLocks(name string) {
	migrationLockHeld.WithLabelValues(normalizeLockLabel(name)).Inc()
}

func decrementHeldLocks(name string) {
	migrationLockHeld.WithLabelValues(normalizeLockLabel(name)).Dec()
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
