package migrationlock

import (
	"strings"
	"time"

	"github.com/kota-suzu/StockRx-sub003/pkg/health"
)

const defaultStoreHealthCheckName = "migration-lock-store"

// NewStoreHealthChecker creates a standard health checker for lock stores.
func NewStoreHealthChecker(name string, store Store, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultStoreHealthCheckName
	}
	return health.NewAdapterChecker(checkName, store, timeout)
}
