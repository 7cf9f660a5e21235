package migrationlock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config validation failures.
	ErrValidation = errors.New("migrationlock validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("migrationlock invalid argument")
	// ErrNotInitialized classifies operations on uninitialized components.
	ErrNotInitialized = errors.New("migrationlock not initialized")
	// ErrUnavailable classifies unreachable lock backends. It is never folded
	// into "not locked": treating an unreachable backend as unlocked would
	// break mutual exclusion.
	ErrUnavailable = errors.New("migrationlock backend unavailable")
	// ErrConflict classifies token-guarded renew/release rejections: the
	// record is absent or held under a different token.
	ErrConflict = errors.New("migrationlock conflict")
	// ErrLockTimeout classifies an acquisition that exhausted its retries.
	ErrLockTimeout = errors.New("migrationlock acquisition timed out")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
