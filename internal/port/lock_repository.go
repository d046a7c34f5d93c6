package port

import (
	"context"
	"time"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

type LockRepository interface {
	// LoadLock returns the lock row, or nil if the name was never locked.
	LoadLock(ctx context.Context, name string) (*domain.Lock, error)

	// UpsertLockIfExpired atomically claims name for holder until `until`
	// when no row exists or the stored lock_until is not after now. Reports
	// whether the claim succeeded.
	UpsertLockIfExpired(ctx context.Context, name, holder string, now, until time.Time) (bool, error)

	// ReleaseLock sets lock_until to newUntil, but only while the row is
	// still the lease described by holder and currentUntil.
	ReleaseLock(ctx context.Context, name, holder string, currentUntil, newUntil time.Time) (bool, error)
}
