package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLeaseLost       = errors.New("lock lease no longer held")
)

// LockCoordinator grants named TTL leases backed by a LockRepository.
// Acquisition never blocks: a caller that loses the race yields to its
// next cycle.
type LockCoordinator struct {
	repo    port.LockRepository
	clock   clock.Clock
	metrics *Metrics
	logger  zerolog.Logger
}

func NewLockCoordinator(repo port.LockRepository, clk clock.Clock, metrics *Metrics, logger zerolog.Logger) *LockCoordinator {
	return &LockCoordinator{
		repo:    repo,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With().Str("component", "locks").Logger(),
	}
}

// now is truncated to the storage precision so a handle's Until compares
// equal to the stored lock_until on release.
func (c *LockCoordinator) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Microsecond)
}

func (c *LockCoordinator) TryAcquire(ctx context.Context, name, holder string, lease time.Duration) (domain.LockHandle, bool, error) {
	if lease <= 0 {
		return domain.LockHandle{}, false, errors.Errorf("lock %s: non-positive lease %s", name, lease)
	}

	now := c.now()
	until := now.Add(lease)
	ok, err := c.repo.UpsertLockIfExpired(ctx, name, holder, now, until)
	if err != nil {
		c.metrics.LockAcquisitions.WithLabelValues(lockScope(name), "error").Inc()
		return domain.LockHandle{}, false, errors.Wrapf(err, "acquire lock %s", name)
	}
	if !ok {
		c.metrics.LockAcquisitions.WithLabelValues(lockScope(name), "busy").Inc()
		return domain.LockHandle{}, false, nil
	}

	c.metrics.LockAcquisitions.WithLabelValues(lockScope(name), "acquired").Inc()
	return domain.LockHandle{Name: name, Holder: holder, LockedAt: now, Until: until}, true, nil
}

// Release makes the lock immediately acquirable again.
func (c *LockCoordinator) Release(ctx context.Context, handle domain.LockHandle) error {
	return c.ReleaseAfter(ctx, handle, 0)
}

// ReleaseAfter ends the lease no earlier than LockedAt+atLeast. Returns
// ErrLeaseLost when the lease expired and was taken by someone else.
func (c *LockCoordinator) ReleaseAfter(ctx context.Context, handle domain.LockHandle, atLeast time.Duration) error {
	newUntil := c.now()
	if floor := handle.LockedAt.Add(atLeast); floor.After(newUntil) {
		newUntil = floor
	}
	if !newUntil.Before(handle.Until) {
		return nil
	}

	ok, err := c.repo.ReleaseLock(ctx, handle.Name, handle.Holder, handle.Until, newUntil)
	if err != nil {
		return errors.Wrapf(err, "release lock %s", handle.Name)
	}
	if !ok {
		return errors.Wrapf(ErrLeaseLost, "release lock %s held by %s", handle.Name, handle.Holder)
	}
	return nil
}

func (c *LockCoordinator) IsLocked(ctx context.Context, name string) (bool, error) {
	lock, err := c.repo.LoadLock(ctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "load lock %s", name)
	}
	return lock.Held(c.now()), nil
}

// WithLock runs fn while holding name. The lease is released on every exit
// path, panics included, with lock-at-least-for applied. Returns
// ErrLockNotAcquired without calling fn when the lock is busy.
func (c *LockCoordinator) WithLock(ctx context.Context, name, holder string, lease, atLeast time.Duration, fn func(ctx context.Context) error) error {
	handle, ok, err := c.TryAcquire(ctx, name, holder, lease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		if err := c.ReleaseAfter(context.WithoutCancel(ctx), handle, atLeast); err != nil {
			c.logger.Warn().Err(err).Str("lock", name).Msg("release failed, lease will expire")
		}
	}()

	return fn(ctx)
}
