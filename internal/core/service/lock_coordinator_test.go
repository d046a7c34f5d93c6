package service

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

func TestTryAcquire_ExclusiveUntilLeaseExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	name := domain.OrderLockName("ORD-1")

	handle, ok, err := env.locks.TryAcquire(ctx, name, "a@1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}
	if !handle.Until.Equal(testStart.Add(10 * time.Second)) {
		t.Errorf("expected lease until %v, got %v", testStart.Add(10*time.Second), handle.Until)
	}

	if _, ok, _ := env.locks.TryAcquire(ctx, name, "b@2", 10*time.Second); ok {
		t.Fatal("expected second holder to be rejected")
	}

	env.clock.Advance(10*time.Second - time.Microsecond)
	if _, ok, _ := env.locks.TryAcquire(ctx, name, "b@2", 10*time.Second); ok {
		t.Fatal("lock must not be acquirable before the lease passes")
	}

	env.clock.Advance(time.Microsecond)
	if _, ok, _ := env.locks.TryAcquire(ctx, name, "b@2", 10*time.Second); !ok {
		t.Fatal("lock must be acquirable once the lease has passed")
	}

	if got := testutil.ToFloat64(env.metrics.LockAcquisitions.WithLabelValues("order", "busy")); got != 2 {
		t.Errorf("expected 2 busy attempts, got %v", got)
	}
}

func TestRelease_MakesLockAcquirable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	handle, _, _ := env.locks.TryAcquire(ctx, "processTicketing", "a@1", time.Minute)
	if err := env.locks.Release(ctx, handle); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	locked, err := env.locks.IsLocked(ctx, "processTicketing")
	if err != nil || locked {
		t.Errorf("expected unlocked after release, got locked=%v err=%v", locked, err)
	}
	if _, ok, _ := env.locks.TryAcquire(ctx, "processTicketing", "b@2", time.Minute); !ok {
		t.Error("expected immediate re-acquisition")
	}
}

func TestReleaseAfter_KeepsLockAtLeastFor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	handle, _, _ := env.locks.TryAcquire(ctx, "checkTimeoutOrders", "a@1", 50*time.Second)
	env.clock.Advance(time.Second)
	if err := env.locks.ReleaseAfter(ctx, handle, 5*time.Second); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if locked, _ := env.locks.IsLocked(ctx, "checkTimeoutOrders"); !locked {
		t.Fatal("expected lock to be held for the at-least period")
	}
	env.clock.Advance(4 * time.Second)
	if locked, _ := env.locks.IsLocked(ctx, "checkTimeoutOrders"); locked {
		t.Error("expected lock to lapse at lockedAt + atLeast")
	}
}

func TestRelease_DoesNotClobberNewHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	name := domain.OrderLockName("ORD-1")

	stale, _, _ := env.locks.TryAcquire(ctx, name, "a@1", 5*time.Second)
	env.clock.Advance(6 * time.Second)
	if _, ok, _ := env.locks.TryAcquire(ctx, name, "b@2", 30*time.Second); !ok {
		t.Fatal("expected takeover after expiry")
	}

	if err := env.locks.Release(ctx, stale); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}
	if locked, _ := env.locks.IsLocked(ctx, name); !locked {
		t.Error("stale release must not free the new holder's lease")
	}
}

func TestTryAcquire_RejectsNonPositiveLease(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.locks.TryAcquire(context.Background(), "x", "a@1", 0); err == nil {
		t.Error("expected error for zero lease")
	}
}

func TestWithLock_BusyLockSkipsFn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.locks.TryAcquire(ctx, "detectStuckOrders", "other@2", time.Minute)

	called := false
	err := env.locks.WithLock(ctx, "detectStuckOrders", "a@1", time.Minute, 0, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Errorf("expected ErrLockNotAcquired, got %v", err)
	}
	if called {
		t.Error("fn must not run without the lock")
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := env.locks.WithLock(ctx, "job", "a@1", time.Minute, 0, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
	if locked, _ := env.locks.IsLocked(ctx, "job"); locked {
		t.Error("expected lock released after error")
	}
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		env.locks.WithLock(ctx, "job", "a@1", time.Minute, 0, func(context.Context) error {
			panic("handler bug")
		})
	}()

	if locked, _ := env.locks.IsLocked(ctx, "job"); locked {
		t.Error("expected lock released after panic")
	}
}
