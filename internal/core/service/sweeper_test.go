package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

func TestSweepTimeouts_CancelsExpiredOrders(t *testing.T) {
	env := newTestEnv(t)
	now := testStart.Add(time.Hour)
	env.clock.Set(now)
	env.seedOrder(t, "ORD-OLD", domain.StatusPendingPayment, now.Add(-31*time.Minute))
	env.seedOrder(t, "ORD-NEW", domain.StatusPendingPayment, now.Add(-5*time.Minute))

	report, err := env.sweeper.SweepTimeouts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Candidates != 1 || report.Succeeded != 1 {
		t.Errorf("unexpected report %s", report)
	}

	if got := env.order(t, "ORD-OLD").Status; got != domain.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got)
	}
	if got := env.order(t, "ORD-NEW").Status; got != domain.StatusPendingPayment {
		t.Errorf("expected fresh order untouched, got %s", got)
	}

	entries := env.entries(t, "ORD-OLD")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Event != domain.EventCancel || entries[0].Operator != domain.OperatorSystem {
		t.Errorf("expected CANCEL by system, got %s by %s", entries[0].Event, entries[0].Operator)
	}
}

func TestSweepTicketing_IssuesTicket(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, "ORD-1", domain.StatusPaid, testStart)

	report, err := env.sweeper.SweepTicketing(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("unexpected report %s", report)
	}

	order := env.order(t, "ORD-1")
	if order.Status != domain.StatusTicketed {
		t.Errorf("expected TICKETED, got %s", order.Status)
	}
	if order.Seat != "14C" {
		t.Errorf("expected seat 14C, got %q", order.Seat)
	}
}

func TestSweepRetries_RecoversAfterNoSeat(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, "ORD-1", domain.StatusPaid, testStart)
	env.gateway.setIssue(failWith(domain.FailureNoSeatAvailable))

	report, err := env.sweeper.SweepTicketing(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected the gateway failure to be counted, got %s", report)
	}
	if got := env.order(t, "ORD-1").Status; got != domain.StatusTicketingFailed {
		t.Fatalf("expected TICKETING_FAILED, got %s", got)
	}

	env.gateway.setIssue(nil)
	env.clock.Advance(30 * time.Minute)
	if _, err := env.sweeper.SweepRetries(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.order(t, "ORD-1").Status; got != domain.StatusTicketed {
		t.Errorf("expected TICKETED after retry, got %s", got)
	}

	retries, err := env.history.RetryCount(context.Background(), "ORD-1")
	if err != nil || retries != 1 {
		t.Errorf("expected retry count 1, got %d (%v)", retries, err)
	}
	if got := domain.ReplayStatus(env.entries(t, "ORD-1")); got != domain.StatusTicketed {
		t.Errorf("replayed history gives %s", got)
	}
}

func TestSweepRetries_StopsAtRetryLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, "ORD-1", domain.StatusTicketingFailed, testStart)
	for i := 0; i < 3; i++ {
		err := env.history.Append(context.Background(), &domain.HistoryEntry{
			OrderID:    "ORD-1",
			FromStatus: domain.StatusTicketingFailed,
			ToStatus:   domain.StatusTicketingInProgress,
			Event:      domain.EventRetryTicketing,
			Operator:   domain.OperatorSystem,
			Success:    true,
		})
		if err != nil {
			t.Fatalf("seed history failed: %v", err)
		}
	}

	report, err := env.sweeper.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("expected 1 skipped order, got %s", report)
	}
	if env.gateway.callCount() != 0 {
		t.Error("expected no gateway call past the retry limit")
	}
	if got := env.order(t, "ORD-1").Status; got != domain.StatusTicketingFailed {
		t.Errorf("expected order to stay TICKETING_FAILED, got %s", got)
	}
}

func TestSweepRetries_SkipsNonRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, "ORD-1", domain.StatusPaid, testStart)
	env.gateway.setIssue(failWith(domain.FailureInvalidPassenger))

	if _, err := env.sweeper.SweepTicketing(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.gateway.setIssue(nil)

	report, err := env.sweeper.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 || env.gateway.callCount() != 1 {
		t.Errorf("expected INVALID_PASSENGER to be left for manual handling, report %s, calls %d", report, env.gateway.callCount())
	}
}

func TestDetectStuck_LogsWithoutTransition(t *testing.T) {
	env := newTestEnv(t)
	now := testStart.Add(time.Hour)
	env.clock.Set(now)
	env.seedOrder(t, "ORD-STUCK", domain.StatusTicketingInProgress, now.Add(-11*time.Minute))
	env.seedOrder(t, "ORD-BUSY", domain.StatusTicketingInProgress, now.Add(-2*time.Minute))

	report, err := env.sweeper.DetectStuck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Flagged != 1 {
		t.Errorf("expected 1 flagged order, got %s", report)
	}
	if got := env.order(t, "ORD-STUCK").Status; got != domain.StatusTicketingInProgress {
		t.Errorf("expected status unchanged, got %s", got)
	}
	if n := len(env.entries(t, "ORD-STUCK")); n != 0 {
		t.Errorf("expected no history for a detection run, got %d", n)
	}
	if got := testutil.ToFloat64(env.metrics.StuckOrders); got != 1 {
		t.Errorf("expected stuck_orders = 1, got %v", got)
	}
}

func TestSweep_PerOrderFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	now := testStart.Add(time.Hour)
	env.clock.Set(now)
	for i := 1; i <= 3; i++ {
		env.seedOrder(t, fmt.Sprintf("ORD-%d", i), domain.StatusPendingPayment, now.Add(-time.Hour))
	}
	if _, ok, _ := env.locks.TryAcquire(context.Background(), domain.OrderLockName("ORD-2"), "user@elsewhere", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	report, err := env.sweeper.SweepTimeouts(context.Background())
	if err != nil {
		t.Fatalf("a locked order must not abort the sweep: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("unexpected report %s", report)
	}
	if got := env.order(t, "ORD-2").Status; got != domain.StatusPendingPayment {
		t.Errorf("expected locked order untouched, got %s", got)
	}
}

func TestSweep_BoundedConcurrency(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.sweep.Concurrency = 2 })
	for i := 0; i < 8; i++ {
		env.seedOrder(t, fmt.Sprintf("ORD-%d", i), domain.StatusPaid, testStart)
	}
	env.gateway.setIssue(func(ctx context.Context, order *domain.Order) (domain.Ticket, error) {
		time.Sleep(10 * time.Millisecond)
		return domain.Ticket{Number: "TK-" + order.ID, Seat: "1A"}, nil
	})

	report, err := env.sweeper.SweepTicketing(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 8 {
		t.Errorf("unexpected report %s", report)
	}
	if peak := env.gateway.maxFlight.Load(); peak > 2 {
		t.Errorf("expected at most 2 concurrent gateway calls, got %d", peak)
	}
}

// failingOrders simulates a storage outage.
type failingOrders struct {
	port.OrderRepository
	failQuery bool
	failSave  bool
}

func (r failingOrders) FindByStatus(ctx context.Context, status domain.OrderStatus, changedBefore time.Time, limit int) ([]domain.Order, error) {
	if r.failQuery {
		return nil, errors.New("connection refused")
	}
	return r.OrderRepository.FindByStatus(ctx, status, changedBefore, limit)
}

func (r failingOrders) SaveIfStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	if r.failSave {
		return errors.New("connection refused")
	}
	return r.OrderRepository.SaveIfStatus(ctx, order, expected)
}

func TestSweep_StorageFailureAborts(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.orders = func(repo port.OrderRepository) port.OrderRepository { return failingOrders{OrderRepository: repo, failQuery: true} }
	})

	if _, err := env.sweeper.SweepTimeouts(context.Background()); !errors.Is(err, domain.ErrStorage) {
		t.Errorf("expected ErrStorage from the candidate query, got %v", err)
	}
	if _, err := env.sweeper.DetectStuck(context.Background()); !errors.Is(err, domain.ErrStorage) {
		t.Errorf("expected ErrStorage from stuck detection, got %v", err)
	}
}

func TestSweep_StorageFailureDuringProcessingAborts(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.orders = func(repo port.OrderRepository) port.OrderRepository { return failingOrders{OrderRepository: repo, failSave: true} }
		o.sweep.Concurrency = 1
	})
	now := testStart.Add(time.Hour)
	env.clock.Set(now)
	for i := 1; i <= 3; i++ {
		env.seedOrder(t, fmt.Sprintf("ORD-%d", i), domain.StatusPendingPayment, now.Add(-time.Hour))
	}

	report, err := env.sweeper.SweepTimeouts(context.Background())
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if report.Succeeded != 0 || report.Failed < 1 {
		t.Errorf("unexpected report %s", report)
	}
}
