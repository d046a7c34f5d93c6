package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

const (
	JobCheckTimeoutOrders   = "checkTimeoutOrders"
	JobProcessTicketing     = "processTicketing"
	JobRetryFailedTicketing = "retryFailedTicketing"
	JobDetectStuckOrders    = "detectStuckOrders"
)

type SweepConfig struct {
	OrderTimeout        time.Duration
	StuckThreshold      time.Duration
	MaxTicketingRetries int
	Concurrency         int
	BatchSize           int
}

// SweepReport summarizes one sweep. Failed candidates were logged; Flagged
// counts orders only reported for alerting.
type SweepReport struct {
	Job        string
	Candidates int
	Succeeded  int
	Failed     int
	Skipped    int
	Flagged    int
}

// Sweeper runs the periodic order sweeps. Each sweep reads its candidates
// with one query and hands them to the reconciler on a bounded pool.
type Sweeper struct {
	orders     port.OrderRepository
	reconciler *OrderReconciler
	history    *OrderStateHistory
	clock      clock.Clock
	metrics    *Metrics
	logger     zerolog.Logger
	tracer     trace.Tracer
	cfg        SweepConfig
}

func NewSweeper(
	orders port.OrderRepository,
	reconciler *OrderReconciler,
	history *OrderStateHistory,
	clk clock.Clock,
	metrics *Metrics,
	logger zerolog.Logger,
	cfg SweepConfig,
) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Sweeper{
		orders:     orders,
		reconciler: reconciler,
		history:    history,
		clock:      clk,
		metrics:    metrics,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		tracer:     reconciler.tracer,
		cfg:        cfg,
	}
}

type candidateResult int

const (
	candidateDone candidateResult = iota
	candidateSkipped
)

// SweepTimeouts cancels orders left in PENDING_PAYMENT beyond the order
// timeout.
func (s *Sweeper) SweepTimeouts(ctx context.Context) (SweepReport, error) {
	cutoff := s.clock.Now().Add(-s.cfg.OrderTimeout)
	return s.sweep(ctx, JobCheckTimeoutOrders, domain.StatusPendingPayment, cutoff,
		func(ctx context.Context, order domain.Order) (candidateResult, error) {
			_, err := s.reconciler.Transition(ctx, order.ID, domain.EventCancel, domain.StatusCancelled, domain.OperatorSystem)
			return candidateDone, err
		})
}

// SweepTicketing issues tickets for PAID orders.
func (s *Sweeper) SweepTicketing(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, JobProcessTicketing, domain.StatusPaid, s.clock.Now(),
		func(ctx context.Context, order domain.Order) (candidateResult, error) {
			_, err := s.reconciler.Transition(ctx, order.ID, domain.EventStartTicketing, domain.StatusTicketingInProgress, domain.OperatorSystem)
			return candidateDone, err
		})
}

// SweepRetries re-attempts issuance for TICKETING_FAILED orders that still
// have retry budget and whose last failure is retryable. Others are left in
// place for manual intervention.
func (s *Sweeper) SweepRetries(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, JobRetryFailedTicketing, domain.StatusTicketingFailed, s.clock.Now(),
		func(ctx context.Context, order domain.Order) (candidateResult, error) {
			retries, err := s.history.RetryCount(ctx, order.ID)
			if err != nil {
				return candidateDone, err
			}
			if retries >= s.cfg.MaxTicketingRetries {
				s.logger.Warn().
					Str("job", JobRetryFailedTicketing).
					Str("order_id", order.ID).
					Int("retries", retries).
					Msg("retry limit reached, manual intervention required")
				return candidateSkipped, nil
			}

			kind, err := s.history.LastFailureKind(ctx, order.ID)
			if err != nil {
				return candidateDone, err
			}
			if kind != "" && !kind.Retryable() {
				s.logger.Warn().
					Str("job", JobRetryFailedTicketing).
					Str("order_id", order.ID).
					Str("failure_kind", string(kind)).
					Msg("failure is not retryable, manual intervention required")
				return candidateSkipped, nil
			}

			_, err = s.reconciler.Transition(ctx, order.ID, domain.EventRetryTicketing, domain.StatusTicketingInProgress, domain.OperatorSystem)
			return candidateDone, err
		})
}

// DetectStuck reports orders that stayed in TICKETING_IN_PROGRESS longer
// than the stuck threshold. Their external state is unknown, so they are
// never transitioned here.
func (s *Sweeper) DetectStuck(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Job: JobDetectStuckOrders}
	now := s.clock.Now()

	stuck, err := s.orders.FindByStatus(ctx, domain.StatusTicketingInProgress, now.Add(-s.cfg.StuckThreshold), s.cfg.BatchSize)
	if err != nil {
		return report, domain.NewStorageError("", errors.Wrap(err, "find stuck orders"))
	}

	report.Candidates = len(stuck)
	report.Flagged = len(stuck)
	for _, order := range stuck {
		s.logger.Warn().
			Str("job", JobDetectStuckOrders).
			Str("order_id", order.ID).
			Dur("in_progress_for", now.Sub(order.UpdatedAt)).
			Msg("order stuck in ticketing")
	}
	s.metrics.StuckOrders.Set(float64(len(stuck)))
	s.metrics.SweepOrders.WithLabelValues(JobDetectStuckOrders, "flagged").Add(float64(len(stuck)))
	return report, nil
}

func (s *Sweeper) sweep(
	ctx context.Context,
	job string,
	status domain.OrderStatus,
	changedBefore time.Time,
	handle func(ctx context.Context, order domain.Order) (candidateResult, error),
) (SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper."+job)
	defer span.End()

	report := SweepReport{Job: job}
	candidates, err := s.orders.FindByStatus(ctx, status, changedBefore, s.cfg.BatchSize)
	if err != nil {
		return report, domain.NewStorageError("", errors.Wrapf(err, "find %s orders", status))
	}
	report.Candidates = len(candidates)
	span.SetAttributes(attribute.Int("sweep.candidates", len(candidates)))

	logger := s.logger.With().Str("job", job).Logger()
	var succeeded, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, order := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					failed.Add(1)
					logger.Error().Str("order_id", order.ID).Interface("panic", p).Msg("candidate panicked")
					err = nil
				}
			}()

			if gctx.Err() != nil {
				return nil
			}
			result, err := handle(gctx, order)
			switch {
			case err == nil && result == candidateSkipped:
				skipped.Add(1)
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrStorage):
				failed.Add(1)
				logger.Error().Err(err).Str("order_id", order.ID).Msg("storage failure, aborting sweep")
				return err
			default:
				failed.Add(1)
				event := logger.Warn()
				if domain.IsRetryable(err) {
					event = logger.Info()
				}
				event.Err(err).Str("order_id", order.ID).Msg("candidate not reconciled")
			}
			return nil
		})
	}
	err = g.Wait()

	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	s.metrics.SweepOrders.WithLabelValues(job, "succeeded").Add(float64(report.Succeeded))
	s.metrics.SweepOrders.WithLabelValues(job, "failed").Add(float64(report.Failed))
	s.metrics.SweepOrders.WithLabelValues(job, "skipped").Add(float64(report.Skipped))

	logger.Info().
		Int("candidates", report.Candidates).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("sweep finished")

	return report, err
}

func (r SweepReport) String() string {
	return fmt.Sprintf("%s: %d candidates, %d succeeded, %d failed, %d skipped, %d flagged",
		r.Job, r.Candidates, r.Succeeded, r.Failed, r.Skipped, r.Flagged)
}
