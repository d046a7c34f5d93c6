package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/buoooou/airline-order-course-sub001/internal/clock"
)

// Job describes one periodic, fleet-exclusive task. LockAtMostFor is the job
// lock lease and the run deadline; LockAtLeastFor keeps the lock after a
// quick run so other instances do not repeat it in the same period.
type Job struct {
	Name           string
	Period         time.Duration
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	Run            func(ctx context.Context) error
}

func (j Job) validate() error {
	switch {
	case j.Name == "":
		return errors.New("job name is empty")
	case j.Run == nil:
		return errors.Errorf("job %s has no handler", j.Name)
	case j.Period <= 0:
		return errors.Errorf("job %s: period must be positive", j.Name)
	case j.LockAtMostFor <= 0:
		return errors.Errorf("job %s: lock-at-most-for must be positive", j.Name)
	case j.LockAtLeastFor < 0 || j.LockAtLeastFor > j.LockAtMostFor:
		return errors.Errorf("job %s: lock-at-least-for must be within [0, lock-at-most-for]", j.Name)
	}
	return nil
}

type Scheduler struct {
	locks   *LockCoordinator
	clock   clock.Clock
	holder  string
	logger  zerolog.Logger
	metrics *Metrics
	jobs    []Job
}

func NewScheduler(locks *LockCoordinator, clk clock.Clock, holder string, logger zerolog.Logger, metrics *Metrics, jobs ...Job) *Scheduler {
	return &Scheduler{
		locks:   locks,
		clock:   clk,
		holder:  holder,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		metrics: metrics,
		jobs:    jobs,
	}
}

// Run starts one loop per job and blocks until ctx is cancelled. A run that
// outlasts its period is not interrupted; the missed ticks are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, job := range s.jobs {
		if err := job.validate(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	err := g.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := s.clock.NewTicker(job.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, job); err != nil {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("job failed")
			}
		}
	}
}

// RunOnce runs job if its lock can be taken. ran is false when another
// holder owns the lock.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (ran bool, err error) {
	start := s.clock.Now()
	err = s.locks.WithLock(ctx, job.Name, s.holder, job.LockAtMostFor, job.LockAtLeastFor, func(ctx context.Context) error {
		ran = true
		runCtx, cancel := context.WithTimeout(ctx, job.LockAtMostFor)
		defer cancel()
		return runGuarded(runCtx, job)
	})

	switch {
	case errors.Is(err, ErrLockNotAcquired):
		s.metrics.SweepRuns.WithLabelValues(job.Name, "skipped").Inc()
		s.logger.Debug().Str("job", job.Name).Msg("job lock held elsewhere, skipping")
		return false, nil
	case !ran:
		s.metrics.SweepRuns.WithLabelValues(job.Name, "failed").Inc()
		return false, err
	}

	s.metrics.SweepDuration.WithLabelValues(job.Name).Observe(s.clock.Now().Sub(start).Seconds())
	if err != nil {
		s.metrics.SweepRuns.WithLabelValues(job.Name, "failed").Inc()
		return true, err
	}
	s.metrics.SweepRuns.WithLabelValues(job.Name, "ran").Inc()
	return true, nil
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("job %s panicked: %v", job.Name, p)
		}
	}()
	return job.Run(ctx)
}

// JobTiming is the schedule and lease configuration of one job.
type JobTiming struct {
	Period         time.Duration
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
}

type Schedule struct {
	Timeout   JobTiming
	Ticketing JobTiming
	Retry     JobTiming
	Stuck     JobTiming
}

// Jobs builds the four reconciliation jobs backed by sweeper.
func Jobs(schedule Schedule, sweeper *Sweeper) []Job {
	sweepJob := func(name string, timing JobTiming, sweep func(context.Context) (SweepReport, error)) Job {
		return Job{
			Name:           name,
			Period:         timing.Period,
			LockAtMostFor:  timing.LockAtMostFor,
			LockAtLeastFor: timing.LockAtLeastFor,
			Run: func(ctx context.Context) error {
				report, err := sweep(ctx)
				sweeper.logger.Debug().Str("job", name).Msg(report.String())
				if err != nil {
					return errors.Wrap(err, name)
				}
				return nil
			},
		}
	}

	return []Job{
		sweepJob(JobCheckTimeoutOrders, schedule.Timeout, sweeper.SweepTimeouts),
		sweepJob(JobProcessTicketing, schedule.Ticketing, sweeper.SweepTicketing),
		sweepJob(JobRetryFailedTicketing, schedule.Retry, sweeper.SweepRetries),
		sweepJob(JobDetectStuckOrders, schedule.Stuck, sweeper.DetectStuck),
	}
}
