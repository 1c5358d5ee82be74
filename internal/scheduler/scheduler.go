package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/weather"
)

// CycleRunner runs one poll-and-ship cycle. *weather.Service implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context, cycle int) (weather.CycleReport, error)
}

// Scheduler runs cycles one at a time, starting immediately. The next cycle
// starts no sooner than one full interval after the previous one finished.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    CycleRunner
	interval  time.Duration
	logger    *zap.Logger

	cycles  atomic.Int64
	halted  atomic.Bool
	running sync.Mutex // held for the duration of a cycle
}

// New creates a new Scheduler.
func New(runner CycleRunner, interval time.Duration, logger *zap.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		interval:  interval,
		logger:    logging.Default(logger).With(zap.String("component", "scheduler")),
	}
}

// Cycles reports how many cycles have started.
func (s *Scheduler) Cycles() int {
	return int(s.cycles.Load())
}

// RunOnce runs a single cycle and returns its error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.running.Lock()
	defer s.running.Unlock()

	_, err := s.runner.RunCycle(ctx, int(s.cycles.Add(1)))
	return err
}

// Run blocks until ctx is cancelled or a cycle fails. Cancellation while
// waiting for the next tick returns ctx.Err(); cancellation during a cycle
// returns that cycle's error, which wraps ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", s.interval)
	}

	errCh := make(chan error, 1)
	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		s.running.Lock()
		defer s.running.Unlock()

		if ctx.Err() != nil || s.halted.Load() {
			return
		}
		if _, err := s.runner.RunCycle(ctx, int(s.cycles.Add(1))); err != nil {
			s.halted.Store(true)
			select {
			case errCh <- err:
			default:
			}
			return
		}
		s.wait(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule cycle: %w", err)
	}

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.scheduler.StartAsync()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}
	s.stop()
	if runErr == nil {
		select {
		case runErr = <-errCh:
		default:
		}
	}

	switch {
	case runErr == nil:
		s.logger.Info("scheduler stopped", zap.Int("cycles", s.Cycles()))
		return ctx.Err()
	case errors.Is(runErr, context.Canceled):
		s.logger.Info("scheduler stopped during cycle", zap.Int("cycles", s.Cycles()))
	default:
		s.logger.Error("scheduler stopped after failed cycle", zap.Error(runErr))
	}
	return runErr
}

// wait blocks for one interval or until ctx is done. It runs inside the
// singleton job, so gocron cannot start the next cycle before it returns.
func (s *Scheduler) wait(ctx context.Context) {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// stop halts future ticks and waits for an in-flight cycle to return.
func (s *Scheduler) stop() {
	s.scheduler.Stop()
	s.running.Lock()
	defer s.running.Unlock()
}
