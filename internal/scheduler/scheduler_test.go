package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/weather-shipper/internal/weather"
)

type fakeRunner struct {
	mu     sync.Mutex
	cycles []int
	run    func(ctx context.Context, cycle int) error
	called chan int
}

func newFakeRunner(run func(ctx context.Context, cycle int) error) *fakeRunner {
	return &fakeRunner{run: run, called: make(chan int, 16)}
}

func (f *fakeRunner) RunCycle(ctx context.Context, cycle int) (weather.CycleReport, error) {
	f.mu.Lock()
	f.cycles = append(f.cycles, cycle)
	f.mu.Unlock()

	select {
	case f.called <- cycle:
	default:
	}

	var err error
	if f.run != nil {
		err = f.run(ctx, cycle)
	}
	return weather.CycleReport{Cycle: cycle}, err
}

func (f *fakeRunner) seen() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cycles...)
}

func waitCalled(t *testing.T, f *fakeRunner) int {
	t.Helper()
	select {
	case n := <-f.called:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not start")
		return 0
	}
}

func TestRunCancelledDuringWait(t *testing.T) {
	runner := newFakeRunner(nil)
	s := New(runner, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Equal(t, 1, waitCalled(t, runner))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []int{1}, runner.seen())
}

func TestRunCancelledMidCycle(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, cycle int) error {
		<-ctx.Done()
		return fmt.Errorf("cycle %d: %w", cycle, ctx.Err())
	})
	s := New(runner, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCalled(t, runner)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "cycle 1")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsOnDeliveryFailure(t *testing.T) {
	shipErr := errors.New("ship 3 events: retries exhausted")
	runner := newFakeRunner(func(_ context.Context, cycle int) error {
		if cycle == 2 {
			return shipErr
		}
		return nil
	})
	s := New(runner, 20*time.Millisecond, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, shipErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after a failed cycle")
	}
	assert.Equal(t, []int{1, 2}, runner.seen())
}

func TestRunCyclesDoNotOverlap(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	runner := newFakeRunner(func(ctx context.Context, _ int) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(60 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	s := New(runner, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
	assert.GreaterOrEqual(t, s.Cycles(), 2)
}

func TestRunWaitsFullIntervalAfterCycle(t *testing.T) {
	const interval = 100 * time.Millisecond
	var mu sync.Mutex
	var starts, ends []time.Time
	runner := newFakeRunner(func(ctx context.Context, _ int) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()

		time.Sleep(60 * time.Millisecond)

		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return nil
	})
	s := New(runner, interval, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(starts), 2)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(ends[i-1])
		assert.GreaterOrEqual(t, gap, interval, "gap before cycle %d", i+1)
	}
}

func TestRunOnce(t *testing.T) {
	runner := newFakeRunner(nil)
	s := New(runner, time.Hour, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []int{1, 2}, runner.seen())
}

func TestRunRejectsBadInterval(t *testing.T) {
	s := New(newFakeRunner(nil), 0, nil)
	assert.Error(t, s.Run(context.Background()))
}
