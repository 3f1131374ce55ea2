package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New("not a schedule", &fakeSweeper{}, nil)
	require.Error(t, err)
}

func TestNewDefaultsSchedule(t *testing.T) {
	t.Parallel()

	r, err := New("  ", &fakeSweeper{}, zap.NewNop())
	require.NoError(t, err)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(5*time.Minute), r.schedule.Next(now))
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	r, err := New("*/5 * * * *", sweeper, nil)
	require.NoError(t, err)

	r.RunOnce(context.Background())
	require.Equal(t, int32(1), sweeper.calls.Load())

	sweeper.err = errors.New("db down")
	r.RunOnce(context.Background())
	require.Equal(t, int32(2), sweeper.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RunOnce(ctx)
	require.Equal(t, int32(2), sweeper.calls.Load())
}

func TestRunSweepsOnScheduleAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := &fakeSweeper{}
	r, err := New("@every 1s", sweeper, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
