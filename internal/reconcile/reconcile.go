// Package reconcile periodically re-runs completion detection so an export
// is not stranded when a worker stops between storing its last artifact and
// checking for completion.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 5m"

const defaultSweepTimeout = 2 * time.Minute

// Sweeper re-checks every incomplete, discovered export and reports how many
// it completed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Reconciler runs a Sweeper on a cron schedule.
type Reconciler struct {
	schedule cron.Schedule
	sweeper  Sweeper
	timeout  time.Duration
	logger   *zap.Logger
}

// New parses schedule (standard 5-field spec or a descriptor such as
// "@every 5m") and returns a Reconciler.
func New(schedule string, sweeper Sweeper, logger *zap.Logger) (*Reconciler, error) {
	spec := strings.TrimSpace(schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		schedule: parsed,
		sweeper:  sweeper,
		timeout:  defaultSweepTimeout,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done, sweeping on every tick. Overlapping sweeps
// are skipped.
func (r *Reconciler) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce(ctx) }))
	c.Start()
	r.logger.Info("reconciler started")

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// RunOnce performs a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sweepCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	completed, err := r.sweeper.Sweep(sweepCtx)
	if err != nil {
		r.logger.Error("completion sweep failed", zap.Error(err))
		return
	}
	if completed > 0 {
		r.logger.Info("completion sweep closed exports",
			zap.Int("completed", completed),
			zap.Duration("elapsed", time.Since(start)),
		)
		return
	}
	r.logger.Debug("completion sweep found nothing to close", zap.Duration("elapsed", time.Since(start)))
}
