// Package worker implements the task execution loop of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
)

// ErrLeaseExpired is reported when a task outlives its lease.
var ErrLeaseExpired = errors.New("task lease expired")

const (
	defaultLease       = 15 * time.Minute
	defaultIdleBackoff = 100 * time.Millisecond
	requeueTimeout     = 5 * time.Second
)

// Handler executes a single attempt of a task.
type Handler interface {
	Handle(ctx context.Context, task export.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task export.Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task export.Task) error {
	return f(ctx, task)
}

// Hooks observe attempt outcomes. AttemptFailed runs first for a failed
// attempt and may halt further retries of that task; AttemptSettled runs
// after every attempt regardless of outcome.
type Hooks interface {
	AttemptFailed(ctx context.Context, task export.Task, err error) (halt bool)
	AttemptSettled(ctx context.Context, task export.Task, err error)
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	Lease       time.Duration
	IdleBackoff time.Duration
}

// Worker consumes queue items and routes them to the registered handlers.
type Worker struct {
	queue    export.Queue
	handlers map[export.TaskKind]Handler
	hooks    Hooks
	retry    RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue export.Queue,
	handlers map[export.TaskKind]Handler,
	hooks Hooks,
	retry RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		handlers: handlers,
		hooks:    hooks,
		retry:    retry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.IdleBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued task", taskFields(task)...)
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task export.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	handler, ok := w.handlers[task.Kind]
	if !ok {
		w.logger.Error("no handler registered for task kind", taskFields(task)...)
		metrics.ObserveTask(string(task.Kind), "unroutable", 0)
		return
	}

	start := time.Now()
	err := w.attempt(ctx, handler, task)
	elapsed := time.Since(start)

	if err == nil {
		metrics.ObserveTask(string(task.Kind), "succeeded", elapsed)
		w.logger.Debug("task succeeded", append(taskFields(task), zap.Duration("elapsed", elapsed))...)
		w.settled(ctx, task, nil)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count against the budget.
		metrics.ObserveTask(string(task.Kind), "interrupted", elapsed)
		w.logger.Warn("task interrupted by shutdown", append(taskFields(task), zap.Error(err))...)
		w.requeue(ctx, task)
		return
	}

	metrics.ObserveTask(string(task.Kind), "failed", elapsed)
	w.logger.Warn("task attempt failed", append(taskFields(task), zap.Error(err))...)

	retry := w.retry.ShouldRetry(err, task.Attempt) && !task.Final()
	halt := false
	if w.hooks != nil {
		halt = w.hooks.AttemptFailed(ctx, task, err)
	}
	w.settled(ctx, task, err)

	switch {
	case halt:
		w.logger.Info("retries halted by failure hook", taskFields(task)...)
	case retry:
		w.scheduleRetry(ctx, task)
	default:
		w.logger.Error("task failed permanently", append(taskFields(task), zap.Error(err))...)
	}
}

func (w *Worker) attempt(ctx context.Context, handler Handler, task export.Task) (err error) {
	leaseCtx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	err = handler.Handle(leaseCtx, task)
	if err != nil && ctx.Err() == nil && errors.Is(leaseCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrLeaseExpired, w.cfg.Lease, err)
	}
	return err
}

func (w *Worker) settled(ctx context.Context, task export.Task, err error) {
	if w.hooks == nil {
		return
	}
	w.hooks.AttemptSettled(ctx, task, err)
}

func (w *Worker) scheduleRetry(ctx context.Context, task export.Task) {
	delay := w.retry.Backoff(task.Attempt)
	w.logger.Info("retrying task",
		append(taskFields(task), zap.Duration("backoff", delay))...,
	)
	next := task
	next.Attempt++
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.requeue(ctx, next)
		return
	case <-timer.C:
	}
	if err := w.queue.Enqueue(ctx, next); err != nil {
		w.logger.Error("retry enqueue failed", append(taskFields(task), zap.Error(err))...)
	}
}

// requeue hands a task back to the queue while shutting down. The memory
// queue may already be closed, in which case the task is dropped.
func (w *Worker) requeue(ctx context.Context, task export.Task) {
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := w.queue.Enqueue(requeueCtx, task); err != nil {
		w.logger.Warn("requeue on shutdown failed", append(taskFields(task), zap.Error(err))...)
	}
}

func taskFields(task export.Task) []zap.Field {
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("task_kind", string(task.Kind)),
		zap.String("export_id", task.ExportID),
		zap.Int("attempt", task.Attempt),
	}
	if task.Kind == export.TaskUnit {
		fields = append(fields, zap.Int("unit", task.Unit))
	}
	return fields
}
