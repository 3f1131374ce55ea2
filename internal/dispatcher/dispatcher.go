// Package dispatcher runs the worker pool and is the single entry point for
// submitting tasks to it.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/worker"
)

const defaultConcurrency = 3

// Config sizes the pool.
type Config struct {
	Concurrency int
	MaxAttempts int
	Worker      worker.Config
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    export.Queue
	idGen    export.IDGenerator
	clock    export.Clock
	retry    *worker.ExponentialRetryPolicy
	cfg      Config
	logger   *zap.Logger
	mu       sync.Mutex
	handlers map[export.TaskKind]worker.Handler
	hooks    worker.Hooks
}

// New creates a Dispatcher. Handlers and hooks are registered before Run.
func New(
	queue export.Queue,
	idGen export.IDGenerator,
	clock export.Clock,
	retry *worker.ExponentialRetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if retry == nil {
		retry = worker.NewExponentialRetryPolicy(worker.RetryConfig{MaxAttempts: cfg.MaxAttempts})
	}
	cfg.MaxAttempts = retry.MaxAttempts()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		idGen:    idGen,
		clock:    clock,
		retry:    retry,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[export.TaskKind]worker.Handler),
	}
}

// Handle registers the handler for a task kind.
func (d *Dispatcher) Handle(kind export.TaskKind, h worker.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// SetHooks installs the attempt observers shared by every worker.
func (d *Dispatcher) SetHooks(h worker.Hooks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = h
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	handlers := make(map[export.TaskKind]worker.Handler, len(d.handlers))
	for k, h := range d.handlers {
		handlers[k] = h
	}
	hooks := d.hooks
	d.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wk := worker.New(
			d.queue,
			handlers,
			hooks,
			d.retry,
			d.cfg.Worker,
			d.logger.Named("worker").With(zap.Int("index", i)),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			wk.Run(ctx)
		}()
	}
	d.logger.Info("worker pool started", zap.Int("concurrency", d.cfg.Concurrency))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Submit enqueues the first attempt of a task.
func (d *Dispatcher) Submit(ctx context.Context, kind export.TaskKind, exportID string, unit int) error {
	id, err := d.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}
	task := export.Task{
		ID:          id,
		Kind:        kind,
		ExportID:    exportID,
		Unit:        unit,
		Attempt:     1,
		MaxAttempts: d.cfg.MaxAttempts,
		SubmittedAt: d.now(),
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
