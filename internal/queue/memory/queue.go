// Package memory provides an in-process task queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

// ErrClosed is returned by Dequeue once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded in-memory FIFO. Enqueue never waits for room, so a
// worker can always submit follow-up tasks while holding a pool slot.
type Queue struct {
	mu     sync.Mutex
	items  []export.Task
	closed bool
	// ready holds at most one wakeup token; it is closed by Close.
	ready chan struct{}
}

// NewQueue constructs a queue. capacity only sizes the initial buffer.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make([]export.Task, 0, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends a task. It fails only when ctx is already done or the
// queue is closed.
func (q *Queue) Enqueue(ctx context.Context, task export.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, task)
	q.wake()
	return nil
}

// Dequeue pops the next task, waiting for one until ctx is done. Buffered
// tasks are still handed out after Close.
func (q *Queue) Dequeue(ctx context.Context) (export.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = export.Task{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return export.Task{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return export.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// wake leaves a token for one waiting Dequeue. Callers hold mu.
func (q *Queue) wake() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting tasks and wakes every waiter. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
