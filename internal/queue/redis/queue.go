// Package redis provides a durable task queue backed by a Redis list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const (
	defaultKey          = "precatorio:tasks"
	defaultBlockTimeout = time.Second
)

// Config controls how tasks are laid out in Redis.
type Config struct {
	Key          string
	BlockTimeout time.Duration
}

// Queue pushes tasks with RPUSH and pops them with BLPOP, so tasks are served
// in submission order and survive a process restart.
type Queue struct {
	client       goredis.Cmdable
	key          string
	blockTimeout time.Duration
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client goredis.Cmdable, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	return &Queue{client: client, key: key, blockTimeout: block}, nil
}

// Enqueue appends the task to the tail of the list.
func (q *Queue) Enqueue(ctx context.Context, task export.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("rpush task: %w", err)
	}
	return nil
}

// Dequeue blocks until a task is available or the context ends. BLPOP is
// issued with a short timeout so cancellation is observed promptly.
func (q *Queue) Dequeue(ctx context.Context) (export.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return export.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return export.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return export.Task{}, fmt.Errorf("blpop task: %w", err)
		}
		if len(res) != 2 {
			return export.Task{}, fmt.Errorf("unexpected blpop reply of length %d", len(res))
		}
		var task export.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return export.Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen tasks: %w", err)
	}
	return n, nil
}
