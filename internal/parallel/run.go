// Package parallel runs batches of independent functions with a bound on how
// many execute at once.
package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Result is the settled outcome of one thunk.
type Result[T any] struct {
	Value T
	Err   error
}

// Thunk is a unit of deferred work.
type Thunk[T any] func(context.Context) (T, error)

// Run executes every thunk with at most limit of them in flight and returns
// once all have settled. results[i] always corresponds to thunks[i]. A failing
// or panicking thunk only affects its own slot; the rest of the batch keeps
// running. A limit below one is treated as one.
//
// Cancellation is left to the thunks: ctx is handed to each of them as-is.
func Run[T any](ctx context.Context, limit int, thunks []Thunk[T]) []Result[T] {
	results := make([]Result[T], len(thunks))
	if len(thunks) == 0 {
		return results
	}
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, thunk := range thunks {
		g.Go(func() error {
			results[i] = settle(ctx, thunk)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func settle[T any](ctx context.Context, thunk Thunk[T]) (res Result[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result[T]{Err: fmt.Errorf("thunk panicked: %v", rec)}
		}
	}()
	v, err := thunk(ctx)
	return Result[T]{Value: v, Err: err}
}
