package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every element of items with at most workers
// goroutines in flight and returns the first error. With workers <= 1 the
// elements run sequentially on the caller's goroutine, in order.
func ForEach[T any](ctx context.Context, items []T, workers int, action func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if workers <= 1 || len(items) == 1 {
		for _, v := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := action(ctx, v); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, v := range items {
		g.Go(func() error {
			return action(gctx, v)
		})
	}
	return g.Wait()
}

// Batch splits items into chunks of at most size elements.
func Batch[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for idx := 0; idx < len(items); idx += size {
		end := idx + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[idx:end])
	}
	return out
}
