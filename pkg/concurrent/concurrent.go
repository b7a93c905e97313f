// Package concurrent runs bounded groups of goroutines.
package concurrent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Each calls action for every item with at most limit calls in flight; a
// limit below one means no limit. The context given to action is cancelled
// once any call fails, and Each returns that first error.
func Each[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	group, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return action(ctx, item)
		})
	}
	return group.Wait()
}

// Collect is Each that keeps going after failures. It returns the results of
// the calls that succeeded, in item order, and every error.
func Collect[T, R any](ctx context.Context, items []T, limit int, action func(context.Context, T) (R, error)) ([]R, []error) {
	var (
		mu      sync.Mutex
		results = make([]R, len(items))
		ok      = make([]bool, len(items))
		errs    []error
	)
	_ = Each(ctx, indices(len(items)), limit, func(ctx context.Context, i int) error {
		result, err := action(ctx, items[i])
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		results[i], ok[i] = result, true
		return nil
	})

	succeeded := results[:0]
	for i, result := range results {
		if ok[i] {
			succeeded = append(succeeded, result)
		}
	}
	return succeeded, errs
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
