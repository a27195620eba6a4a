// Package batch runs the items of a batch concurrently and joins on all of
// them before reporting.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Each runs fn for every index in [0, n) in its own goroutine and returns
// the per-item errors in input order. A failing item never cancels the rest.
func Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Any reports whether at least one error in errs is nil.
func Any(errs []error) bool {
	for _, err := range errs {
		if err == nil {
			return true
		}
	}
	return false
}
