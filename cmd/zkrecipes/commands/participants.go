package commands

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runParticipants runs fn for n participants concurrently and returns the
// first error. The context passed to fn is cancelled once any of them fails.
func runParticipants(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(ctx, i)
		})
	}

	return g.Wait()
}
