package comm

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RankFunc is the body one rank executes
type RankFunc func(ctx context.Context, g Group) error

// Run executes fn once per rank of w, each on its own goroutine. The first
// rank to fail cancels the shared context, which unblocks every pending
// receive of the other ranks: a failure of one rank is a failure of the group.
func Run(ctx context.Context, w *World, fn RankFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.Size(); rank++ {
		ep := w.Endpoint(rank)
		g.Go(func() error {
			return fn(gctx, ep)
		})
	}
	return g.Wait()
}

// RunSize creates a fault-free world of the given size and runs fn on it
func RunSize(ctx context.Context, size int, fn RankFunc) error {
	w, err := NewWorld(WorldConfig{Size: size})
	if err != nil {
		return err
	}
	return Run(ctx, w, fn)
}
