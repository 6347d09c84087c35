package router

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/partitions"
	"github.com/notargets/DGCoupler/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type layoutFunc func(rank, size int) []partitions.Segment

func block(n int) layoutFunc {
	return func(r, size int) []partitions.Segment { return partitions.BlockSegments(r, size, n) }
}

func roundRobin(n int) layoutFunc {
	return func(r, size int) []partitions.Segment { return partitions.RoundRobinSegments(r, size, n) }
}

func halo(n, k int) layoutFunc {
	return func(r, size int) []partitions.Segment { return partitions.BlockWithHaloSegments(r, size, n, k) }
}

// buildRouters builds source, target and router on every rank
func buildRouters(t *testing.T, size, n int, srcMode partitions.Mode, src layoutFunc,
	tgtMode partitions.Mode, tgt layoutFunc) []*Router {

	t.Helper()
	routers := make([]*Router, size)
	var mu sync.Mutex
	err := comm.RunSize(context.Background(), size, func(ctx context.Context, g comm.Group) error {
		sd, err := partitions.Build(ctx, g, n, srcMode, src(g.Rank(), size), partitions.Config{})
		if err != nil {
			return err
		}
		td, err := partitions.Build(ctx, g, n, tgtMode, tgt(g.Rank(), size), partitions.Config{})
		if err != nil {
			return err
		}
		rt, err := Build(ctx, sd, td, g, Config{})
		if err != nil {
			return err
		}
		mu.Lock()
		routers[g.Rank()] = rt
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return routers
}

func TestRouter_BlockToRoundRobin(t *testing.T) {
	routers := buildRouters(t, 4, 16, partitions.Exclusive, block(16), partitions.Exclusive, roundRobin(16))

	rt := routers[0]
	sends := rt.SendPlan()
	require.Len(t, sends, 3)
	for k, tr := range sends {
		assert.Equal(t, k+1, tr.Peer)
		assert.Equal(t, []int{k + 1}, tr.LocalIndices) // global k+1 sits at local k+1 in block 0
		assert.Equal(t, 0, tr.RemoteOffset)            // first slot of the peer's round-robin buffer
	}

	recvs := rt.RecvPlan()
	require.Len(t, recvs, 3)
	for k, tr := range recvs {
		assert.Equal(t, k+1, tr.Peer)
		assert.Equal(t, []int{k + 1}, tr.LocalIndices) // global 4(k+1) lands at local k+1
	}

	src, dst := rt.LocalCopy()
	assert.Equal(t, []int{0}, src)
	assert.Equal(t, []int{0}, dst)

	assert.Equal(t, 3, rt.SendVolume())
	assert.Equal(t, 3, rt.RecvVolume())
	assert.Equal(t, 1, rt.LocalVolume())
}

func TestRouter_OneMessagePerPeer(t *testing.T) {
	// Many segments per peer still collapse into one transfer per peer
	routers := buildRouters(t, 3, 30, partitions.Exclusive, roundRobin(30), partitions.Exclusive, block(30))
	for _, rt := range routers {
		seen := make(map[int]bool)
		for _, tr := range rt.SendPlan() {
			assert.False(t, seen[tr.Peer], "rank %d sends twice to %d", rt.Rank(), tr.Peer)
			seen[tr.Peer] = true
			assert.NotEqual(t, rt.Rank(), tr.Peer)
		}
		assert.True(t, sort.SliceIsSorted(rt.SendPlan(), func(a, b int) bool {
			return rt.SendPlan()[a].Peer < rt.SendPlan()[b].Peer
		}))
	}
}

func TestRouter_Conservation(t *testing.T) {
	testCases := []struct {
		name     string
		size, n  int
		src, tgt layoutFunc
	}{
		{"block to roundrobin", 4, 16, block(16), roundRobin(16)},
		{"roundrobin to block", 3, 17, roundRobin(17), block(17)},
		{"uneven blocks", 5, 23, block(23), roundRobin(23)},
		{"identity", 4, 12, block(12), block(12)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			routers := buildRouters(t, tc.size, tc.n, partitions.Exclusive, tc.src, partitions.Exclusive, tc.tgt)

			sent := make([]int, tc.n)
			received := make([]int, tc.n)
			for _, rt := range routers {
				for _, tr := range rt.SendPlan() {
					for _, l := range tr.LocalIndices {
						sent[rt.Source().GlobalIndex(l)]++
					}
				}
				for _, tr := range rt.RecvPlan() {
					for _, l := range tr.LocalIndices {
						received[rt.Target().GlobalIndex(l)]++
					}
				}
				src, dst := rt.LocalCopy()
				require.Equal(t, len(src), len(dst))
				for k := range src {
					g := rt.Source().GlobalIndex(src[k])
					assert.Equal(t, g, rt.Target().GlobalIndex(dst[k]))
					sent[g]++
					received[g]++
				}
			}
			for g := 0; g < tc.n; g++ {
				assert.Equal(t, 1, sent[g], "index %d sent", g)
				assert.Equal(t, 1, received[g], "index %d received", g)
			}
		})
	}
}

func TestRouter_SendersAndReceiversAgree(t *testing.T) {
	routers := buildRouters(t, 4, 20, partitions.Exclusive, roundRobin(20), partitions.Replicated, halo(20, 2))

	for _, rt := range routers {
		for _, tr := range rt.SendPlan() {
			peer := routers[tr.Peer]
			var match *Transfer
			for _, rv := range peer.RecvPlan() {
				if rv.Peer == rt.Rank() {
					rv := rv
					match = &rv
				}
			}
			require.NotNil(t, match, "rank %d sends to %d which does not expect it", rt.Rank(), tr.Peer)
			require.Equal(t, len(tr.LocalIndices), len(match.LocalIndices))
			for k := range tr.LocalIndices {
				assert.Equal(t,
					rt.Source().GlobalIndex(tr.LocalIndices[k]),
					peer.Target().GlobalIndex(match.LocalIndices[k]),
					"element %d of %d->%d", k, rt.Rank(), tr.Peer)
			}
			assert.Equal(t, match.LocalIndices[0], tr.RemoteOffset)
		}
	}
}

func TestRouter_ReplicatedTargetFanOut(t *testing.T) {
	// Target halo 1 over 3 ranks: index 3 is owned by ranks 0 and 1 in the target
	routers := buildRouters(t, 3, 9, partitions.Exclusive, block(9), partitions.Replicated, halo(9, 1))

	// Index 3 lives on source rank 1 and must reach both target owners
	deliveries := 0
	for _, rt := range routers {
		src, dst := rt.LocalCopy()
		for k := range src {
			if rt.Source().GlobalIndex(src[k]) == 3 {
				deliveries++
				assert.Equal(t, 3, rt.Target().GlobalIndex(dst[k]))
			}
		}
		for _, tr := range rt.RecvPlan() {
			for _, l := range tr.LocalIndices {
				if rt.Target().GlobalIndex(l) == 3 {
					deliveries++
					assert.Equal(t, 1, tr.Peer)
				}
			}
		}
	}
	assert.Equal(t, 2, deliveries)
}

func TestRouter_ReplicatedSourceFanIn(t *testing.T) {
	// Source halo: index 3 is owned by source ranks 0 and 1; both transfer it
	routers := buildRouters(t, 3, 9, partitions.Replicated, halo(9, 1), partitions.Exclusive, block(9))

	senders := 0
	for _, rt := range routers {
		for _, tr := range rt.SendPlan() {
			for _, l := range tr.LocalIndices {
				if rt.Source().GlobalIndex(l) == 3 {
					senders++
					assert.Equal(t, 1, tr.Peer)
				}
			}
		}
		src, _ := rt.LocalCopy()
		for _, l := range src {
			if rt.Source().GlobalIndex(l) == 3 {
				senders++
			}
		}
	}
	assert.Equal(t, 2, senders)
}

func TestRouter_TagsAreDistinct(t *testing.T) {
	routers := buildRouters(t, 2, 8, partitions.Exclusive, block(8), partitions.Exclusive, roundRobin(8))
	rt := routers[0]
	assert.Equal(t, routers[0].ID(), routers[1].ID())

	first, second := rt.Next(), rt.Next()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.NotEqual(t, rt.Tag(first), rt.Tag(second))
	assert.Equal(t, rt.Tag(first), routers[1].Tag(first))
}

func TestRouter_ConfigurationErrors(t *testing.T) {
	t.Run("extent mismatch", func(t *testing.T) {
		errs := make([]error, 2)
		_ = comm.RunSize(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
			sd, err := partitions.Build(ctx, g, 8, partitions.Exclusive, partitions.BlockSegments(g.Rank(), 2, 8), partitions.Config{})
			if err != nil {
				return err
			}
			td, err := partitions.Build(ctx, g, 6, partitions.Exclusive, partitions.BlockSegments(g.Rank(), 2, 6), partitions.Config{})
			if err != nil {
				return err
			}
			_, errs[g.Rank()] = Build(ctx, sd, td, g, Config{})
			return nil
		})
		for r, err := range errs {
			assert.ErrorIs(t, err, utils.ErrConfiguration, "rank %d", r)
		}
	})

	t.Run("descriptors disagree across ranks", func(t *testing.T) {
		errs := make([]error, 2)
		_ = comm.RunSize(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
			a, err := partitions.Build(ctx, g, 8, partitions.Exclusive, partitions.BlockSegments(g.Rank(), 2, 8), partitions.Config{})
			if err != nil {
				return err
			}
			b, err := partitions.Build(ctx, g, 8, partitions.Exclusive, partitions.RoundRobinSegments(g.Rank(), 2, 8), partitions.Config{})
			if err != nil {
				return err
			}
			// Rank 1 swaps source and target
			if g.Rank() == 1 {
				a, b = b, a
			}
			_, errs[g.Rank()] = Build(ctx, a, b, g, Config{})
			return nil
		})
		for r, err := range errs {
			assert.ErrorIs(t, err, utils.ErrConfiguration, "rank %d", r)
		}
	})

	t.Run("foreign group", func(t *testing.T) {
		other, err := comm.NewWorld(comm.WorldConfig{Size: 1})
		require.NoError(t, err)
		var foreign *partitions.Decomposition
		require.NoError(t, comm.Run(context.Background(), other, func(ctx context.Context, g comm.Group) error {
			foreign, err = partitions.Build(ctx, g, 4, partitions.Exclusive, partitions.BlockSegments(0, 1, 4), partitions.Config{})
			return err
		}))

		errs := make([]error, 1)
		_ = comm.RunSize(context.Background(), 1, func(ctx context.Context, g comm.Group) error {
			mine, err := partitions.Build(ctx, g, 4, partitions.Exclusive, partitions.BlockSegments(0, 1, 4), partitions.Config{})
			if err != nil {
				return err
			}
			_, errs[0] = Build(ctx, foreign, mine, g, Config{})
			return nil
		})
		assert.ErrorIs(t, errs[0], utils.ErrConfiguration)
	})
}
