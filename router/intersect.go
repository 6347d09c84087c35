package router

import (
	"sort"

	"github.com/notargets/DGCoupler/partitions"
)

// piece is the non-empty overlap of one source span and one target span
type piece struct {
	start, length int
	src, tgt      int // Handles into the source and target span tables
}

// intersect finds every overlapping (source, target) span pair with one merge
// over the two tables, both sorted by GlobalStart. A pair is reported by
// whichever span starts later; ties go to the target side, so each pair is
// reported exactly once. keep filters pairs before anything is stored.
func intersect(src, tgt []partitions.Span, keep func(s, t partitions.Span) bool) []piece {
	var (
		out              []piece
		activeS, activeT []int
		i, j             int
	)
	for i < len(src) || j < len(tgt) {
		if j >= len(tgt) || (i < len(src) && src[i].GlobalStart <= tgt[j].GlobalStart) {
			s := src[i]
			activeT = prune(activeT, tgt, s.GlobalStart)
			for _, k := range activeT {
				if keep(s, tgt[k]) {
					out = append(out, overlap(i, k, s, tgt[k]))
				}
			}
			activeS = append(prune(activeS, src, s.GlobalStart), i)
			i++
			continue
		}
		t := tgt[j]
		activeS = prune(activeS, src, t.GlobalStart)
		for _, k := range activeS {
			if keep(src[k], t) {
				out = append(out, overlap(k, j, src[k], t))
			}
		}
		activeT = append(prune(activeT, tgt, t.GlobalStart), j)
		j++
	}
	return out
}

// prune drops spans that end at or before pos
func prune(active []int, spans []partitions.Span, pos int) []int {
	kept := active[:0]
	for _, k := range active {
		if spans[k].End() > pos {
			kept = append(kept, k)
		}
	}
	return kept
}

func overlap(si, ti int, s, t partitions.Span) piece {
	lo, hi := s.GlobalStart, s.End()
	if t.GlobalStart > lo {
		lo = t.GlobalStart
	}
	if t.End() < hi {
		hi = t.End()
	}
	return piece{start: lo, length: hi - lo, src: si, tgt: ti}
}

// sortByPeer orders pieces by peer, then by global start. For a fixed
// (sender, receiver) pair the pieces are disjoint, so both ends of a message
// derive the same element order from the same global tables.
func sortByPeer(pieces []piece, peer func(p piece) int) {
	sort.Slice(pieces, func(a, b int) bool {
		pa, pb := peer(pieces[a]), peer(pieces[b])
		if pa != pb {
			return pa < pb
		}
		return pieces[a].start < pieces[b].start
	})
}
