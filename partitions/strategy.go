package partitions

import (
	"fmt"
	"strconv"
	"strings"
)

// Strategy defines how global indices are grouped into segments
type Strategy int

const (
	BlockPartition Strategy = iota // Consecutive indices
	RoundRobin                     // Distribute cyclically
	BlockWithHalo                  // Blocks widened by a halo, replicated at the edges
)

func (s Strategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "roundrobin"
	case BlockWithHalo:
		return "halo"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Layout is a strategy plus its parameter
type Layout struct {
	Strategy Strategy
	Halo     int // Only used by BlockWithHalo
}

// ParseLayout accepts "block", "roundrobin" and "halo:<k>"
func ParseLayout(s string) (Layout, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "block":
		return Layout{Strategy: BlockPartition}, nil
	case "roundrobin", "round-robin":
		return Layout{Strategy: RoundRobin}, nil
	case "halo":
		if !hasArg {
			return Layout{}, fmt.Errorf("halo layout needs a width, e.g. halo:1")
		}
		k, err := strconv.Atoi(arg)
		if err != nil || k < 0 {
			return Layout{}, fmt.Errorf("invalid halo width %q", arg)
		}
		return Layout{Strategy: BlockWithHalo, Halo: k}, nil
	}
	return Layout{}, fmt.Errorf("unknown layout %q", s)
}

// Mode returns the ownership mode the layout needs
func (l Layout) Mode() Mode {
	if l.Strategy == BlockWithHalo && l.Halo > 0 {
		return Replicated
	}
	return Exclusive
}

// Segments returns the segments rank owns under the layout
func (l Layout) Segments(rank, size, n int) []Segment {
	switch l.Strategy {
	case RoundRobin:
		return RoundRobinSegments(rank, size, n)
	case BlockWithHalo:
		return BlockWithHaloSegments(rank, size, n, l.Halo)
	default:
		return BlockSegments(rank, size, n)
	}
}

func (l Layout) String() string {
	if l.Strategy == BlockWithHalo {
		return fmt.Sprintf("halo:%d", l.Halo)
	}
	return l.Strategy.String()
}

// blockBounds gives rank the half-open range [lo, hi) of a ceil-sized block split
func blockBounds(rank, size, n int) (lo, hi int) {
	if size <= 0 || n <= 0 {
		return 0, 0
	}
	per := (n + size - 1) / size
	lo, hi = rank*per, (rank+1)*per
	if lo > n {
		lo = n
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

// BlockSegments gives rank one contiguous block of ceil(n/size) indices.
// Trailing ranks may receive a short or empty block.
func BlockSegments(rank, size, n int) []Segment {
	lo, hi := blockBounds(rank, size, n)
	if hi <= lo {
		return nil
	}
	return []Segment{{GlobalStart: lo, Length: hi - lo, Owner: rank}}
}

// RoundRobinSegments gives rank every index j with j mod size == rank
func RoundRobinSegments(rank, size, n int) []Segment {
	if size <= 0 || rank < 0 || rank >= size {
		return nil
	}
	if size == 1 {
		return BlockSegments(0, 1, n)
	}
	segs := make([]Segment, 0, (n+size-1)/size)
	for j := rank; j < n; j += size {
		segs = append(segs, Segment{GlobalStart: j, Length: 1, Owner: rank})
	}
	return segs
}

// BlockWithHaloSegments widens rank's block by halo indices on both sides.
// The widened edges are shared with the neighbors, so the result needs
// Replicated mode whenever halo > 0.
func BlockWithHaloSegments(rank, size, n, halo int) []Segment {
	lo, hi := blockBounds(rank, size, n)
	if hi <= lo {
		return nil
	}
	lo -= halo
	hi += halo
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return []Segment{{GlobalStart: lo, Length: hi - lo, Owner: rank}}
}
