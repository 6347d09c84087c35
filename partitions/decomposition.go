package partitions

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/utils"
)

// Config carries the optional collaborators of Build
type Config struct {
	Logger *utils.Logger
}

// Decomposition describes how the global index range [0, Extent) is owned
// across the ranks of a group. Every rank holds the full segment table, so
// ownership questions are answered locally. Immutable after Build.
type Decomposition struct {
	id     uint64
	group  comm.Group
	rank   int
	extent int
	mode   Mode

	// Arena of all segments, sorted by (GlobalStart, Owner)
	spans []Span
	// maxEnd[k] = max End() over spans[0..k]; bounds the backward scan in Owners
	maxEnd []int
	// Per rank handles into spans, in declaration (local buffer) order:
	// rank r owns spans[order[rankStart[r]:rankStart[r+1]]]
	order     []int32
	rankStart []int
	localLen  []int
	// This rank's handles sorted by GlobalStart
	mine []int32
}

// Build collectively constructs a Decomposition. Every rank of group must call
// it with the same extent and mode, passing the segments it owns. Segments are
// laid out in the rank's local buffer in the order given.
func Build(ctx context.Context, group comm.Group, extent int, mode Mode, local []Segment,
	cfg Config) (*Decomposition, error) {

	const op = "partitions.Build"
	rank := group.Rank()
	log := utils.OrNoop(cfg.Logger).WithRank(rank)

	rec := localRecord{Extent: extent, Mode: mode}
	for _, s := range local {
		if s.Length == 0 {
			continue
		}
		rec.Segments = append(rec.Segments, s)
	}
	if err := validateLocal(rank, extent, mode, rec.Segments); err != nil {
		rec.Problem = err.Error()
	}

	payload := rec.appendMsg(nil)
	all, err := group.Allgather(ctx, payload)
	if err != nil {
		log.LogDescriptorBuild(ctx, 0, extent, 0, err)
		return nil, err
	}

	records := make([]localRecord, len(all))
	for r, b := range all {
		if err := records[r].unmarshalMsg(b, r); err != nil {
			err = utils.Configuration(op, rank, "malformed record from rank %d: %w", r, err)
			log.LogDescriptorBuild(ctx, 0, extent, 0, err)
			return nil, err
		}
	}

	d, err := assemble(rank, records)
	if err != nil {
		err = utils.Configuration(op, rank, "%w", err)
		log.LogDescriptorBuild(ctx, 0, extent, 0, err)
		return nil, err
	}
	d.group = group
	d.id = descriptorID(all, group.Epoch())

	log.LogDescriptorBuild(ctx, d.id, d.extent, d.LocalLength(), nil)
	return d, nil
}

// validateLocal checks what a rank can check about its own segments
func validateLocal(rank, extent int, mode Mode, segs []Segment) error {
	if extent < 0 {
		return fmt.Errorf("negative extent %d", extent)
	}
	if mode != Exclusive && mode != Replicated {
		return fmt.Errorf("unknown ownership mode %d", uint8(mode))
	}
	for i, s := range segs {
		if s.Owner != rank {
			return fmt.Errorf("segment %d declares owner %d on rank %d", i, s.Owner, rank)
		}
		if s.GlobalStart < 0 || s.Length < 0 {
			return fmt.Errorf("segment %d has start %d length %d", i, s.GlobalStart, s.Length)
		}
		if s.GlobalStart > extent-s.Length {
			return fmt.Errorf("segment %d [%d,%d) exceeds extent %d", i, s.GlobalStart, s.End(), extent)
		}
	}
	return nil
}

// assemble checks group-wide consistency and builds the segment table. Every
// rank sees the same records, so every rank reaches the same verdict.
func assemble(rank int, records []localRecord) (*Decomposition, error) {
	for r, rec := range records {
		if rec.Problem != "" {
			return nil, fmt.Errorf("rank %d rejected its segments: %s", r, rec.Problem)
		}
	}
	extent, mode := records[0].Extent, records[0].Mode
	for r, rec := range records[1:] {
		if rec.Extent != extent {
			return nil, fmt.Errorf("rank %d has extent %d, rank 0 has %d", r+1, rec.Extent, extent)
		}
		if rec.Mode != mode {
			return nil, fmt.Errorf("rank %d has mode %s, rank 0 has %s", r+1, rec.Mode, mode)
		}
	}

	size := len(records)
	d := &Decomposition{
		rank:      rank,
		extent:    extent,
		mode:      mode,
		rankStart: make([]int, size+1),
		localLen:  make([]int, size),
	}

	// Local offsets follow declaration order
	for r, rec := range records {
		offset := 0
		for _, s := range rec.Segments {
			d.spans = append(d.spans, Span{Segment: s, LocalOffset: offset})
			offset += s.Length
		}
		d.localLen[r] = offset
		d.rankStart[r+1] = len(d.spans)
	}

	// Declaration positions before sorting, so handles can be rebuilt after
	declared := make([]int, len(d.spans))
	for i := range declared {
		declared[i] = i
	}
	sort.SliceStable(declared, func(a, b int) bool {
		sa, sb := d.spans[declared[a]], d.spans[declared[b]]
		if sa.GlobalStart != sb.GlobalStart {
			return sa.GlobalStart < sb.GlobalStart
		}
		return sa.Owner < sb.Owner
	})
	sorted := make([]Span, len(d.spans))
	newPos := make([]int32, len(d.spans))
	for pos, old := range declared {
		sorted[pos] = d.spans[old]
		newPos[old] = int32(pos)
	}
	d.spans = sorted
	d.order = newPos

	if err := d.checkOverlap(); err != nil {
		return nil, err
	}

	d.maxEnd = make([]int, len(d.spans))
	for k, s := range d.spans {
		d.maxEnd[k] = s.End()
		if k > 0 && d.maxEnd[k-1] > d.maxEnd[k] {
			d.maxEnd[k] = d.maxEnd[k-1]
		}
	}

	d.mine = append([]int32(nil), d.order[d.rankStart[rank]:d.rankStart[rank+1]]...)
	sort.Slice(d.mine, func(a, b int) bool { return d.mine[a] < d.mine[b] })
	return d, nil
}

// checkOverlap sweeps the sorted table once and enforces coverage of
// [0, extent), no overlap within a rank, and no overlap at all in Exclusive mode
func (d *Decomposition) checkOverlap() error {
	covered := 0
	lastEnd := make(map[int]int) // owner -> end of its latest segment
	for _, s := range d.spans {
		if s.GlobalStart > covered {
			return fmt.Errorf("global indices [%d,%d) have no owner", covered, s.GlobalStart)
		}
		if s.GlobalStart < covered && d.mode == Exclusive {
			return fmt.Errorf("segment [%d,%d) of rank %d overlaps another owner in exclusive mode",
				s.GlobalStart, s.End(), s.Owner)
		}
		if end, ok := lastEnd[s.Owner]; ok && s.GlobalStart < end {
			return fmt.Errorf("rank %d owns global index %d twice", s.Owner, s.GlobalStart)
		}
		lastEnd[s.Owner] = s.End()
		if s.End() > covered {
			covered = s.End()
		}
	}
	if covered < d.extent {
		return fmt.Errorf("global indices [%d,%d) have no owner", covered, d.extent)
	}
	return nil
}

func descriptorID(records [][]byte, epoch uint64) uint64 {
	h := xxhash.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], epoch)
	_, _ = h.Write(b[:])
	for _, rec := range records {
		binary.LittleEndian.PutUint64(b[:], uint64(len(rec)))
		_, _ = h.Write(b[:])
		_, _ = h.Write(rec)
	}
	return h.Sum64()
}

// ID identifies this descriptor; identical on every rank of the group
func (d *Decomposition) ID() uint64 { return d.id }

// Group returns the process group the descriptor was built over
func (d *Decomposition) Group() comm.Group { return d.group }

// Rank returns the local rank
func (d *Decomposition) Rank() int { return d.rank }

// Extent returns N, the size of the global index range
func (d *Decomposition) Extent() int { return d.extent }

// Mode returns the ownership rule
func (d *Decomposition) Mode() Mode { return d.mode }

// NumRanks returns the group size the descriptor covers
func (d *Decomposition) NumRanks() int { return len(d.localLen) }

// LocalLength returns the number of elements this rank stores
func (d *Decomposition) LocalLength() int { return d.localLen[d.rank] }

// LocalLengthOf returns the number of elements rank stores, 0 if out of range
func (d *Decomposition) LocalLengthOf(rank int) int {
	if rank < 0 || rank >= len(d.localLen) {
		return 0
	}
	return d.localLen[rank]
}

// Segments returns every segment of the group sorted by (GlobalStart, Owner).
// Each call returns a fresh slice.
func (d *Decomposition) Segments() []Segment {
	out := make([]Segment, len(d.spans))
	for i, s := range d.spans {
		out[i] = s.Segment
	}
	return out
}

// Spans returns every segment with its local offset, sorted like Segments
func (d *Decomposition) Spans() []Span {
	return append([]Span(nil), d.spans...)
}

// LocalSegments returns the segments of this rank in local buffer order
func (d *Decomposition) LocalSegments() []Segment {
	return d.SegmentsOf(d.rank)
}

// SegmentsOf returns the segments of rank in its local buffer order
func (d *Decomposition) SegmentsOf(rank int) []Segment {
	if rank < 0 || rank >= len(d.localLen) {
		return nil
	}
	handles := d.order[d.rankStart[rank]:d.rankStart[rank+1]]
	out := make([]Segment, len(handles))
	for i, h := range handles {
		out[i] = d.spans[h].Segment
	}
	return out
}

// Owners returns every rank owning global index i in ascending order
func (d *Decomposition) Owners(i int) []int {
	if i < 0 || i >= d.extent {
		return nil
	}
	// Last span starting at or before i
	k := sort.Search(len(d.spans), func(k int) bool { return d.spans[k].GlobalStart > i }) - 1
	var owners []int
	for ; k >= 0 && d.maxEnd[k] > i; k-- {
		if d.spans[k].End() > i {
			owners = append(owners, d.spans[k].Owner)
		}
	}
	sort.Ints(owners)
	return owners
}

// Owner returns the lowest rank owning global index i, or -1 outside [0, Extent)
func (d *Decomposition) Owner(i int) int {
	owners := d.Owners(i)
	if len(owners) == 0 {
		return -1
	}
	return owners[0]
}

// LocalOffset maps global index i to its position in this rank's buffer
func (d *Decomposition) LocalOffset(i int) (int, bool) {
	k := sort.Search(len(d.mine), func(k int) bool {
		return d.spans[d.mine[k]].GlobalStart > i
	}) - 1
	if k < 0 {
		return 0, false
	}
	s := d.spans[d.mine[k]]
	if i >= s.End() {
		return 0, false
	}
	return s.LocalOffset + i - s.GlobalStart, true
}

// GlobalIndex maps a position in this rank's buffer back to its global index,
// or -1 if local is out of range
func (d *Decomposition) GlobalIndex(local int) int {
	if local < 0 || local >= d.LocalLength() {
		return -1
	}
	handles := d.order[d.rankStart[d.rank]:d.rankStart[d.rank+1]]
	k := sort.Search(len(handles), func(k int) bool {
		return d.spans[handles[k]].LocalOffset > local
	}) - 1
	s := d.spans[handles[k]]
	return s.GlobalStart + local - s.LocalOffset
}

// GlobalIndices returns the global index of every local slot, in local order
func (d *Decomposition) GlobalIndices() []int {
	out := make([]int, 0, d.LocalLength())
	for _, s := range d.LocalSegments() {
		for i := s.GlobalStart; i < s.End(); i++ {
			out = append(out, i)
		}
	}
	return out
}

// Stats summarizes the load of a decomposition
type Stats struct {
	NumRanks    int
	NumSegments int
	MinLocal    int
	MaxLocal    int
	AvgLocal    float64
	Imbalance   float64 // MaxLocal / AvgLocal
	Stored      int     // Sum of local lengths; exceeds Extent under replication
}

// Statistics computes load balance metrics over all ranks
func (d *Decomposition) Statistics() Stats {
	stats := Stats{
		NumRanks:    len(d.localLen),
		NumSegments: len(d.spans),
		MinLocal:    math.MaxInt,
	}
	for _, n := range d.localLen {
		stats.Stored += n
		if n < stats.MinLocal {
			stats.MinLocal = n
		}
		if n > stats.MaxLocal {
			stats.MaxLocal = n
		}
	}
	stats.AvgLocal = float64(stats.Stored) / float64(stats.NumRanks)
	if stats.AvgLocal > 0 {
		stats.Imbalance = float64(stats.MaxLocal) / stats.AvgLocal
	}
	return stats
}
