// Package router computes the point-to-point schedule that redistributes data
// laid out under a source Decomposition into a target Decomposition.
package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/partitions"
	"github.com/notargets/DGCoupler/utils"
	"github.com/tinylib/msgp/msgp"
)

// Config carries the optional collaborators of Build
type Config struct {
	Logger *utils.Logger
}

// Transfer is one message's worth of schedule with a single peer
type Transfer struct {
	Peer int
	// Positions in the local buffer, in wire order
	LocalIndices []int
	// Position of the first element in the peer's buffer (target side for
	// sends, source side for receives)
	RemoteOffset int
}

// plan is a Transfer stored as a handle into the router arena
type plan struct {
	peer         int
	start, count int
	remoteOffset int
}

// Router is the precomputed schedule between two descriptors for one rank.
// Immutable after Build apart from the per-call sequence counter.
type Router struct {
	id     uint64
	group  comm.Group
	rank   int
	source *partitions.Decomposition
	target *partitions.Decomposition

	// All index lists live in one arena; plans refer to it by offset
	arena []int
	sends []plan
	recvs []plan
	// Self transfers: source positions and target positions, pairwise
	localSrc plan
	localDst plan

	calls atomic.Uint64
}

// Build collectively constructs the Router from source to target over group.
// Both descriptors must have been built on group and cover the same extent.
func Build(ctx context.Context, source, target *partitions.Decomposition, group comm.Group,
	cfg Config) (*Router, error) {

	const op = "router.Build"
	rank := group.Rank()
	log := utils.OrNoop(cfg.Logger).WithRank(rank)

	rec := consistencyRecord{GroupSize: group.Size()}
	switch {
	case source == nil || target == nil:
		rec.Problem = "nil descriptor"
	case source.Group() != group || target.Group() != group:
		rec.Problem = "descriptor built over a different process group"
	default:
		rec.SourceID, rec.TargetID = source.ID(), target.ID()
		rec.SourceExtent, rec.TargetExtent = source.Extent(), target.Extent()
	}

	all, err := group.Allgather(ctx, rec.appendMsg(nil))
	if err != nil {
		log.LogRouterBuild(ctx, 0, 0, 0, 0, err)
		return nil, err
	}
	if err := checkConsistency(all); err != nil {
		err = utils.Configuration(op, rank, "%w", err)
		log.LogRouterBuild(ctx, 0, 0, 0, 0, err)
		return nil, err
	}

	r := &Router{
		id:     routerID(source.ID(), target.ID(), group.Epoch()),
		group:  group,
		rank:   rank,
		source: source,
		target: target,
	}
	r.schedule(source.Spans(), target.Spans())

	log.LogRouterBuild(ctx, r.id, len(r.sends), len(r.recvs), r.localSrc.count, nil)
	return r, nil
}

// schedule turns the intersections that involve this rank into plans
func (r *Router) schedule(src, tgt []partitions.Span) {
	var sends, recvs, local []piece
	for _, p := range intersect(src, tgt, func(s, t partitions.Span) bool {
		return s.Owner == r.rank || t.Owner == r.rank
	}) {
		sOwner, tOwner := src[p.src].Owner, tgt[p.tgt].Owner
		switch {
		case sOwner == r.rank && tOwner == r.rank:
			local = append(local, p)
		case sOwner == r.rank:
			sends = append(sends, p)
		default:
			recvs = append(recvs, p)
		}
	}

	sortByPeer(sends, func(p piece) int { return tgt[p.tgt].Owner })
	sortByPeer(recvs, func(p piece) int { return src[p.src].Owner })
	sortByPeer(local, func(piece) int { return r.rank })

	r.arena = make([]int, 0, 2*volume(local)+volume(sends)+volume(recvs))

	r.sends = r.perPeer(sends, func(p piece) int { return tgt[p.tgt].Owner },
		func(p piece) partitions.Span { return src[p.src] },
		func(p piece) partitions.Span { return tgt[p.tgt] })
	r.recvs = r.perPeer(recvs, func(p piece) int { return src[p.src].Owner },
		func(p piece) partitions.Span { return tgt[p.tgt] },
		func(p piece) partitions.Span { return src[p.src] })

	r.localSrc = r.appendPlan(r.rank, local, func(p piece) partitions.Span { return src[p.src] })
	r.localDst = r.appendPlan(r.rank, local, func(p piece) partitions.Span { return tgt[p.tgt] })
}

func volume(pieces []piece) int {
	n := 0
	for _, p := range pieces {
		n += p.length
	}
	return n
}

// perPeer concatenates the pieces for each peer into a single plan. mine picks
// the span in this rank's buffer, theirs the span on the peer.
func (r *Router) perPeer(pieces []piece, peer func(piece) int,
	mine, theirs func(piece) partitions.Span) []plan {

	var plans []plan
	for lo := 0; lo < len(pieces); {
		hi := lo
		for hi < len(pieces) && peer(pieces[hi]) == peer(pieces[lo]) {
			hi++
		}
		p := r.appendPlan(peer(pieces[lo]), pieces[lo:hi], mine)
		first := pieces[lo]
		far := theirs(first)
		p.remoteOffset = far.LocalOffset + first.start - far.GlobalStart
		plans = append(plans, p)
		lo = hi
	}
	return plans
}

func (r *Router) appendPlan(peer int, pieces []piece, span func(piece) partitions.Span) plan {
	p := plan{peer: peer, start: len(r.arena)}
	for _, pc := range pieces {
		s := span(pc)
		base := s.LocalOffset + pc.start - s.GlobalStart
		for k := 0; k < pc.length; k++ {
			r.arena = append(r.arena, base+k)
		}
	}
	p.count = len(r.arena) - p.start
	return p
}

func (r *Router) indices(p plan) []int {
	return r.arena[p.start : p.start+p.count : p.start+p.count]
}

func (r *Router) transfers(plans []plan) []Transfer {
	out := make([]Transfer, len(plans))
	for i, p := range plans {
		out[i] = Transfer{Peer: p.peer, LocalIndices: r.indices(p), RemoteOffset: p.remoteOffset}
	}
	return out
}

// SendPlan lists the outgoing messages, one per peer, sorted by peer.
// Index slices alias the router and must not be modified.
func (r *Router) SendPlan() []Transfer { return r.transfers(r.sends) }

// RecvPlan lists the incoming messages, one per peer, sorted by peer
func (r *Router) RecvPlan() []Transfer { return r.transfers(r.recvs) }

// LocalCopy returns the self transfers as paired source and target positions
func (r *Router) LocalCopy() (src, dst []int) {
	return r.indices(r.localSrc), r.indices(r.localDst)
}

// SendVolume is the number of elements this rank sends per field
func (r *Router) SendVolume() int { return sumCount(r.sends) }

// RecvVolume is the number of elements this rank receives per field
func (r *Router) RecvVolume() int { return sumCount(r.recvs) }

// LocalVolume is the number of elements copied locally per field
func (r *Router) LocalVolume() int { return r.localSrc.count }

func sumCount(plans []plan) int {
	n := 0
	for _, p := range plans {
		n += p.count
	}
	return n
}

// ID identifies the router; identical on every rank
func (r *Router) ID() uint64 { return r.id }

// Group returns the process group
func (r *Router) Group() comm.Group { return r.group }

// Rank returns the local rank
func (r *Router) Rank() int { return r.rank }

// Source returns the descriptor data is read under
func (r *Router) Source() *partitions.Decomposition { return r.source }

// Target returns the descriptor data is written under
func (r *Router) Target() *partitions.Decomposition { return r.target }

// Next reserves the sequence number of a new exchange call. Ranks issuing
// exchanges on one router in the same order agree on it.
func (r *Router) Next() uint64 { return r.calls.Add(1) }

// Tag derives the message tag of exchange call seq
func (r *Router) Tag(seq uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], r.id)
	binary.LittleEndian.PutUint64(b[8:], seq)
	return xxhash.Sum64(b[:])
}

func routerID(src, tgt, epoch uint64) uint64 {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[:8], src)
	binary.LittleEndian.PutUint64(b[8:16], tgt)
	binary.LittleEndian.PutUint64(b[16:], epoch)
	return xxhash.Sum64(b[:])
}

// consistencyRecord is what every rank contributes to the router collective
type consistencyRecord struct {
	SourceID, TargetID         uint64
	SourceExtent, TargetExtent int
	GroupSize                  int
	Problem                    string
}

func (c *consistencyRecord) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 6)
	b = msgp.AppendUint64(b, c.SourceID)
	b = msgp.AppendUint64(b, c.TargetID)
	b = msgp.AppendInt(b, c.SourceExtent)
	b = msgp.AppendInt(b, c.TargetExtent)
	b = msgp.AppendInt(b, c.GroupSize)
	b = msgp.AppendString(b, c.Problem)
	return b
}

func (c *consistencyRecord) unmarshalMsg(b []byte) (err error) {
	var sz uint32
	if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return err
	}
	if sz != 6 {
		return fmt.Errorf("router record has %d fields, want 6", sz)
	}
	if c.SourceID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return err
	}
	if c.TargetID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return err
	}
	if c.SourceExtent, b, err = msgp.ReadIntBytes(b); err != nil {
		return err
	}
	if c.TargetExtent, b, err = msgp.ReadIntBytes(b); err != nil {
		return err
	}
	if c.GroupSize, b, err = msgp.ReadIntBytes(b); err != nil {
		return err
	}
	c.Problem, _, err = msgp.ReadStringBytes(b)
	return err
}

// checkConsistency runs identically on every rank, so all ranks agree on the verdict
func checkConsistency(all [][]byte) error {
	recs := make([]consistencyRecord, len(all))
	for i, b := range all {
		if err := recs[i].unmarshalMsg(b); err != nil {
			return fmt.Errorf("malformed record from rank %d: %w", i, err)
		}
		if recs[i].Problem != "" {
			return fmt.Errorf("rank %d: %s", i, recs[i].Problem)
		}
	}
	ref := recs[0]
	for i, c := range recs {
		if c.GroupSize != len(all) {
			return fmt.Errorf("rank %d sees group size %d, collective has %d ranks", i, c.GroupSize, len(all))
		}
		if c.SourceID != ref.SourceID || c.TargetID != ref.TargetID {
			return fmt.Errorf("rank %d holds descriptors (%x, %x), rank 0 holds (%x, %x)",
				i, c.SourceID, c.TargetID, ref.SourceID, ref.TargetID)
		}
	}
	if ref.SourceExtent != ref.TargetExtent {
		return fmt.Errorf("source extent %d != target extent %d", ref.SourceExtent, ref.TargetExtent)
	}
	return nil
}
