// Package rearrange executes a Router's schedule, moving field data from a
// buffer laid out under the router's source descriptor into one laid out
// under its target descriptor.
package rearrange

import (
	"context"
	"time"

	"github.com/notargets/DGCoupler/buffer"
	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/router"
	"github.com/notargets/DGCoupler/utils"
	"golang.org/x/sync/errgroup"
)

// DefaultCompressMin is the smallest body, in bytes, worth compressing
const DefaultCompressMin = 64 << 10

// Config tunes a Rearranger
type Config struct {
	Logger      *utils.Logger
	Compression Compression
	CompressMin int // 0 means DefaultCompressMin
}

// Result describes one completed exchange on the calling rank
type Result struct {
	Sequence         uint64
	MessagesSent     int
	MessagesReceived int
	ElementsSent     int // Values, summed over fields
	ElementsReceived int
	LocalCopies      int
	BytesSent        int
	Elapsed          time.Duration
}

// Rearranger runs exchanges. It holds no per-exchange state, so one
// Rearranger may serve any number of routers concurrently.
type Rearranger struct {
	log   *utils.Logger
	codec *codec
}

// New creates a Rearranger
func New(cfg Config) *Rearranger {
	compressMin := cfg.CompressMin
	if compressMin <= 0 {
		compressMin = DefaultCompressMin
	}
	return &Rearranger{
		log:   utils.OrNoop(cfg.Logger),
		codec: newCodec(cfg.Compression, compressMin),
	}
}

// Exchange redistributes the named fields (all of src's fields when none are
// named) from src into dst following rt. It is synchronous: on success every
// scheduled element has been written into dst. Every rank of the router's
// group must call Exchange on the same router with the same fields, in the
// same order relative to its other exchanges on that router.
//
// Self transfers are copied before any transport wait, so they land even if
// the transport later fails.
func (r *Rearranger) Exchange(ctx context.Context, rt *router.Router, src, dst *buffer.Buffer,
	fields ...string) (*Result, error) {

	start := time.Now()
	if rt == nil {
		return nil, utils.ProtocolMismatch("rearrange.Exchange", -1, "nil router")
	}
	rank := rt.Rank()
	log := r.log.WithRank(rank)

	if len(fields) == 0 && src != nil {
		fields = src.Fields()
	}
	srcViews, dstViews, err := validate(rt, src, dst, fields)
	if err != nil {
		log.LogExchange(ctx, rt.ID(), 0, 0, err)
		return nil, err
	}

	seq := rt.Next()
	tag := rt.Tag(seq)
	want := header{Seq: seq, FieldsHash: fieldsHash(fields), Fields: len(fields)}
	res := &Result{Sequence: seq}

	res, err = r.run(ctx, rt, tag, want, srcViews, dstViews, res)
	if err != nil {
		log.LogExchange(ctx, rt.ID(), seq, 0, err)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	log.LogExchange(ctx, rt.ID(), seq, res.ElementsReceived+res.LocalCopies, nil)
	return res, nil
}

func (r *Rearranger) run(ctx context.Context, rt *router.Router, tag uint64, want header,
	srcViews, dstViews [][]float64, res *Result) (*Result, error) {

	const op = "rearrange.Exchange"
	rank := rt.Rank()
	g := rt.Group()

	// Outstanding receives are abandoned on any failure
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvPlan := rt.RecvPlan()
	recvs := make([]*comm.Request, len(recvPlan))
	for i, tr := range recvPlan {
		recvs[i] = g.Irecv(ctx, tr.Peer, tag)
	}

	sendPlan := rt.SendPlan()
	sends := make([]*comm.Request, len(sendPlan))
	for i, tr := range sendPlan {
		frame, err := r.codec.pack(want.Seq, want.FieldsHash, srcViews, tr.LocalIndices)
		if err != nil {
			return nil, utils.Communication(op, rank, err)
		}
		sends[i] = g.Isend(ctx, tr.Peer, tag, *frame)
		res.BytesSent += len(*frame)
		r.codec.release(frame) // Isend has copied it
		res.MessagesSent++
		res.ElementsSent += len(tr.LocalIndices) * len(srcViews)
	}

	ls, ld := rt.LocalCopy()
	for f := range srcViews {
		s, d := srcViews[f], dstViews[f]
		for k := range ls {
			d[ld[k]] = s[ls[k]]
		}
	}
	res.LocalCopies = len(ls) * len(srcViews)

	payloads := make([][]byte, len(recvs))
	eg, ectx := errgroup.WithContext(ctx)
	for i, req := range recvs {
		eg.Go(func() error {
			p, err := req.Wait(ectx)
			payloads[i] = p
			return err
		})
	}
	for _, req := range sends {
		eg.Go(func() error {
			_, err := req.Wait(ectx)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, utils.Communication(op, rank, err)
	}

	// Unpack in plan order so overlapping deliveries resolve the same way every call
	for i, tr := range recvPlan {
		w := want
		w.Elements = len(tr.LocalIndices)
		if err := r.codec.unpack(payloads[i], w, dstViews, tr.LocalIndices); err != nil {
			return nil, utils.ProtocolMismatch(op, rank, "message from rank %d: %w", tr.Peer, err)
		}
		res.MessagesReceived++
		res.ElementsReceived += len(tr.LocalIndices) * len(dstViews)
	}
	return res, nil
}

// validate checks the buffers against the router and resolves field views
func validate(rt *router.Router, src, dst *buffer.Buffer, fields []string) (srcViews, dstViews [][]float64, err error) {
	const op = "rearrange.Exchange"
	rank := rt.Rank()

	switch {
	case src == nil || dst == nil:
		return nil, nil, utils.ProtocolMismatch(op, rank, "nil buffer")
	case src == dst:
		return nil, nil, utils.ProtocolMismatch(op, rank, "source and target are the same buffer")
	case len(fields) == 0:
		return nil, nil, utils.ProtocolMismatch(op, rank, "no fields to exchange")
	case src.Len() != rt.Source().LocalLength():
		return nil, nil, utils.ProtocolMismatch(op, rank, "source buffer length %d, router source expects %d",
			src.Len(), rt.Source().LocalLength())
	case dst.Len() != rt.Target().LocalLength():
		return nil, nil, utils.ProtocolMismatch(op, rank, "target buffer length %d, router target expects %d",
			dst.Len(), rt.Target().LocalLength())
	}

	seen := make(map[string]bool, len(fields))
	srcViews = make([][]float64, len(fields))
	dstViews = make([][]float64, len(fields))
	for i, name := range fields {
		if seen[name] {
			return nil, nil, utils.ProtocolMismatch(op, rank, "field %q requested twice", name)
		}
		seen[name] = true
		if srcViews[i], err = src.View(name); err != nil {
			return nil, nil, utils.ProtocolMismatch(op, rank, "source: %w", err)
		}
		if dstViews[i], err = dst.View(name); err != nil {
			return nil, nil, utils.ProtocolMismatch(op, rank, "target: %w", err)
		}
	}
	return srcViews, dstViews, nil
}
