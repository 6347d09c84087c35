package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notargets/DGCoupler/buffer"
	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/partitions"
	"github.com/notargets/DGCoupler/rearrange"
	"github.com/notargets/DGCoupler/router"
	"github.com/notargets/DGCoupler/utils"
	"gonum.org/v1/gonum/floats"
)

// ErrVerification marks exchanged values that differ from what was sent
var ErrVerification = errors.New("verification failed")

// Report summarizes one scenario run
type Report struct {
	Procs    int
	Extent   int
	Fields   int
	Source   string
	Target   string
	Messages int // Forward exchange, summed over ranks
	Bytes    int
	Local    int           // Values copied without the transport
	Forward  time.Duration // Slowest rank
	Backward time.Duration
	// Checksums of each rank's target buffer and of the target gathered
	// into global index order
	Checksums  []uint64
	Global     uint64
	DeviceMode string // Set when targets were staged through a device
}

// extentLayout is a buffer layout of the whole index space
type extentLayout int

func (e extentLayout) LocalLength() int { return int(e) }

// value is what every scenario stores at global index g of field f
func value(g, f, extent int) float64 {
	return float64(g + f*extent)
}

// rankState is one rank's view of a scenario
type rankState struct {
	src, tgt *partitions.Decomposition
	fwd      *router.Router
	in, out  *buffer.Buffer
}

func prepare(ctx context.Context, g comm.Group, cfg Config, log *utils.Logger) (*rankState, error) {
	srcLayout, tgtLayout, err := cfg.layouts()
	if err != nil {
		return nil, utils.Configuration("bench.prepare", g.Rank(), "%w", err)
	}
	r, size, n := g.Rank(), g.Size(), cfg.Extent
	pcfg := partitions.Config{Logger: log}

	st := &rankState{}
	if st.src, err = partitions.Build(ctx, g, n, srcLayout.Mode(), srcLayout.Segments(r, size, n), pcfg); err != nil {
		return nil, err
	}
	if st.tgt, err = partitions.Build(ctx, g, n, tgtLayout.Mode(), tgtLayout.Segments(r, size, n), pcfg); err != nil {
		return nil, err
	}
	if st.fwd, err = router.Build(ctx, st.src, st.tgt, g, router.Config{Logger: log}); err != nil {
		return nil, err
	}

	fields := cfg.fieldNames()
	if st.in, err = buffer.Allocate(st.src, fields, buffer.Config{}); err != nil {
		return nil, err
	}
	if st.out, err = buffer.Allocate(st.tgt, fields, buffer.Config{}); err != nil {
		return nil, err
	}
	fill(st.in, st.src, n)
	return st, nil
}

func fill(b *buffer.Buffer, d *partitions.Decomposition, extent int) {
	globals := d.GlobalIndices()
	for f, name := range b.Fields() {
		v := b.MustView(name)
		for l, g := range globals {
			v[l] = value(g, f, extent)
		}
	}
}

// verify compares every local slot of b with the value stored at its global index
func verify(b *buffer.Buffer, d *partitions.Decomposition, extent int) error {
	globals := d.GlobalIndices()
	want := make([]float64, len(globals))
	for f, name := range b.Fields() {
		for l, g := range globals {
			want[l] = value(g, f, extent)
		}
		got := b.MustView(name)
		if floats.Equal(want, got) {
			continue
		}
		for l := range want {
			if want[l] != got[l] {
				return fmt.Errorf("%w: rank %d field %s global %d: got %v, want %v",
					ErrVerification, d.Rank(), name, globals[l], got[l], want[l])
			}
		}
	}
	return nil
}

// RunScenario exchanges source to target, verifies every target slot, sends
// the target back through the reverse router and verifies the round trip.
func RunScenario(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, err := comm.NewWorld(comm.WorldConfig{Size: cfg.Procs})
	if err != nil {
		return nil, err
	}
	log := cfg.logger()
	rr := rearrange.New(cfg.rearrangeConfig(log))

	srcName, tgtName, _ := cfg.resolved()
	rep := &Report{
		Procs:     cfg.Procs,
		Extent:    cfg.Extent,
		Fields:    cfg.Fields,
		Source:    srcName,
		Target:    tgtName,
		Checksums: make([]uint64, cfg.Procs),
	}
	states := make([]*rankState, cfg.Procs)
	var mu sync.Mutex

	err = comm.Run(ctx, w, func(ctx context.Context, g comm.Group) error {
		st, err := prepare(ctx, g, cfg, log)
		if err != nil {
			return err
		}
		fwd, err := rr.Exchange(ctx, st.fwd, st.in, st.out)
		if err != nil {
			return err
		}
		if err := verify(st.out, st.tgt, cfg.Extent); err != nil {
			return err
		}

		back, err := router.Build(ctx, st.tgt, st.src, g, router.Config{Logger: log})
		if err != nil {
			return err
		}
		again, err := buffer.Allocate(st.src, cfg.fieldNames(), buffer.Config{})
		if err != nil {
			return err
		}
		bwd, err := rr.Exchange(ctx, back, st.out, again)
		if err != nil {
			return err
		}
		if !floats.Equal(st.in.Data(), again.Data()) {
			return fmt.Errorf("%w: rank %d round trip differs from source", ErrVerification, g.Rank())
		}
		sum, err := st.out.Checksum()
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		states[g.Rank()] = st
		rep.Checksums[g.Rank()] = sum
		rep.Messages += fwd.MessagesSent
		rep.Bytes += fwd.BytesSent
		rep.Local += fwd.LocalCopies
		rep.Forward = max(rep.Forward, fwd.Elapsed)
		rep.Backward = max(rep.Backward, bwd.Elapsed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rep.Global, err = gather(states, cfg); err != nil {
		return nil, err
	}
	if cfg.Device {
		if rep.DeviceMode, err = stage(states, cfg); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// gather assembles every rank's target into global index order and hashes
// it. Replicas hold identical values, so the last writer does not matter.
func gather(states []*rankState, cfg Config) (uint64, error) {
	global, err := buffer.Allocate(extentLayout(cfg.Extent), cfg.fieldNames(), buffer.Config{})
	if err != nil {
		return 0, err
	}
	for _, st := range states {
		globals := st.tgt.GlobalIndices()
		for _, name := range global.Fields() {
			dst, src := global.MustView(name), st.out.MustView(name)
			for l, g := range globals {
				dst[g] = src[l]
			}
		}
	}
	return global.Checksum()
}
