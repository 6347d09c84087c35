package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/rearrange"
	"github.com/notargets/DGCoupler/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Point is the timing of one sweep size
type Point struct {
	Extent   int
	Fields   int
	Bytes    int // Payload bytes per exchange, all ranks
	Messages int
	Mean     time.Duration // Over repeats, each the slowest rank
	StdDev   time.Duration
	Min      time.Duration
	Max      time.Duration
}

func (p Point) String() string {
	return fmt.Sprintf("extent=%d fields=%d msgs=%d bytes=%d mean=%v sd=%v min=%v max=%v",
		p.Extent, p.Fields, p.Messages, p.Bytes, p.Mean, p.StdDev, p.Min, p.Max)
}

// Sweep times cfg.Repeats exchanges at each extent in cfg.Sizes. The router
// is built once per size; only Exchange is timed.
func Sweep(ctx context.Context, cfg Config) ([]Point, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Sizes) == 0 {
		return nil, utils.Configuration("bench.Sweep", -1, "no sizes to sweep")
	}
	log := cfg.logger()

	points := make([]Point, 0, len(cfg.Sizes))
	for _, n := range cfg.Sizes {
		c := cfg
		c.Extent = n
		p, err := sweepOne(ctx, c, log)
		if err != nil {
			return points, fmt.Errorf("extent %d: %w", n, err)
		}
		log.Info("sweep point", "extent", p.Extent, "mean", p.Mean, "stddev", p.StdDev)
		points = append(points, p)
	}
	return points, nil
}

func sweepOne(ctx context.Context, cfg Config, log *utils.Logger) (Point, error) {
	p := Point{Extent: cfg.Extent, Fields: cfg.Fields}
	w, err := comm.NewWorld(comm.WorldConfig{Size: cfg.Procs})
	if err != nil {
		return p, err
	}
	rr := rearrange.New(cfg.rearrangeConfig(log))

	// elapsed[rep][rank]; each rank writes only its own column
	elapsed := make([][]time.Duration, cfg.Repeats)
	for i := range elapsed {
		elapsed[i] = make([]time.Duration, cfg.Procs)
	}
	messages := make([]int, cfg.Procs)
	bytes := make([]int, cfg.Procs)

	err = comm.Run(ctx, w, func(ctx context.Context, g comm.Group) error {
		st, err := prepare(ctx, g, cfg, log)
		if err != nil {
			return err
		}
		for rep := 0; rep < cfg.Repeats; rep++ {
			if err := g.Barrier(ctx); err != nil {
				return err
			}
			res, err := rr.Exchange(ctx, st.fwd, st.in, st.out)
			if err != nil {
				return err
			}
			elapsed[rep][g.Rank()] = res.Elapsed
			messages[g.Rank()], bytes[g.Rank()] = res.MessagesSent, res.BytesSent
		}
		return verify(st.out, st.tgt, cfg.Extent)
	})
	if err != nil {
		return p, err
	}

	samples := make([]float64, cfg.Repeats)
	for rep, ranks := range elapsed {
		slowest := time.Duration(0)
		for _, d := range ranks {
			slowest = max(slowest, d)
		}
		samples[rep] = float64(slowest)
	}
	mean, sd := stat.MeanStdDev(samples, nil)
	if cfg.Repeats == 1 {
		sd = 0
	}
	p.Mean, p.StdDev = time.Duration(mean), time.Duration(sd)
	p.Min, p.Max = time.Duration(floats.Min(samples)), time.Duration(floats.Max(samples))
	for r := range messages {
		p.Messages += messages[r]
		p.Bytes += bytes[r]
	}
	return p, nil
}
