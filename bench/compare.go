package bench

import (
	"context"

	"github.com/notargets/DGCoupler/utils"
)

// Comparison is the outcome of two runs over the same index space
type Comparison struct {
	One, Two *Report
	Match    bool // Gathered targets are bit-for-bit identical
}

// CompareTwo runs two scenarios and compares their targets in global index
// order. Passing the same config twice checks reproducibility; the runs may
// also differ in rank count or layouts, since only the gathered result is
// compared.
func CompareTwo(ctx context.Context, one, two Config) (*Comparison, error) {
	const op = "bench.CompareTwo"
	if one.Extent != two.Extent || one.Fields != two.Fields {
		return nil, utils.Configuration(op, -1, "runs cover different data: extent %d/%d, fields %d/%d",
			one.Extent, two.Extent, one.Fields, two.Fields)
	}

	c := &Comparison{}
	var err error
	if c.One, err = RunScenario(ctx, one); err != nil {
		return nil, err
	}
	if c.Two, err = RunScenario(ctx, two); err != nil {
		return c, err
	}
	c.Match = c.One.Global == c.Two.Global
	return c, nil
}
