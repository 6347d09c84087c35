package device

import (
	"context"
	"testing"

	"github.com/notargets/DGCoupler/buffer"
	"github.com/notargets/DGCoupler/comm"
	"github.com/notargets/DGCoupler/partitions"
	"github.com/notargets/DGCoupler/rearrange"
	"github.com/notargets/DGCoupler/router"
	"github.com/notargets/DGCoupler/utils"
	"github.com/notargets/gocca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLayout int

func (f fixedLayout) LocalLength() int { return int(f) }

func testDevice(t *testing.T) *gocca.OCCADevice {
	t.Helper()
	dev, err := NewDevice()
	if err != nil {
		t.Skipf("no OCCA backend: %v", err)
	}
	t.Cleanup(dev.Free)
	return dev
}

func TestMirror_RoundTrip(t *testing.T) {
	dev := testDevice(t)

	buf, err := buffer.Allocate(fixedLayout(8), []string{"u", "v"}, buffer.Config{})
	require.NoError(t, err)
	require.NoError(t, buf.Fill("u", func(i int) float64 { return float64(i) }))
	require.NoError(t, buf.Fill("v", func(i int) float64 { return -float64(i) }))

	m, err := NewMirror(dev, buf)
	require.NoError(t, err)
	defer m.Free()

	want := append([]float64(nil), buf.Data()...)
	for i := range buf.Data() {
		buf.Data()[i] = 0
	}
	m.Download()
	assert.Equal(t, want, buf.Data())

	// Field-level copies touch only their own slice of device memory
	buf.MustView("v")[3] = 42
	require.NoError(t, m.UploadField("v"))
	buf.MustView("v")[3] = 0
	buf.MustView("u")[0] = 99
	require.NoError(t, m.DownloadField("v"))
	assert.Equal(t, 42.0, buf.MustView("v")[3])
	assert.Equal(t, 99.0, buf.MustView("u")[0])

	assert.Error(t, m.UploadField("w"))
}

func TestNewMirror_Errors(t *testing.T) {
	dev := testDevice(t)

	empty, err := buffer.Allocate(fixedLayout(0), []string{"u"}, buffer.Config{})
	require.NoError(t, err)
	_, err = NewMirror(dev, empty)
	assert.ErrorIs(t, err, utils.ErrAllocationFailure)

	_, err = NewMirror(dev, nil)
	assert.ErrorIs(t, err, utils.ErrConfiguration)

	_, err = NewMirror(nil, empty)
	assert.ErrorIs(t, err, utils.ErrConfiguration)
}

func TestNewDevice_NoBackend(t *testing.T) {
	_, err := NewDevice(`{"mode": "NoSuchBackend"}`)
	assert.ErrorIs(t, err, utils.ErrAllocationFailure)
}

func TestMirror_AfterExchange(t *testing.T) {
	dev := testDevice(t)

	got := make([][]float64, 2)
	err := comm.RunSize(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		r, size := g.Rank(), g.Size()
		src, err := partitions.Build(ctx, g, 10, partitions.Exclusive,
			partitions.BlockSegments(r, size, 10), partitions.Config{})
		if err != nil {
			return err
		}
		tgt, err := partitions.Build(ctx, g, 10, partitions.Exclusive,
			partitions.RoundRobinSegments(r, size, 10), partitions.Config{})
		if err != nil {
			return err
		}
		rt, err := router.Build(ctx, src, tgt, g, router.Config{})
		if err != nil {
			return err
		}
		a, _ := buffer.Allocate(src, []string{"x"}, buffer.Config{})
		b, _ := buffer.Allocate(tgt, []string{"x"}, buffer.Config{})
		for l, gi := range src.GlobalIndices() {
			a.MustView("x")[l] = float64(gi)
		}
		if _, err := rearrange.New(rearrange.Config{}).Exchange(ctx, rt, a, b); err != nil {
			return err
		}

		got[r] = b.MustView("x")
		return nil
	})
	require.NoError(t, err)

	// OCCA devices are driven from one goroutine
	for r, x := range got {
		b, err := buffer.Allocate(fixedLayout(len(x)), []string{"x"}, buffer.Config{})
		require.NoError(t, err)
		copy(b.MustView("x"), x)
		m, err := NewMirror(dev, b)
		require.NoError(t, err)
		m.Upload()
		out, err := buffer.Allocate(fixedLayout(len(x)), []string{"x"}, buffer.Config{})
		require.NoError(t, err)
		back := &Mirror{dev: dev, mem: m.Memory(), buf: out}
		back.Download()
		m.Free()
		got[r] = out.MustView("x")
	}
	assert.Equal(t, []float64{0, 2, 4, 6, 8}, got[0])
	assert.Equal(t, []float64{1, 3, 5, 7, 9}, got[1])
}
