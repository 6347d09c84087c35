package buffer

import (
	"testing"

	"github.com/notargets/DGCoupler/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

type fixedLayout int

func (f fixedLayout) LocalLength() int { return int(f) }

func TestAllocate_PackedLayout(t *testing.T) {
	b, err := Allocate(fixedLayout(4), []string{"u", "v", "w"}, Config{})
	require.NoError(t, err)

	assert.Equal(t, 4, b.Len())
	assert.Equal(t, []string{"u", "v", "w"}, b.Fields())
	assert.Len(t, b.Data(), 12)

	require.NoError(t, b.Fill("v", func(i int) float64 { return float64(10 + i) }))
	assert.Equal(t, []float64{0, 0, 0, 0, 10, 11, 12, 13, 0, 0, 0, 0}, b.Data())

	// Views alias the packed storage
	w := b.MustView("w")
	w[3] = -1
	assert.Equal(t, -1.0, b.Data()[11])

	i, ok := b.FieldIndex("w")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	assert.True(t, b.Has("u"))
	assert.False(t, b.Has("p"))
}

func TestAllocate_ViewCannotGrowIntoNeighbor(t *testing.T) {
	b, err := Allocate(fixedLayout(2), []string{"a", "b"}, Config{})
	require.NoError(t, err)
	a := b.MustView("a")
	a = append(a, 99) // must reallocate, not overwrite field b
	_ = a
	assert.Equal(t, []float64{0, 0}, b.MustView("b"))
}

func TestAllocate_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		layout Layout
		fields []string
		cfg    Config
		kind   error
	}{
		{"nil layout", nil, []string{"u"}, Config{}, utils.ErrConfiguration},
		{"no fields", fixedLayout(3), nil, Config{}, utils.ErrConfiguration},
		{"duplicate", fixedLayout(3), []string{"u", "u"}, Config{}, utils.ErrConfiguration},
		{"empty name", fixedLayout(3), []string{""}, Config{}, utils.ErrConfiguration},
		{"over limit", fixedLayout(100), []string{"u", "v"}, Config{MaxElements: 150}, utils.ErrAllocationFailure},
		{"negative length", fixedLayout(-1), []string{"u"}, Config{}, utils.ErrAllocationFailure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Allocate(tc.layout, tc.fields, tc.cfg)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestAllocate_EmptyLocalLength(t *testing.T) {
	b, err := Allocate(fixedLayout(0), []string{"u"}, Config{})
	require.NoError(t, err)
	assert.Empty(t, b.MustView("u"))
	_, err = b.VecView("u")
	assert.Error(t, err)
}

func TestVecView(t *testing.T) {
	b, err := Allocate(fixedLayout(3), []string{"u"}, Config{})
	require.NoError(t, err)
	vec, err := b.VecView("u")
	require.NoError(t, err)

	vec.SetVec(1, 2.5)
	assert.Equal(t, 2.5, b.MustView("u")[1])

	vec.ScaleVec(2, vec)
	assert.True(t, floats.Equal([]float64{0, 5, 0}, b.MustView("u")))

	_, err = b.VecView("missing")
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	a, err := Allocate(fixedLayout(5), []string{"u", "v"}, Config{})
	require.NoError(t, err)
	b, err := Allocate(fixedLayout(5), []string{"u", "v"}, Config{})
	require.NoError(t, err)

	for _, buf := range []*Buffer{a, b} {
		require.NoError(t, buf.Fill("u", func(i int) float64 { return float64(i) / 3 }))
	}
	ca, err := a.Checksum()
	require.NoError(t, err)
	cb, err := b.Checksum()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)

	b.MustView("v")[4] = 1e-300
	cb, err = b.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, ca, cb)

	// Restricting to u ignores the difference in v
	ua, _ := a.Checksum("u")
	ub, _ := b.Checksum("u")
	assert.Equal(t, ua, ub)

	_, err = a.Checksum("nope")
	assert.Error(t, err)
}
