// Package buffer holds the exchange buffers a Rearranger reads from and
// writes into: named float64 fields of one local length, packed back to back.
package buffer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/notargets/DGCoupler/utils"
	"gonum.org/v1/gonum/mat"
)

// DefaultMaxElements caps a single allocation (fields × local length)
const DefaultMaxElements = 1 << 30

// Layout is anything that fixes a local length, normally a
// *partitions.Decomposition
type Layout interface {
	LocalLength() int
}

// Config bounds allocations
type Config struct {
	MaxElements int // 0 means DefaultMaxElements
}

// Buffer stores its fields contiguously in declared order:
// field f occupies Data[f*Len : (f+1)*Len]
type Buffer struct {
	names  []string
	index  map[string]int
	length int
	data   []float64
}

// Allocate creates a zeroed buffer sized to layout's local length per field
func Allocate(layout Layout, fields []string, cfg Config) (*Buffer, error) {
	const op = "buffer.Allocate"
	if layout == nil {
		return nil, utils.Configuration(op, -1, "nil layout")
	}
	if len(fields) == 0 {
		return nil, utils.Configuration(op, -1, "no fields requested")
	}

	index := make(map[string]int, len(fields))
	for i, name := range fields {
		if name == "" {
			return nil, utils.Configuration(op, -1, "field %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return nil, utils.Configuration(op, -1, "field %q declared twice", name)
		}
		index[name] = i
	}

	length := layout.LocalLength()
	limit := cfg.MaxElements
	if limit <= 0 {
		limit = DefaultMaxElements
	}
	if length < 0 {
		return nil, utils.Allocation(op, -1, "negative local length %d", length)
	}
	if length > 0 && len(fields) > limit/length {
		return nil, utils.Allocation(op, -1, "%d fields of %d elements exceeds limit of %d elements",
			len(fields), length, limit)
	}

	return &Buffer{
		names:  append([]string(nil), fields...),
		index:  index,
		length: length,
		data:   make([]float64, len(fields)*length),
	}, nil
}

// Len is the per-field local length
func (b *Buffer) Len() int { return b.length }

// Fields returns the field names in storage order
func (b *Buffer) Fields() []string { return append([]string(nil), b.names...) }

// Has reports whether the buffer carries field name
func (b *Buffer) Has(name string) bool {
	_, ok := b.index[name]
	return ok
}

// Data exposes the packed storage of all fields
func (b *Buffer) Data() []float64 { return b.data }

// FieldIndex returns the storage position of field name
func (b *Buffer) FieldIndex(name string) (int, bool) {
	i, ok := b.index[name]
	return i, ok
}

// View returns the mutable storage of one field
func (b *Buffer) View(name string) ([]float64, error) {
	i, ok := b.index[name]
	if !ok {
		return nil, fmt.Errorf("buffer has no field %q", name)
	}
	return b.data[i*b.length : (i+1)*b.length : (i+1)*b.length], nil
}

// MustView is View for callers that know the field exists
func (b *Buffer) MustView(name string) []float64 {
	v, err := b.View(name)
	if err != nil {
		panic(err)
	}
	return v
}

// VecView wraps a field as a gonum vector sharing the buffer's storage.
// Empty fields have no vector form.
func (b *Buffer) VecView(name string) (*mat.VecDense, error) {
	v, err := b.View(name)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("field %q is empty", name)
	}
	return mat.NewVecDense(len(v), v), nil
}

// Fill sets every element of field name to fn(local index)
func (b *Buffer) Fill(name string, fn func(i int) float64) error {
	v, err := b.View(name)
	if err != nil {
		return err
	}
	for i := range v {
		v[i] = fn(i)
	}
	return nil
}

// Checksum hashes the bit patterns of the named fields (all fields when none
// are named). Two buffers with the same checksum are bit-for-bit identical
// with overwhelming probability.
func (b *Buffer) Checksum(names ...string) (uint64, error) {
	if len(names) == 0 {
		names = b.names
	}
	h := xxhash.New()
	var word [8]byte
	for _, name := range names {
		v, err := b.View(name)
		if err != nil {
			return 0, err
		}
		_, _ = h.WriteString(name)
		for _, x := range v {
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(x))
			_, _ = h.Write(word[:])
		}
	}
	return h.Sum64(), nil
}
