package rearrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
)

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{
		"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4, " zstd ": CompressionZSTD,
	} {
		got, err := ParseCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCompression("gzip")
	assert.Error(t, err)
	assert.Equal(t, "lz4", CompressionLZ4.String())
}

func TestCodec_PackUnpack(t *testing.T) {
	fields := []string{"rho", "u"}
	src := [][]float64{make([]float64, 20000), make([]float64, 20000)}
	for i := range src[0] {
		// Repetitive so the compressors find something
		src[0][i] = float64(i % 8)
		src[1][i] = 1.5
	}
	idx := make([]int, 0, len(src[0])/2)
	for i := 0; i < len(src[0]); i += 2 {
		idx = append(idx, i)
	}

	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(comp.String(), func(t *testing.T) {
			c := newCodec(comp, 1)
			frame, err := c.pack(5, fieldsHash(fields), src, idx)
			require.NoError(t, err)
			defer c.release(frame)

			h, _, err := readHeader(*frame)
			require.NoError(t, err)
			assert.Equal(t, comp, h.Compression)
			assert.Equal(t, uint64(5), h.Seq)
			assert.Equal(t, len(idx), h.Elements)

			dst := [][]float64{make([]float64, len(src[0])), make([]float64, len(src[0]))}
			want := header{Seq: 5, FieldsHash: fieldsHash(fields), Fields: 2, Elements: len(idx)}
			require.NoError(t, c.unpack(*frame, want, dst, idx))
			for _, i := range idx {
				assert.Equal(t, src[0][i], dst[0][i])
				assert.Equal(t, src[1][i], dst[1][i])
			}
			assert.Equal(t, 0.0, dst[0][1], "unscheduled slots untouched")
		})
	}
}

func TestCodec_SmallBodiesStayRaw(t *testing.T) {
	c := newCodec(CompressionZSTD, DefaultCompressMin)
	frame, err := c.pack(0, 0, [][]float64{{1, 1, 1, 1}}, []int{0, 1, 2, 3})
	require.NoError(t, err)
	h, _, err := readHeader(*frame)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, h.Compression)
}

func TestCodec_HeaderMismatch(t *testing.T) {
	c := newCodec(CompressionNone, 0)
	values := [][]float64{{1, 2, 3}}
	idx := []int{0, 2}
	frame, err := c.pack(3, fieldsHash([]string{"u"}), values, idx)
	require.NoError(t, err)
	good := header{Seq: 3, FieldsHash: fieldsHash([]string{"u"}), Fields: 1, Elements: 2}

	testCases := []struct {
		name string
		edit func(h *header)
	}{
		{"sequence", func(h *header) { h.Seq = 4 }},
		{"field list", func(h *header) { h.FieldsHash = fieldsHash([]string{"v"}) }},
		{"field count", func(h *header) { h.Fields = 2 }},
		{"elements", func(h *header) { h.Elements = 3 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := good
			tc.edit(&w)
			assert.Error(t, c.unpack(*frame, w, [][]float64{make([]float64, 3)}, idx))
		})
	}

	assert.Error(t, c.unpack([]byte{0x01, 0x02}, good, values, idx), "malformed frame")
	assert.NotEqual(t, fieldsHash([]string{"ab", "c"}), fieldsHash([]string{"a", "bc"}))
}

// frameWithRawSize builds a frame whose header claims rawSize bytes of body
func frameWithRawSize(comp Compression, rawSize int, body []byte) []byte {
	out := msgp.AppendArrayHeader(nil, frameFields)
	out = msgp.AppendUint64(out, 1)
	out = msgp.AppendUint64(out, fieldsHash([]string{"u"}))
	out = msgp.AppendInt(out, 1)
	out = msgp.AppendInt(out, 2)
	out = msgp.AppendUint8(out, uint8(comp))
	out = msgp.AppendInt(out, rawSize)
	return msgp.AppendBytes(out, body)
}

func TestCodec_RejectsBadRawSize(t *testing.T) {
	c := newCodec(CompressionNone, 0)
	want := header{Seq: 1, FieldsHash: fieldsHash([]string{"u"}), Fields: 1, Elements: 2}
	dst := [][]float64{make([]float64, 2)}
	idx := []int{0, 1}

	raw := msgp.AppendArrayHeader(nil, 2)
	raw = msgp.AppendFloat64(raw, 1)
	raw = msgp.AppendFloat64(raw, 2)

	testCases := []struct {
		name    string
		comp    Compression
		rawSize int
	}{
		{"negative lz4", CompressionLZ4, -1},
		{"huge lz4", CompressionLZ4, 1 << 40},
		{"huge zstd", CompressionZSTD, 1 << 40},
		{"raw size disagrees", CompressionNone, len(raw) + 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, c.unpack(frameWithRawSize(tc.comp, tc.rawSize, raw), want, dst, idx))
		})
	}

	require.NoError(t, c.unpack(frameWithRawSize(CompressionNone, len(raw), raw), want, dst, idx))
	assert.Equal(t, []float64{1, 2}, dst[0])
}
