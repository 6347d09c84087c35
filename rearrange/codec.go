package rearrange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/tinylib/msgp/msgp"
)

// Compression selects how message bodies are encoded on the wire
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression accepts "", "none", "lz4" and "zstd"
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

// frameFields is the msgp array length of a message frame:
// [seq, fieldsHash, fields, elements, compression, rawSize, body]
const frameFields = 7

// header is everything a receiver checks before trusting a body
type header struct {
	Seq         uint64
	FieldsHash  uint64
	Fields      int
	Elements    int
	Compression Compression
	RawSize     int
}

// codec packs field values for one peer into a single frame. Fields are
// packed field-major: all elements of field 0, then field 1, and so on.
type codec struct {
	compression Compression
	compressMin int

	scratch sync.Pool // *[]byte
	zenc    sync.Pool // *zstd.Encoder
	zdec    sync.Pool // *zstd.Decoder
}

func newCodec(c Compression, compressMin int) *codec {
	return &codec{compression: c, compressMin: compressMin}
}

func fieldsHash(fields []string) uint64 {
	h := xxhash.New()
	for _, f := range fields {
		_, _ = h.WriteString(f)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (c *codec) getScratch() *[]byte {
	if v := c.scratch.Get(); v != nil {
		return v.(*[]byte)
	}
	b := make([]byte, 0, 4096)
	return &b
}

// release returns a frame produced by pack to the pool
func (c *codec) release(frame *[]byte) {
	*frame = (*frame)[:0]
	c.scratch.Put(frame)
}

// pack encodes values[f][idx[k]] for every field f and index k. The returned
// frame must be handed back with release once the transport has copied it.
func (c *codec) pack(seq, fhash uint64, values [][]float64, idx []int) (*[]byte, error) {
	bodyBuf := c.getScratch()
	defer c.release(bodyBuf)

	body := msgp.AppendArrayHeader((*bodyBuf)[:0], uint32(len(values)*len(idx)))
	for _, v := range values {
		for _, i := range idx {
			body = msgp.AppendFloat64(body, v[i])
		}
	}
	*bodyBuf = body

	comp, encoded, err := c.compress(body)
	if err != nil {
		return nil, err
	}

	frame := c.getScratch()
	out := msgp.AppendArrayHeader((*frame)[:0], frameFields)
	out = msgp.AppendUint64(out, seq)
	out = msgp.AppendUint64(out, fhash)
	out = msgp.AppendInt(out, len(values))
	out = msgp.AppendInt(out, len(idx))
	out = msgp.AppendUint8(out, uint8(comp))
	out = msgp.AppendInt(out, len(body))
	out = msgp.AppendBytes(out, encoded)
	*frame = out
	return frame, nil
}

// compress keeps small or incompressible bodies raw
func (c *codec) compress(body []byte) (Compression, []byte, error) {
	if c.compression == CompressionNone || len(body) < c.compressMin {
		return CompressionNone, body, nil
	}

	var out []byte
	switch c.compression {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			return CompressionNone, body, nil
		}
		out = dst[:n]
	case CompressionZSTD:
		enc := c.getEncoder()
		out = enc.EncodeAll(body, nil)
		c.zenc.Put(enc)
	default:
		return CompressionNone, body, nil
	}

	if len(out) >= len(body) {
		return CompressionNone, body, nil
	}
	return c.compression, out, nil
}

func (c *codec) getEncoder() *zstd.Encoder {
	if v := c.zenc.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func (c *codec) getDecoder() *zstd.Decoder {
	if v := c.zdec.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// readHeader parses the frame header and returns the still-encoded body
func readHeader(frame []byte) (header, []byte, error) {
	var h header
	sz, b, err := msgp.ReadArrayHeaderBytes(frame)
	if err != nil {
		return h, nil, err
	}
	if sz != frameFields {
		return h, nil, fmt.Errorf("frame has %d fields, want %d", sz, frameFields)
	}
	if h.Seq, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return h, nil, err
	}
	if h.FieldsHash, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return h, nil, err
	}
	if h.Fields, b, err = msgp.ReadIntBytes(b); err != nil {
		return h, nil, err
	}
	if h.Elements, b, err = msgp.ReadIntBytes(b); err != nil {
		return h, nil, err
	}
	var comp uint8
	if comp, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return h, nil, err
	}
	h.Compression = Compression(comp)
	if h.RawSize, b, err = msgp.ReadIntBytes(b); err != nil {
		return h, nil, err
	}
	body, _, err := msgp.ReadBytesZC(b)
	return h, body, err
}

// unpack checks frame against what the receive plan expects and writes
// values[f][idx[k]] in pack order
func (c *codec) unpack(frame []byte, want header, values [][]float64, idx []int) error {
	h, body, err := readHeader(frame)
	if err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	switch {
	case h.Seq != want.Seq:
		return fmt.Errorf("frame for call %d, expected call %d", h.Seq, want.Seq)
	case h.FieldsHash != want.FieldsHash || h.Fields != want.Fields:
		return fmt.Errorf("sender packed %d fields with a different field list than the %d expected",
			h.Fields, want.Fields)
	case h.Elements != want.Elements:
		return fmt.Errorf("sender packed %d elements per field, plan expects %d", h.Elements, want.Elements)
	}

	if limit := maxRawSize(want.Fields * want.Elements); h.RawSize < 0 || h.RawSize > limit {
		return fmt.Errorf("raw body size %d outside [0, %d]", h.RawSize, limit)
	}
	raw, err := c.decompress(h, body)
	if err != nil {
		return fmt.Errorf("decompress %s body: %w", h.Compression, err)
	}
	if len(raw) != h.RawSize {
		return fmt.Errorf("decompressed %d bytes, header says %d", len(raw), h.RawSize)
	}

	n, raw, err := msgp.ReadArrayHeaderBytes(raw)
	if err != nil {
		return err
	}
	if int(n) != len(values)*len(idx) {
		return fmt.Errorf("body holds %d values, expected %d", n, len(values)*len(idx))
	}
	for _, v := range values {
		for _, i := range idx {
			var x float64
			if x, raw, err = msgp.ReadFloat64Bytes(raw); err != nil {
				return err
			}
			v[i] = x
		}
	}
	return nil
}

// maxRawSize bounds the encoded body of n values: an array header of at most
// 5 bytes plus 9 bytes per float64
func maxRawSize(n int) int {
	return 5 + 9*n
}

func (c *codec) decompress(h header, body []byte) ([]byte, error) {
	switch h.Compression {
	case CompressionNone:
		return body, nil
	case CompressionLZ4:
		out := make([]byte, h.RawSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case CompressionZSTD:
		dec := c.getDecoder()
		defer c.zdec.Put(dec)
		return dec.DecodeAll(body, make([]byte, 0, h.RawSize))
	}
	return nil, fmt.Errorf("unknown compression %d", uint8(h.Compression))
}
