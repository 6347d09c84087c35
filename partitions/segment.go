package partitions

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Mode is the ownership rule of a Decomposition
type Mode uint8

const (
	// Exclusive: every global index has exactly one owner
	Exclusive Mode = iota
	// Replicated: an index may be owned by several ranks at once (fan-out/fan-in).
	// A single rank still owns any index at most once.
	Replicated
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Replicated:
		return "replicated"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Segment is a contiguous run of global indices owned by one rank
type Segment struct {
	GlobalStart int
	Length      int
	Owner       int
}

// End returns one past the last global index of the segment
func (s Segment) End() int {
	return s.GlobalStart + s.Length
}

// Span is a Segment placed in its owner's local buffer
type Span struct {
	Segment
	LocalOffset int // Position of GlobalStart in the owner's local buffer
}

// localRecord is what each rank contributes to the descriptor collective.
// Problem is non-empty when the rank rejected its own input; carrying it
// through the collective makes every rank fail together.
type localRecord struct {
	Extent   int
	Mode     Mode
	Problem  string
	Segments []Segment
}

func (r *localRecord) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendInt(b, r.Extent)
	b = msgp.AppendUint8(b, uint8(r.Mode))
	b = msgp.AppendString(b, r.Problem)
	b = msgp.AppendArrayHeader(b, uint32(2*len(r.Segments)))
	for _, s := range r.Segments {
		b = msgp.AppendInt(b, s.GlobalStart)
		b = msgp.AppendInt(b, s.Length)
	}
	return b
}

func (r *localRecord) unmarshalMsg(b []byte, owner int) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return err
	}
	if sz != 4 {
		return fmt.Errorf("descriptor record has %d fields, want 4", sz)
	}
	if r.Extent, b, err = msgp.ReadIntBytes(b); err != nil {
		return err
	}
	var mode uint8
	if mode, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return err
	}
	r.Mode = Mode(mode)
	if r.Problem, b, err = msgp.ReadStringBytes(b); err != nil {
		return err
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return err
	}
	if n%2 != 0 {
		return fmt.Errorf("odd segment field count %d", n)
	}
	r.Segments = make([]Segment, n/2)
	for i := range r.Segments {
		s := &r.Segments[i]
		s.Owner = owner
		if s.GlobalStart, b, err = msgp.ReadIntBytes(b); err != nil {
			return err
		}
		if s.Length, b, err = msgp.ReadIntBytes(b); err != nil {
			return err
		}
	}
	return nil
}
