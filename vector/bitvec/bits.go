package bitvec

import (
	"encoding/binary"
	"math/bits"
)

// Bits is a fixed-length bit vector used to track null slots in a column
// vector.  The zero value represents a vector with no bits set and is shared
// by all-non-null columns to avoid allocation.
type Bits struct {
	bits   []uint64
	length uint32
}

var Zero Bits

func New(bits []uint64, length uint32) Bits {
	return Bits{bits: bits, length: length}
}

func NewFalse(length uint32) Bits {
	return Bits{length: length, bits: make([]uint64, (length+63)/64)}
}

func (b Bits) IsZero() bool {
	return b.length == 0
}

func (b Bits) Len() uint32 {
	return b.length
}

// IsSet reports whether the bit at slot is set.  It is safe to call on the
// zero value, which reports false for every slot.
func (b Bits) IsSet(slot uint32) bool {
	return !b.IsZero() && (b.bits[slot>>6]&(1<<(slot&0x3f))) != 0
}

// Set sets the bit at slot, which must be smaller than the vector's length.
func (b Bits) Set(slot uint32) {
	b.bits[slot>>6] |= 1 << (slot & 0x3f)
}

func (b Bits) TrueCount() uint32 {
	var n uint32
	for _, w := range b.bits {
		n += uint32(bits.OnesCount64(w))
	}
	return n
}

// Bytes returns b's storage in little-endian byte order with any unused
// trailing bits cleared, suitable for serialization.
func (b Bits) Bytes() []byte {
	if unused := 64 - (b.length % 64); unused < 64 && len(b.bits) > 0 {
		b.bits[len(b.bits)-1] &= ^uint64(0) >> unused
	}
	out := make([]byte, 8*len(b.bits))
	for i, w := range b.bits {
		binary.LittleEndian.PutUint64(out[8*i:], w)
	}
	return out
}

// FromBytes reconstructs a bit vector of the given length from the output of
// Bytes.
func FromBytes(b []byte, length uint32) Bits {
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return New(words, length)
}

// Writer builds a Bits incrementally, growing storage as bits are written.
type Writer struct {
	bits   []uint64
	length uint32
}

func (w *Writer) Write(set bool) {
	if int(w.length>>6) >= len(w.bits) {
		w.bits = append(w.bits, 0)
	}
	if set {
		w.bits[w.length>>6] |= 1 << (w.length & 0x3f)
	}
	w.length++
}

func (w *Writer) Len() uint32 {
	return w.length
}

// Bits returns the accumulated bit vector, or the zero value if no bit was
// ever set.  Null masks use this form so all-non-null columns carry no mask.
func (w *Writer) Bits() Bits {
	b := New(w.bits, w.length)
	if b.TrueCount() == 0 {
		return Zero
	}
	return b
}

// All returns the accumulated bit vector preserving its length even when no
// bit is set, as required when the bits are values rather than a null mask.
func (w *Writer) All() Bits {
	if w.bits == nil {
		return NewFalse(w.length)
	}
	return New(w.bits, w.length)
}
