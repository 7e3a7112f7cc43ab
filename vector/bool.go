package vector

import "github.com/spooldb/spool/vector/bitvec"

type Bool struct {
	bits  bitvec.Bits
	Nulls bitvec.Bits
}

var _ Any = (*Bool)(nil)

func NewBool(bits bitvec.Bits, nulls bitvec.Bits) *Bool {
	return &Bool{bits: bits, Nulls: nulls}
}

func (b *Bool) Type() Type {
	return TypeBool
}

func (b *Bool) Len() uint32 {
	return b.bits.Len()
}

func (b *Bool) Value(slot uint32) bool {
	return b.bits.IsSet(slot)
}

func (b *Bool) Bits() bitvec.Bits {
	return b.bits
}

func (b *Bool) Null(slot uint32) bool {
	return b.Nulls.IsSet(slot)
}
