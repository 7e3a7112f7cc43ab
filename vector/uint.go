package vector

import "github.com/spooldb/spool/vector/bitvec"

type Uint struct {
	values []uint64
	Nulls  bitvec.Bits
}

var _ Any = (*Uint)(nil)

func NewUint(values []uint64, nulls bitvec.Bits) *Uint {
	return &Uint{values: values, Nulls: nulls}
}

func (u *Uint) Type() Type {
	return TypeUint64
}

func (u *Uint) Len() uint32 {
	return uint32(len(u.values))
}

func (u *Uint) Value(slot uint32) uint64 {
	return u.values[slot]
}

func (u *Uint) Values() []uint64 {
	return u.values
}

func (u *Uint) Null(slot uint32) bool {
	return u.Nulls.IsSet(slot)
}
