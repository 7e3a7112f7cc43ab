package vector

import "github.com/spooldb/spool/vector/bitvec"

type Int struct {
	values []int64
	Nulls  bitvec.Bits
}

var _ Any = (*Int)(nil)

func NewInt(values []int64, nulls bitvec.Bits) *Int {
	return &Int{values: values, Nulls: nulls}
}

func (i *Int) Type() Type {
	return TypeInt64
}

func (i *Int) Len() uint32 {
	return uint32(len(i.values))
}

func (i *Int) Value(slot uint32) int64 {
	return i.values[slot]
}

func (i *Int) Values() []int64 {
	return i.values
}

func (i *Int) Null(slot uint32) bool {
	return i.Nulls.IsSet(slot)
}
