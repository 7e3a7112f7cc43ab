package vector

import "github.com/spooldb/spool/vector/bitvec"

type Float struct {
	values []float64
	Nulls  bitvec.Bits
}

var _ Any = (*Float)(nil)

func NewFloat(values []float64, nulls bitvec.Bits) *Float {
	return &Float{values: values, Nulls: nulls}
}

func (f *Float) Type() Type {
	return TypeFloat64
}

func (f *Float) Len() uint32 {
	return uint32(len(f.values))
}

func (f *Float) Value(slot uint32) float64 {
	return f.values[slot]
}

func (f *Float) Values() []float64 {
	return f.values
}

func (f *Float) Null(slot uint32) bool {
	return f.Nulls.IsSet(slot)
}
