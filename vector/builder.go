package vector

import (
	"fmt"

	"github.com/spooldb/spool/vector/bitvec"
)

// Builder accumulates values copied one slot at a time from source vectors of
// a single type, as the merger selects winning rows.  Build returns the
// completed vector; the builder must not be reused after Build.
type Builder interface {
	// Append copies the value (or null) at slot of src, which must have the
	// builder's type.
	Append(src Any, slot uint32)
	AppendNull()
	Len() uint32
	Build() Any
}

func NewBuilder(t Type) Builder {
	switch t {
	case TypeInt64:
		return &intBuilder{}
	case TypeUint64:
		return &uintBuilder{}
	case TypeFloat64:
		return &floatBuilder{}
	case TypeBool:
		return &boolBuilder{}
	case TypeString:
		return &bytesBuilder{typ: TypeString, table: NewBytesTableEmpty(0)}
	case TypeBytes:
		return &bytesBuilder{typ: TypeBytes, table: NewBytesTableEmpty(0)}
	}
	panic(fmt.Sprintf("vector.NewBuilder: unknown type %s", t))
}

type intBuilder struct {
	values []int64
	nulls  bitvec.Writer
}

func (b *intBuilder) Append(src Any, slot uint32) {
	vec := src.(*Int)
	b.values = append(b.values, vec.Value(slot))
	b.nulls.Write(vec.Null(slot))
}

func (b *intBuilder) AppendNull() {
	b.values = append(b.values, 0)
	b.nulls.Write(true)
}

func (b *intBuilder) Len() uint32 { return uint32(len(b.values)) }

func (b *intBuilder) Build() Any {
	return NewInt(b.values, b.nulls.Bits())
}

type uintBuilder struct {
	values []uint64
	nulls  bitvec.Writer
}

func (b *uintBuilder) Append(src Any, slot uint32) {
	vec := src.(*Uint)
	b.values = append(b.values, vec.Value(slot))
	b.nulls.Write(vec.Null(slot))
}

func (b *uintBuilder) AppendNull() {
	b.values = append(b.values, 0)
	b.nulls.Write(true)
}

func (b *uintBuilder) Len() uint32 { return uint32(len(b.values)) }

func (b *uintBuilder) Build() Any {
	return NewUint(b.values, b.nulls.Bits())
}

type floatBuilder struct {
	values []float64
	nulls  bitvec.Writer
}

func (b *floatBuilder) Append(src Any, slot uint32) {
	vec := src.(*Float)
	b.values = append(b.values, vec.Value(slot))
	b.nulls.Write(vec.Null(slot))
}

func (b *floatBuilder) AppendNull() {
	b.values = append(b.values, 0)
	b.nulls.Write(true)
}

func (b *floatBuilder) Len() uint32 { return uint32(len(b.values)) }

func (b *floatBuilder) Build() Any {
	return NewFloat(b.values, b.nulls.Bits())
}

type boolBuilder struct {
	bits  bitvec.Writer
	nulls bitvec.Writer
}

func (b *boolBuilder) Append(src Any, slot uint32) {
	vec := src.(*Bool)
	b.bits.Write(vec.Value(slot))
	b.nulls.Write(vec.Null(slot))
}

func (b *boolBuilder) AppendNull() {
	b.bits.Write(false)
	b.nulls.Write(true)
}

func (b *boolBuilder) Len() uint32 { return b.bits.Len() }

func (b *boolBuilder) Build() Any {
	return NewBool(b.bits.All(), b.nulls.Bits())
}

type bytesBuilder struct {
	typ   Type
	table BytesTable
	nulls bitvec.Writer
}

func (b *bytesBuilder) Append(src Any, slot uint32) {
	switch vec := src.(type) {
	case *String:
		b.table.Append(vec.Table().Bytes(slot))
		b.nulls.Write(vec.Null(slot))
	case *Bytes:
		b.table.Append(vec.Value(slot))
		b.nulls.Write(vec.Null(slot))
	default:
		panic(fmt.Sprintf("vector: bytes builder cannot append %T", src))
	}
}

func (b *bytesBuilder) AppendNull() {
	b.table.Append(nil)
	b.nulls.Write(true)
}

func (b *bytesBuilder) Len() uint32 { return b.table.Len() }

func (b *bytesBuilder) Build() Any {
	if b.typ == TypeString {
		return NewString(b.table, b.nulls.Bits())
	}
	return NewBytes(b.table, b.nulls.Bits())
}
