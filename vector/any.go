package vector

import "fmt"

// Type enumerates the column types a batch may carry.
type Type int

const (
	TypeInt64 Type = iota
	TypeUint64
	TypeFloat64
	TypeBool
	TypeString
	TypeBytes
)

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Width returns the fixed per-value byte width of t, or ok=false for
// variable-width types.
func (t Type) Width() (int, bool) {
	switch t {
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8, true
	case TypeBool:
		return 1, true
	}
	return 0, false
}

// Any is the interface implemented by all column vectors.
type Any interface {
	Type() Type
	Len() uint32
	Null(slot uint32) bool
}

// Size returns an estimate of the heap bytes held by vec, counting value
// storage, offsets, and the null bitmap.
func Size(vec Any) int64 {
	switch vec := vec.(type) {
	case *Int:
		return 8*int64(len(vec.values)) + nullSize(vec.Nulls.Len())
	case *Uint:
		return 8*int64(len(vec.values)) + nullSize(vec.Nulls.Len())
	case *Float:
		return 8*int64(len(vec.values)) + nullSize(vec.Nulls.Len())
	case *Bool:
		return int64(vec.Len()+7)/8 + nullSize(vec.Nulls.Len())
	case *String:
		return vec.table.size() + nullSize(vec.Nulls.Len())
	case *Bytes:
		return vec.table.size() + nullSize(vec.Nulls.Len())
	}
	panic(fmt.Sprintf("vector.Size: unknown vector %T", vec))
}

func nullSize(length uint32) int64 {
	return int64(length+63) / 64 * 8
}
