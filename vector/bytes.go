package vector

import "github.com/spooldb/spool/vector/bitvec"

// BytesTable stores variable-width values as one contiguous byte buffer plus
// an offsets array with one more entry than values.
type BytesTable struct {
	offsets []uint32
	bytes   []byte
}

func NewBytesTable(offsets []uint32, bytes []byte) BytesTable {
	return BytesTable{offsets: offsets, bytes: bytes}
}

func NewBytesTableEmpty(cap uint32) BytesTable {
	return BytesTable{offsets: make([]uint32, 1, cap+1)}
}

func (t *BytesTable) Append(b []byte) {
	t.bytes = append(t.bytes, b...)
	t.offsets = append(t.offsets, uint32(len(t.bytes)))
}

func (t BytesTable) Len() uint32 {
	return uint32(len(t.offsets) - 1)
}

func (t BytesTable) Bytes(slot uint32) []byte {
	return t.bytes[t.offsets[slot]:t.offsets[slot+1]]
}

func (t BytesTable) String(slot uint32) string {
	return string(t.Bytes(slot))
}

func (t BytesTable) Offsets() []uint32 {
	return t.offsets
}

func (t BytesTable) Buffer() []byte {
	return t.bytes
}

func (t BytesTable) size() int64 {
	return int64(len(t.bytes)) + 4*int64(len(t.offsets))
}

type Bytes struct {
	table BytesTable
	Nulls bitvec.Bits
}

var _ Any = (*Bytes)(nil)

func NewBytes(table BytesTable, nulls bitvec.Bits) *Bytes {
	return &Bytes{table: table, Nulls: nulls}
}

func (b *Bytes) Type() Type {
	return TypeBytes
}

func (b *Bytes) Len() uint32 {
	return b.table.Len()
}

func (b *Bytes) Value(slot uint32) []byte {
	return b.table.Bytes(slot)
}

func (b *Bytes) Table() BytesTable {
	return b.table
}

func (b *Bytes) Null(slot uint32) bool {
	return b.Nulls.IsSet(slot)
}
