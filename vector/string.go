package vector

import "github.com/spooldb/spool/vector/bitvec"

type String struct {
	table BytesTable
	Nulls bitvec.Bits
}

var _ Any = (*String)(nil)

func NewString(table BytesTable, nulls bitvec.Bits) *String {
	return &String{table: table, Nulls: nulls}
}

func (s *String) Type() Type {
	return TypeString
}

func (s *String) Len() uint32 {
	return s.table.Len()
}

func (s *String) Value(slot uint32) string {
	return s.table.String(slot)
}

func (s *String) Table() BytesTable {
	return s.table
}

func (s *String) Null(slot uint32) bool {
	return s.Nulls.IsSet(slot)
}
