package expr

import "github.com/spooldb/spool/order"

// SortKey names a column to order by, the direction, and where nulls sort.
type SortKey struct {
	Field string
	Order order.Which
	Nulls order.Nulls
}

func NewSortKey(field string, o order.Which, n order.Nulls) SortKey {
	return SortKey{Field: field, Order: o, Nulls: n}
}

// nullsMax reports whether k treats null as the maximum value.
func (k *SortKey) nullsMax() bool {
	return k.Order == order.Asc && k.Nulls == order.NullsLast ||
		k.Order == order.Desc && k.Nulls == order.NullsFirst
}
