package order

// Nulls represents the position of nulls in an ordering of values.
type Nulls bool

const (
	NullsLast  Nulls = false
	NullsFirst Nulls = true
)

func (n Nulls) String() string {
	if n == NullsFirst {
		return "first"
	}
	return "last"
}
