package expr

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/spooldb/spool/order"
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/vector"
)

type boundKey struct {
	SortKey
	col int
	typ vector.Type
}

// Comparator orders row references according to a list of sort keys bound to
// a schema.  To compare rows a and b, it iterates over the keys, stopping at
// the first key on which the rows differ.  The same comparator serves both
// intra-batch sorting and inter-batch merging.
type Comparator struct {
	keys []boundKey
}

// NewComparator binds keys to schema, resolving each key's column ordinal.
// It is the comparator factory of the sort operator: built once per operator
// instance and rebuilt only if the schema is widened.
func NewComparator(schema *sbatch.Schema, keys []SortKey) (*Comparator, error) {
	bound := make([]boundKey, 0, len(keys))
	for _, k := range keys {
		col, ok := schema.Lookup(k.Field)
		if !ok {
			return nil, fmt.Errorf("sort key %q not in schema", k.Field)
		}
		bound = append(bound, boundKey{SortKey: k, col: col, typ: schema.Field(col).Type})
	}
	return &Comparator{keys: bound}, nil
}

// Compare returns an integer comparing row ai of batch a with row bi of
// batch b.  The result is 0 if the rows are equal on every key, negative if
// row a orders first, and positive otherwise.  Both batches must conform to
// the schema the comparator was bound to.
func (c *Comparator) Compare(a *sbatch.Batch, ai uint32, b *sbatch.Batch, bi uint32) int {
	for i := range c.keys {
		k := &c.keys[i]
		aval, av := a.Vec(k.col), ai
		bval, bv := b.Vec(k.col), bi
		if k.Order == order.Desc {
			aval, av, bval, bv = bval, bv, aval, av
		}
		if v := compareSlots(aval, av, bval, bv, k.nullsMax()); v != 0 {
			return v
		}
	}
	return 0
}

func compareSlots(a vector.Any, ai uint32, b vector.Any, bi uint32, nullsMax bool) int {
	nullA := a.Null(ai)
	nullB := b.Null(bi)
	if nullA && nullB {
		return 0
	}
	if nullA {
		if nullsMax {
			return 1
		}
		return -1
	}
	if nullB {
		if nullsMax {
			return -1
		}
		return 1
	}
	switch a := a.(type) {
	case *vector.Int:
		return cmp.Compare(a.Value(ai), b.(*vector.Int).Value(bi))
	case *vector.Uint:
		return cmp.Compare(a.Value(ai), b.(*vector.Uint).Value(bi))
	case *vector.Float:
		return cmp.Compare(a.Value(ai), b.(*vector.Float).Value(bi))
	case *vector.Bool:
		av, bv := a.Value(ai), b.(*vector.Bool).Value(bi)
		if av == bv {
			return 0
		} else if av {
			return 1
		}
		return -1
	case *vector.String:
		return cmp.Compare(a.Value(ai), b.(*vector.String).Value(bi))
	case *vector.Bytes:
		return bytes.Compare(a.Value(ai), b.(*vector.Bytes).Value(bi))
	}
	panic(fmt.Sprintf("expr: cannot compare %T", a))
}
