package sbatch

import (
	"fmt"

	"github.com/spooldb/spool/vector"
)

// Batch is a columnar chunk of rows processed as a unit.  A batch is owned
// exclusively by whichever component currently holds it; ownership moves via
// explicit hand-off, never shared mutable aliasing.
type Batch struct {
	schema *Schema
	vecs   []vector.Any
	length uint32
}

func NewBatch(schema *Schema, vecs []vector.Any) (*Batch, error) {
	if len(vecs) != schema.NumFields() {
		return nil, fmt.Errorf("sbatch: %d vectors for %d-field schema",
			len(vecs), schema.NumFields())
	}
	var length uint32
	for col, vec := range vecs {
		if got, want := vec.Type(), schema.Field(col).Type; got != want {
			return nil, fmt.Errorf("sbatch: column %q has type %s, expected %s",
				schema.Field(col).Name, got, want)
		}
		if col == 0 {
			length = vec.Len()
		} else if vec.Len() != length {
			return nil, fmt.Errorf("sbatch: column %q has %d rows, expected %d",
				schema.Field(col).Name, vec.Len(), length)
		}
	}
	return &Batch{schema: schema, vecs: vecs, length: length}, nil
}

func (b *Batch) Schema() *Schema {
	return b.schema
}

func (b *Batch) Len() uint32 {
	return b.length
}

func (b *Batch) Vec(col int) vector.Any {
	return b.vecs[col]
}

func (b *Batch) Vecs() []vector.Any {
	return b.vecs
}

// Size estimates the heap bytes held by the batch's columns.
func (b *Batch) Size() int64 {
	var n int64
	for _, vec := range b.vecs {
		n += vector.Size(vec)
	}
	return n
}

// Coerce null-pads b to a widened schema produced by Schema.Union, returning
// a new batch sharing b's column storage.  The wide schema must contain every
// field of b's schema at the same ordinal.
func Coerce(b *Batch, wide *Schema) (*Batch, error) {
	if b.schema.Equal(wide) {
		return b, nil
	}
	vecs := make([]vector.Any, wide.NumFields())
	for col, f := range wide.Fields() {
		if src, ok := b.schema.Lookup(f.Name); ok {
			if got := b.schema.Field(src).Type; got != f.Type {
				return nil, fmt.Errorf("field %q: %s vs %s: %w",
					f.Name, got, f.Type, ErrSchemaChange)
			}
			vecs[col] = b.vecs[src]
			continue
		}
		builder := vector.NewBuilder(f.Type)
		for i := uint32(0); i < b.length; i++ {
			builder.AppendNull()
		}
		vecs[col] = builder.Build()
	}
	return NewBatch(wide, vecs)
}
