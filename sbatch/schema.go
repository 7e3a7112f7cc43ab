package sbatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spooldb/spool/vector"
)

// ErrSchemaChange is returned when an upstream schema change cannot be
// reconciled with the established schema.
var ErrSchemaChange = errors.New("incompatible schema change")

type Field struct {
	Name string
	Type vector.Type
}

func NewField(name string, typ vector.Type) Field {
	return Field{Name: name, Type: typ}
}

// Schema is the ordered set of named, typed columns shared by every batch in
// a stream.  It is immutable; widening under union-compatible mode produces a
// new Schema.
type Schema struct {
	fields []Field
	which  map[string]int
}

func NewSchema(fields ...Field) *Schema {
	which := make(map[string]int, len(fields))
	for i, f := range fields {
		which[f.Name] = i
	}
	return &Schema{fields: slices.Clone(fields), which: which}
}

func (s *Schema) Fields() []Field {
	return s.fields
}

func (s *Schema) NumFields() int {
	return len(s.fields)
}

func (s *Schema) Field(col int) Field {
	return s.fields[col]
}

// Lookup returns the column ordinal of the named field.
func (s *Schema) Lookup(name string) (int, bool) {
	col, ok := s.which[name]
	return col, ok
}

func (s *Schema) Equal(other *Schema) bool {
	return other != nil && slices.Equal(s.fields, other.fields)
}

// Union widens s with the fields of other, appending fields s lacks.  A field
// present in both with a different type is an error.  Union implements the
// union-compatible schema-change mode; callers must null-pad existing batches
// to the widened schema with Coerce.
func (s *Schema) Union(other *Schema) (*Schema, error) {
	fields := slices.Clone(s.fields)
	for _, f := range other.fields {
		if col, ok := s.which[f.Name]; ok {
			if s.fields[col].Type != f.Type {
				return nil, fmt.Errorf("field %q: %s vs %s: %w",
					f.Name, s.fields[col].Type, f.Type, ErrSchemaChange)
			}
			continue
		}
		fields = append(fields, f)
	}
	return NewSchema(fields...), nil
}
