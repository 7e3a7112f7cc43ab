package spill

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/ronanh/intcomp"
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/vector"
	"github.com/spooldb/spool/vector/bitvec"
)

// The on-disk run format is a cbor-encoded schema header followed by
// self-delimiting batch frames.  Integer columns are compressed with
// intcomp; other columns are stored raw.  The format is process-local and
// carries no versioning: a spill file never outlives its operator.

type schemaHeader struct {
	Fields []fieldDesc
}

type fieldDesc struct {
	Name string
	Type int
}

func writeSchema(w *bufio.Writer, schema *sbatch.Schema) error {
	fields := make([]fieldDesc, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		fields = append(fields, fieldDesc{Name: f.Name, Type: int(f.Type)})
	}
	b, err := cbor.Marshal(schemaHeader{Fields: fields})
	if err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readSchema(r *bufio.Reader) (*sbatch.Schema, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var hdr schemaHeader
	if err := cbor.Unmarshal(buf, &hdr); err != nil {
		return nil, err
	}
	fields := make([]sbatch.Field, 0, len(hdr.Fields))
	for _, f := range hdr.Fields {
		fields = append(fields, sbatch.NewField(f.Name, vector.Type(f.Type)))
	}
	return sbatch.NewSchema(fields...), nil
}

func writeBatch(w *bufio.Writer, b *sbatch.Batch) error {
	if err := writeUvarint(w, uint64(b.Len())); err != nil {
		return err
	}
	for _, vec := range b.Vecs() {
		if err := writeVector(w, vec); err != nil {
			return err
		}
	}
	return nil
}

// readBatch returns nil at a clean end of run.  A truncated frame is an
// error.
func readBatch(r *bufio.Reader, schema *sbatch.Schema) (*sbatch.Batch, error) {
	rows64, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if rows64 > math.MaxUint32 {
		return nil, fmt.Errorf("frame row count %d out of range", rows64)
	}
	rows := uint32(rows64)
	vecs := make([]vector.Any, schema.NumFields())
	for col, f := range schema.Fields() {
		vec, err := readVector(r, f.Type, rows)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		vecs[col] = vec
	}
	return sbatch.NewBatch(schema, vecs)
}

func writeVector(w *bufio.Writer, vec vector.Any) error {
	switch vec := vec.(type) {
	case *vector.Int:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		return writeWords(w, intcomp.CompressInt64(vec.Values(), nil))
	case *vector.Uint:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		return writeWords(w, intcomp.CompressUint64(vec.Values(), nil))
	case *vector.Float:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		for _, v := range vec.Values() {
			if err := writeUint64(w, math.Float64bits(v)); err != nil {
				return err
			}
		}
		return nil
	case *vector.Bool:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		return writeBytes(w, vec.Bits().Bytes())
	case *vector.String:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		return writeTable(w, vec.Table())
	case *vector.Bytes:
		if err := writeNulls(w, vec.Nulls); err != nil {
			return err
		}
		return writeTable(w, vec.Table())
	}
	return fmt.Errorf("unknown vector %T", vec)
}

func readVector(r *bufio.Reader, typ vector.Type, rows uint32) (vector.Any, error) {
	nulls, err := readNulls(r, rows)
	if err != nil {
		return nil, err
	}
	switch typ {
	case vector.TypeInt64:
		words, err := readWords(r)
		if err != nil {
			return nil, err
		}
		values := intcomp.UncompressInt64(words, make([]int64, 0, rows))
		return vector.NewInt(values, nulls), nil
	case vector.TypeUint64:
		words, err := readWords(r)
		if err != nil {
			return nil, err
		}
		values := intcomp.UncompressUint64(words, make([]uint64, 0, rows))
		return vector.NewUint(values, nulls), nil
	case vector.TypeFloat64:
		values := make([]float64, rows)
		for i := range values {
			bits, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			values[i] = math.Float64frombits(bits)
		}
		return vector.NewFloat(values, nulls), nil
	case vector.TypeBool:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return vector.NewBool(bitvec.NewFalse(rows), nulls), nil
		}
		return vector.NewBool(bitvec.FromBytes(b, rows), nulls), nil
	case vector.TypeString:
		table, err := readTable(r, rows)
		if err != nil {
			return nil, err
		}
		return vector.NewString(table, nulls), nil
	case vector.TypeBytes:
		table, err := readTable(r, rows)
		if err != nil {
			return nil, err
		}
		return vector.NewBytes(table, nulls), nil
	}
	return nil, fmt.Errorf("unknown column type %s", typ)
}

func writeNulls(w *bufio.Writer, nulls bitvec.Bits) error {
	if nulls.IsZero() {
		return writeBytes(w, nil)
	}
	return writeBytes(w, nulls.Bytes())
}

func readNulls(r *bufio.Reader, rows uint32) (bitvec.Bits, error) {
	b, err := readBytes(r)
	if err != nil || len(b) == 0 {
		return bitvec.Zero, err
	}
	return bitvec.FromBytes(b, rows), nil
}

func writeTable(w *bufio.Writer, table vector.BytesTable) error {
	// Offsets compress well as deltas through intcomp's uint path.
	offsets := table.Offsets()
	words := make([]uint64, len(offsets))
	for i, off := range offsets {
		words[i] = uint64(off)
	}
	if err := writeWords(w, intcomp.CompressUint64(words, nil)); err != nil {
		return err
	}
	return writeBytes(w, table.Buffer())
}

func readTable(r *bufio.Reader, rows uint32) (vector.BytesTable, error) {
	words, err := readWords(r)
	if err != nil {
		return vector.BytesTable{}, err
	}
	raw := intcomp.UncompressUint64(words, make([]uint64, 0, rows+1))
	if len(raw) != int(rows)+1 {
		return vector.BytesTable{}, fmt.Errorf("offsets table has %d entries, expected %d", len(raw), rows+1)
	}
	offsets := make([]uint32, len(raw))
	for i, w := range raw {
		offsets[i] = uint32(w)
	}
	buf, err := readBytes(r)
	if err != nil {
		return vector.BytesTable{}, err
	}
	return vector.NewBytesTable(offsets, buf), nil
}

func writeWords(w *bufio.Writer, words []uint64) error {
	if err := writeUvarint(w, uint64(len(words))); err != nil {
		return err
	}
	for _, word := range words {
		if err := writeUint64(w, word); err != nil {
			return err
		}
	}
	return nil
}

func readWords(r *bufio.Reader) ([]uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	words := make([]uint64, n)
	for i := range words {
		if words[i], err = readUint64(r); err != nil {
			return nil, err
		}
	}
	return words, nil
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
