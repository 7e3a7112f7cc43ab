package spill

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/spooldb/spool/sbatch"
)

// File holds one spill run: a schema header followed by a sequence of
// encoded batches.  Batches are written via Write, then Rewind switches the
// file to reading and Read returns the batches back in order.  Writes after
// Rewind are not allowed.
type File struct {
	file     *os.File
	path     string
	compress bool

	bw *bufio.Writer
	zw *lz4.Writer

	br      *bufio.Reader
	schema  *sbatch.Schema
	rows    uint64
	batches int
}

func newFile(f *os.File, path string, compress bool) *File {
	file := &File{file: f, path: path, compress: compress}
	if compress {
		file.zw = lz4.NewWriter(f)
		file.bw = bufio.NewWriter(file.zw)
	} else {
		file.bw = bufio.NewWriter(f)
	}
	return file
}

func (f *File) Path() string {
	return f.path
}

// Rows returns the total row count written so far.
func (f *File) Rows() uint64 {
	return f.rows
}

func (f *File) Batches() int {
	return f.batches
}

// Write appends b to the run.  The first batch establishes the run's schema;
// later batches must conform.  On return the batch's contents are durable in
// the file and the caller must not reuse the batch.
func (f *File) Write(b *sbatch.Batch) error {
	if f.bw == nil {
		return fmt.Errorf("spill: write to %s after rewind", f.path)
	}
	if f.schema == nil {
		f.schema = b.Schema()
		if err := writeSchema(f.bw, f.schema); err != nil {
			return fmt.Errorf("spill: write %s: %w", f.path, err)
		}
	} else if !f.schema.Equal(b.Schema()) {
		return fmt.Errorf("spill: %s: %w", f.path, sbatch.ErrSchemaChange)
	}
	if err := writeBatch(f.bw, b); err != nil {
		return fmt.Errorf("spill: write %s: %w", f.path, err)
	}
	f.rows += uint64(b.Len())
	f.batches++
	return nil
}

// Rewind flushes pending output and prepares the file for reading from the
// start.
func (f *File) Rewind() error {
	if f.bw != nil {
		if err := f.bw.Flush(); err != nil {
			return fmt.Errorf("spill: flush %s: %w", f.path, err)
		}
		f.bw = nil
		if f.zw != nil {
			if err := f.zw.Close(); err != nil {
				return fmt.Errorf("spill: flush %s: %w", f.path, err)
			}
			f.zw = nil
		}
	}
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("spill: rewind %s: %w", f.path, err)
	}
	if f.compress {
		f.br = bufio.NewReader(lz4.NewReader(f.file))
	} else {
		f.br = bufio.NewReader(f.file)
	}
	schema, err := readSchema(f.br)
	if err != nil {
		return fmt.Errorf("spill: read %s: %w", f.path, err)
	}
	f.schema = schema
	return nil
}

// Read returns the next batch in the run, or nil at the end.  Read errors
// are fatal: spilled data is assumed durable once written, so a failure here
// indicates corruption or environment failure, not a condition worth
// retrying.
func (f *File) Read() (*sbatch.Batch, error) {
	if f.br == nil {
		return nil, fmt.Errorf("spill: read %s before rewind", f.path)
	}
	b, err := readBatch(f.br, f.schema)
	if err != nil {
		return nil, fmt.Errorf("spill: read %s: %w", f.path, err)
	}
	return b, nil
}

// Size returns the file's current on-disk size.
func (f *File) Size() (int64, error) {
	if f.bw != nil {
		if err := f.bw.Flush(); err != nil {
			return 0, err
		}
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *File) closeAndRemove() error {
	err := f.file.Close()
	if rmErr := os.Remove(f.path); err == nil {
		err = rmErr
	}
	return err
}
