package sort

import (
	"container/heap"
	"context"

	"github.com/spooldb/spool/mem"
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/spill"
	"github.com/spooldb/spool/vector"
)

// cursor walks one batch group in sorted order.  A memory cursor iterates a
// batch through its selection index; a spill cursor iterates the run's
// batches sequentially, holding at most one decoded batch at a time.
type cursor struct {
	ord   int
	batch *sbatch.Batch
	sel   sbatch.Selection
	pos   uint32
	file  *spill.File
	wide  *sbatch.Schema
}

func newMemCursor(ord int, g *memGroup) *cursor {
	return &cursor{ord: ord, batch: g.batch, sel: g.sel}
}

func newSpillCursor(ord int, g *spillGroup, wide *sbatch.Schema) (*cursor, error) {
	if err := g.file.Rewind(); err != nil {
		return nil, err
	}
	b, err := g.file.Read()
	if err != nil {
		return nil, err
	}
	if b != nil {
		if b, err = sbatch.Coerce(b, wide); err != nil {
			return nil, err
		}
	}
	return &cursor{ord: ord, batch: b, file: g.file, wide: wide}, nil
}

func (c *cursor) empty() bool {
	return c.batch == nil || c.batch.Len() == 0
}

// row returns the batch-local row number of the cursor's current row.
func (c *cursor) row() uint32 {
	if c.sel != nil {
		return c.sel[c.pos]
	}
	return c.pos
}

// advance moves to the next row, pulling the run's next on-disk batch
// transparently when the current one is exhausted.  It reports whether a
// current row remains.
func (c *cursor) advance() (bool, error) {
	c.pos++
	if c.sel != nil {
		return c.pos < uint32(len(c.sel)), nil
	}
	if c.pos < c.batch.Len() {
		return true, nil
	}
	if c.file == nil {
		return false, nil
	}
	b, err := c.file.Read()
	if err != nil {
		return false, err
	}
	if b == nil {
		c.batch = nil
		return false, nil
	}
	if b, err = sbatch.Coerce(b, c.wide); err != nil {
		return false, err
	}
	c.batch = b
	c.pos = 0
	return true, nil
}

// cursorHeap is a comparator-driven priority queue over group cursors: the
// root is the cursor whose current row orders first.
type cursorHeap struct {
	cursors []*cursor
	cmp     Comparator
}

func (h *cursorHeap) Len() int { return len(h.cursors) }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	return h.cmp.Compare(a.batch, a.row(), b.batch, b.row()) < 0
}

func (h *cursorHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

func (h *cursorHeap) Push(x any) {
	h.cursors = append(h.cursors, x.(*cursor))
}

func (h *cursorHeap) Pop() any {
	c := h.cursors[len(h.cursors)-1]
	h.cursors = h.cursors[:len(h.cursors)-1]
	return c
}

// hyperView is a read-only composite view over the current batches of all
// merge inputs, mapping (group ordinal, column) to a column vector so the
// merge can pull from any group without copying until a winner is selected.
// It is built per merge invocation and refreshed as spill cursors page.
type hyperView struct {
	groups [][]vector.Any
}

func newHyperView(n int) *hyperView {
	return &hyperView{groups: make([][]vector.Any, n)}
}

func (h *hyperView) set(c *cursor) {
	h.groups[c.ord] = c.batch.Vecs()
}

func (h *hyperView) vec(ord, col int) vector.Any {
	return h.groups[ord][col]
}

// merge produces bounded-size sorted batches from N sorted batch groups by
// repeatedly copying the row of the minimum cursor into the output and
// re-sifting that cursor.  The merge owns any spill groups handed to it and
// removes their files on close.
type merge struct {
	schema     *sbatch.Schema
	cmp        Comparator
	alloc      *mem.Allocator
	heap       cursorHeap
	hyper      *hyperView
	spills     []*spillGroup
	targetRows uint32
	budget     int64
	outBytes   int64
	closed     bool
}

func newMerge(schema *sbatch.Schema, cmp Comparator, alloc *mem.Allocator,
	mems []*memGroup, spills []*spillGroup, targetRows uint32, budget int64) (*merge, error) {
	m := &merge{
		schema:     schema,
		cmp:        cmp,
		alloc:      alloc,
		spills:     spills,
		targetRows: targetRows,
		budget:     budget,
		hyper:      newHyperView(len(mems) + len(spills)),
	}
	m.heap.cmp = cmp
	ord := 0
	for _, g := range mems {
		c := newMemCursor(ord, g)
		ord++
		if c.empty() {
			continue
		}
		m.hyper.set(c)
		m.heap.cursors = append(m.heap.cursors, c)
	}
	for _, g := range spills {
		c, err := newSpillCursor(ord, g, schema)
		if err != nil {
			m.close()
			return nil, err
		}
		ord++
		if c.empty() {
			continue
		}
		m.hyper.set(c)
		m.heap.cursors = append(m.heap.cursors, c)
	}
	heap.Init(&m.heap)
	return m, nil
}

// next returns the next merged batch of at most targetRows rows, or nil when
// all inputs are exhausted.  Cancellation is checked between row copies; on
// any error the merge cleans up the groups it owns.
func (m *merge) next(ctx context.Context) (*sbatch.Batch, error) {
	if m.closed || m.heap.Len() == 0 {
		return nil, nil
	}
	if m.outBytes > 0 {
		// The previous output batch has been handed off.
		m.alloc.Shrink(m.outBytes)
		m.outBytes = 0
	}
	if err := m.alloc.Grow(m.budget); err != nil {
		m.close()
		return nil, err
	}
	m.outBytes = m.budget
	ncols := m.schema.NumFields()
	builders := make([]vector.Builder, ncols)
	for col, f := range m.schema.Fields() {
		builders[col] = vector.NewBuilder(f.Type)
	}
	var n uint32
	for n < m.targetRows && m.heap.Len() > 0 {
		if n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				m.close()
				return nil, err
			}
		}
		c := m.heap.cursors[0]
		row := c.row()
		for col := range builders {
			builders[col].Append(m.hyper.vec(c.ord, col), row)
		}
		n++
		prev := c.batch
		ok, err := c.advance()
		if err != nil {
			m.close()
			return nil, err
		}
		if !ok {
			heap.Pop(&m.heap)
			continue
		}
		if c.batch != prev {
			m.hyper.set(c)
		}
		heap.Fix(&m.heap, 0)
	}
	vecs := make([]vector.Any, ncols)
	for col, b := range builders {
		vecs[col] = b.Build()
	}
	return sbatch.NewBatch(m.schema, vecs)
}

// close releases the merge's allocation and removes the spill runs it owns.
func (m *merge) close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.outBytes > 0 {
		m.alloc.Shrink(m.outBytes)
		m.outBytes = 0
	}
	for _, g := range m.spills {
		g.close()
	}
}
