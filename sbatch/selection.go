package sbatch

// Selection is a permutation of one batch's row numbers defining a view order
// over the batch without moving data.
type Selection []uint32

// Identity returns the identity selection over n rows.
func Identity(n uint32) Selection {
	sel := make(Selection, n)
	for i := range sel {
		sel[i] = uint32(i)
	}
	return sel
}

// GlobalRef addresses one row across a set of resident batches.
type GlobalRef struct {
	Batch uint32
	Row   uint32
}

// GlobalSelection is an ordered view spanning many resident batches, used
// when the whole sort fit in memory and no rows need to be copied.  Every
// contributing batch must remain resident for the life of the selection.
type GlobalSelection struct {
	batches []*Batch
	refs    []GlobalRef
}

func NewGlobalSelection(batches []*Batch, cap int) *GlobalSelection {
	return &GlobalSelection{batches: batches, refs: make([]GlobalRef, 0, cap)}
}

func (g *GlobalSelection) Append(ref GlobalRef) {
	g.refs = append(g.refs, ref)
}

func (g *GlobalSelection) Len() int {
	return len(g.refs)
}

func (g *GlobalSelection) Batches() []*Batch {
	return g.batches
}

func (g *GlobalSelection) Refs() []GlobalRef {
	return g.refs
}

// Reader returns a forward iterator resolving refs to (batch, row) pairs.
func (g *GlobalSelection) Reader() *GlobalReader {
	return &GlobalReader{sel: g}
}

type GlobalReader struct {
	sel *GlobalSelection
	pos int
}

// Next returns the batch and row offset of the next row in order, or
// ok=false when the selection is exhausted.
func (r *GlobalReader) Next() (*Batch, uint32, bool) {
	if r.pos >= len(r.sel.refs) {
		return nil, 0, false
	}
	ref := r.sel.refs[r.pos]
	r.pos++
	return r.sel.batches[ref.Batch], ref.Row, true
}
