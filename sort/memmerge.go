package sort

import (
	"container/heap"
	"context"

	"github.com/spooldb/spool/sbatch"
)

// mergeResident merges all buffered single-batch runs into one global
// selection index over the still-resident batches, with no row copying.  It
// is used only when no spill ever occurred, trading the copy cost of the
// priority-queue merge for keeping every contributing batch in memory for
// the life of the output.
func mergeResident(ctx context.Context, groups []*memGroup, cmp Comparator) (*sbatch.GlobalSelection, error) {
	batches := make([]*sbatch.Batch, len(groups))
	h := cursorHeap{cmp: cmp}
	var total int
	for ord, g := range groups {
		batches[ord] = g.batch
		total += len(g.sel)
		c := newMemCursor(ord, g)
		if !c.empty() {
			h.cursors = append(h.cursors, c)
		}
	}
	heap.Init(&h)
	gsel := sbatch.NewGlobalSelection(batches, total)
	var n int
	for h.Len() > 0 {
		if n&4095 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c := h.cursors[0]
		gsel.Append(sbatch.GlobalRef{Batch: uint32(c.ord), Row: c.row()})
		n++
		if ok, _ := c.advance(); !ok {
			heap.Pop(&h)
			continue
		}
		heap.Fix(&h, 0)
	}
	return gsel, nil
}
