package sort

import (
	"slices"

	"github.com/spooldb/spool/sbatch"
)

// sortRun produces a selection index over b such that iterating the index
// yields b's rows in comparator order.  The batch data itself is never
// moved.  If the upstream operator already established a selection, the sort
// permutes through it rather than assuming identity order; equal rows keep
// their incoming order.
func sortRun(b *sbatch.Batch, upstream sbatch.Selection, cmp Comparator) sbatch.Selection {
	var sel sbatch.Selection
	if upstream != nil {
		sel = slices.Clone(upstream)
	} else {
		sel = sbatch.Identity(b.Len())
	}
	slices.SortStableFunc(sel, func(i, j uint32) int {
		return cmp.Compare(b, i, b, j)
	})
	return sel
}
