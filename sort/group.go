package sort

import (
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/spill"
)

// A batch group is one buffered run of rows in fully sorted order, resident
// in memory or backed by a spill file.

// memGroup wraps one sorted batch: the batch plus the selection index that
// orders it.  bytes is the group's accounted allocation.
type memGroup struct {
	batch *sbatch.Batch
	sel   sbatch.Selection
	bytes int64
}

// spillGroup wraps one spill run.  Rows are read back lazily through a merge
// cursor holding at most one decoded batch; addBatch writes through to the
// file immediately, transferring ownership of the batch into durable
// storage.
type spillGroup struct {
	file  *spill.File
	store *spill.Store
}

func (g *spillGroup) addBatch(b *sbatch.Batch) error {
	return g.file.Write(b)
}

// close deletes the backing file best-effort; failures are logged by the
// store and never fatal.
func (g *spillGroup) close() {
	g.store.Remove(g.file)
}
