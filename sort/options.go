package sort

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spooldb/spool/expr"
	"github.com/spooldb/spool/sbatch"
	"go.uber.org/zap"
)

// Comparator orders row references across batches.  The same comparator
// serves intra-batch sorting and inter-batch merging.  A negative result
// means row ai of a orders before row bi of b.
type Comparator interface {
	Compare(a *sbatch.Batch, ai uint32, b *sbatch.Batch, bi uint32) int
}

// ComparatorFactory builds a comparator for a sort-key list bound to a
// schema.  It is resolved once per operator instance and again only if the
// schema is widened under union-compatible mode.
type ComparatorFactory func(*sbatch.Schema, []expr.SortKey) (Comparator, error)

func defaultComparators(schema *sbatch.Schema, keys []expr.SortKey) (Comparator, error) {
	return expr.NewComparator(schema, keys)
}

const (
	// spillTriggerPct is the allocator usage percentage above which a spill
	// is forced.
	spillTriggerPct = 95

	// minSpillBatches is the minimum number of batches that must arrive
	// between spills for a forced spill to be productive; below it an
	// upstream out-of-memory condition is propagated instead.
	minSpillBatches = 3

	// refBytes is the per-row cost of a global selection entry.
	refBytes = 8

	// selBytes is the per-row cost of a single-batch selection entry.
	selBytes = 4

	maxTargetRows = 64 * 1024
)

type Options struct {
	// MemLimit bounds the operator's total buffering memory.  Zero selects a
	// default derived from system memory.
	MemLimit int64

	// MergeMemLimit bounds the dedicated merge allocator, which is a child
	// of the main budget but independently limited so a spill merge cannot
	// be starved by the pressure that triggered it.
	MergeMemLimit int64

	// MergeBatchBytes is the memory budget of one merged output batch; the
	// merge's row count target is MergeBatchBytes divided by the estimated
	// row width.
	MergeBatchBytes int64

	// VarWidthEstimate is the assumed width of variable-width columns when
	// estimating row width.
	VarWidthEstimate int

	// SpillDirs is the cycling list of directories for spill files; empty
	// means the system temp directory.
	SpillDirs []string

	// SpillCompression lz4-compresses spill files.  Off by default since
	// compression costs write throughput.
	SpillCompression bool

	// SpillGroupCount and SpillGroupSize gate spilling on accumulation: a
	// spill is triggered when more than SpillGroupCount groups are buffered
	// and more than SpillGroupSize batches arrived since the last spill.
	SpillGroupCount int
	SpillGroupSize  int

	// MaxBufferedBatches caps how many batches the in-memory merge path can
	// address; buffering past it forces a spill.
	MaxBufferedBatches int

	// SpillFraction is the fraction of buffered groups written out by one
	// spill, oldest first.  RemergeRatio triggers consolidation of existing
	// spilled runs once their count exceeds the ratio applied to the group
	// count observed at the first spill.  Both are heuristics inherited as
	// constants; they bound merge fan-in but are not load-bearing for
	// correctness.
	SpillFraction float64
	RemergeRatio  float64

	// UnionCompatible widens the schema on upstream schema changes instead
	// of failing.
	UnionCompatible bool

	// Comparators overrides the default comparator factory.
	Comparators ComparatorFactory

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.MergeMemLimit <= 0 {
		o.MergeMemLimit = 16 * 1024 * 1024
	}
	if o.MergeBatchBytes <= 0 {
		o.MergeBatchBytes = 1024 * 1024
	}
	if o.VarWidthEstimate <= 0 {
		o.VarWidthEstimate = 50
	}
	if o.SpillGroupCount <= 0 {
		o.SpillGroupCount = 40000
	}
	if o.SpillGroupSize <= 0 {
		o.SpillGroupSize = 40000
	}
	if o.MaxBufferedBatches <= 0 {
		o.MaxBufferedBatches = 65536
	}
	if o.SpillFraction <= 0 || o.SpillFraction > 1 {
		o.SpillFraction = 0.5
	}
	if o.RemergeRatio <= 0 {
		o.RemergeRatio = 0.5
	}
	if o.Comparators == nil {
		o.Comparators = defaultComparators
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// targetRowCount derives the merge output batch row target from the
// per-batch memory budget and the schema's estimated row width, keeping
// merged-batch memory bounded regardless of row width.
func targetRowCount(schema *sbatch.Schema, batchBytes int64, varWidth int) uint32 {
	width := 0
	for _, f := range schema.Fields() {
		if w, ok := f.Type.Width(); ok {
			width += w
		} else {
			width += varWidth
		}
	}
	if width == 0 {
		width = 1
	}
	n := batchBytes / int64(width)
	if n < 1 {
		return 1
	}
	if n > maxTargetRows {
		return maxTargetRows
	}
	return uint32(n)
}
