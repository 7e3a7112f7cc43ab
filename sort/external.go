// Package sort implements a managed external sort over columnar batch
// streams: incoming batches are sorted individually and buffered, spilled to
// disk under memory pressure, and merged back into one sorted output stream.
package sort

import (
	"context"
	"fmt"
	"math"

	"github.com/spooldb/spool/expr"
	"github.com/spooldb/spool/mem"
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/spill"
	"go.uber.org/zap"
)

type state int

const (
	stateStart state = iota
	stateLoad
	stateMemOutput
	stateSpillOutput
	stateDone
	stateFailed
	stateStopped
)

// External is the external sort operator.  It is driven by a single consumer
// calling Next repeatedly; there is no internal concurrency.  After Next
// returns OutcomeNewSchema or OutcomeOK, the output accessors are valid
// until the following Next call.
//
// When everything fit in memory, the result is exposed as one logical batch
// through GlobalSelection and Batch returns nil; otherwise Batch carries
// successive merged batches of bounded size.
type External struct {
	source  sbatch.Source
	keys    []expr.SortKey
	opts    Options
	logger  *zap.Logger
	metrics *metrics

	root       *mem.Allocator
	alloc      *mem.Allocator
	mergeAlloc *mem.Allocator
	store      *spill.Store

	schema *sbatch.Schema
	cmp    Comparator

	state state
	err   error

	buffered []*memGroup
	spilled  []*spillGroup

	totalRows          uint64
	totalBatches       int
	batchesSinceSpill  int
	firstSpillBaseline int

	finalMerge *merge

	out     *sbatch.Batch
	outSel  *sbatch.GlobalSelection
	outRows int
	emitted bool
}

// New returns an external sort reading batches from source and ordering rows
// by keys.  The operator owns its allocator hierarchy and spill files; Close
// releases both.
func New(source sbatch.Source, keys []expr.SortKey, opts Options) *External {
	opts = opts.withDefaults()
	bufLimit := opts.MemLimit
	if bufLimit <= 0 {
		bufLimit = mem.DefaultLimit()
	}
	// The merge budget is a sibling of the buffering budget under one root
	// so a merge triggered by buffering pressure is not itself starved.
	root := mem.New("sort", bufLimit+opts.MergeMemLimit)
	return &External{
		source:     source,
		keys:       keys,
		opts:       opts,
		logger:     opts.Logger,
		metrics:    newMetrics(opts.Registerer),
		root:       root,
		alloc:      root.NewChild("sort-buffer", bufLimit),
		mergeAlloc: root.NewChild("sort-merge", opts.MergeMemLimit),
		store:      spill.NewStore(opts.SpillDirs, opts.SpillCompression, opts.Logger),
	}
}

func (e *External) Schema() *sbatch.Schema { return e.schema }

// Batch returns the current output batch, or nil on the in-memory merge
// path.
func (e *External) Batch() *sbatch.Batch { return e.out }

func (e *External) RecordCount() int { return e.outRows }

// GlobalSelection returns the zero-copy result view when the sort completed
// without spilling, or nil otherwise.
func (e *External) GlobalSelection() *sbatch.GlobalSelection { return e.outSel }

// Next drives the operator.  It pulls and buffers upstream batches until the
// input is exhausted, spilling as needed, then produces sorted output.
// After the final batch it returns OutcomeNone, and keeps returning
// OutcomeNone without side effects.
func (e *External) Next(ctx context.Context) (sbatch.Outcome, error) {
	switch e.state {
	case stateStart, stateLoad:
		return e.load(ctx)
	case stateMemOutput:
		// The single logical result was emitted; the consumer pulling again
		// means it is done with the resident batches.
		e.unwind()
		e.state = stateDone
		return sbatch.OutcomeNone, nil
	case stateSpillOutput:
		return e.nextMerged(ctx)
	case stateFailed:
		return sbatch.OutcomeStop, e.err
	case stateStopped:
		return sbatch.OutcomeStop, nil
	default:
		return sbatch.OutcomeNone, nil
	}
}

func (e *External) load(ctx context.Context) (sbatch.Outcome, error) {
	e.state = stateLoad
	for {
		if ctx.Err() != nil {
			return e.stop()
		}
		outcome, err := e.source.Next(ctx)
		if err != nil {
			return e.fail(err)
		}
		switch outcome {
		case sbatch.OutcomeNewSchema:
			if err := e.setSchema(ctx, e.source.Schema()); err != nil {
				return e.fail(err)
			}
			if b := e.source.Batch(); b != nil && b.Len() > 0 {
				if err := e.buffer(ctx, b, e.source.Selection()); err != nil {
					return e.fail(err)
				}
			}
		case sbatch.OutcomeOK:
			b := e.source.Batch()
			if e.schema == nil {
				if err := e.setSchema(ctx, b.Schema()); err != nil {
					return e.fail(err)
				}
			}
			if b.Len() == 0 {
				continue
			}
			if err := e.buffer(ctx, b, e.source.Selection()); err != nil {
				return e.fail(err)
			}
		case sbatch.OutcomeNone:
			return e.finish(ctx)
		case sbatch.OutcomeOOM:
			if e.batchesSinceSpill < minSpillBatches {
				// Too little has accumulated for a spill to help; let the
				// condition propagate downstream.
				return sbatch.OutcomeOOM, nil
			}
			if err := e.spillGroups(ctx, len(e.buffered)); err != nil {
				return e.fail(err)
			}
			e.batchesSinceSpill = 0
		case sbatch.OutcomeStop:
			return e.stop()
		}
		if e.schema != nil && len(e.buffered) > 0 && e.spillNeeded() {
			if err := e.doSpill(ctx); err != nil {
				return e.fail(err)
			}
		}
	}
}

// setSchema establishes the schema from the first batch observed, or
// reconciles a schema change: fatal unless union-compatible mode is on, in
// which case the schema is widened, buffered groups are null-padded, and the
// comparator is rebound.  If null-padding the buffered groups does not fit in
// the budget, they are spilled under the old schema instead and coerced
// lazily on read-back, the same way buffer reacts to a refused grow.
func (e *External) setSchema(ctx context.Context, schema *sbatch.Schema) error {
	if schema == nil {
		return fmt.Errorf("sort: upstream delivered no schema")
	}
	if e.schema == nil {
		cmp, err := e.opts.Comparators(schema, e.keys)
		if err != nil {
			return err
		}
		e.schema, e.cmp = schema, cmp
		return nil
	}
	if e.schema.Equal(schema) {
		return nil
	}
	if !e.opts.UnionCompatible {
		return fmt.Errorf("sort: %w", sbatch.ErrSchemaChange)
	}
	wide, err := e.schema.Union(schema)
	if err != nil {
		return err
	}
	cmp, err := e.opts.Comparators(wide, e.keys)
	if err != nil {
		return err
	}
	for _, g := range e.buffered {
		coerced, err := sbatch.Coerce(g.batch, wide)
		if err != nil {
			return err
		}
		if delta := coerced.Size() - g.batch.Size(); delta > 0 {
			if err := e.alloc.Grow(delta); err != nil {
				if err := e.spillGroups(ctx, len(e.buffered)); err != nil {
					return err
				}
				e.batchesSinceSpill = 0
				break
			}
			g.bytes += delta
		}
		g.batch = coerced
	}
	// Spilled runs are coerced lazily as their batches are read back.
	e.schema, e.cmp = wide, cmp
	return nil
}

// buffer sorts one incoming batch and adds it to the buffered groups,
// taking ownership of the batch.  If the batch itself cannot be accounted,
// everything buffered is spilled and the request retried; index memory uses
// the backoff path.
func (e *External) buffer(ctx context.Context, b *sbatch.Batch, upstream sbatch.Selection) error {
	if !b.Schema().Equal(e.schema) {
		var err error
		if b, err = sbatch.Coerce(b, e.schema); err != nil {
			return err
		}
	}
	size := b.Size()
	if err := e.alloc.Grow(size); err != nil {
		if len(e.buffered) == 0 {
			return err
		}
		if err := e.spillGroups(ctx, len(e.buffered)); err != nil {
			return err
		}
		e.batchesSinceSpill = 0
		if err := e.alloc.Grow(size); err != nil {
			return err
		}
	}
	// An upstream selection may be a subset of the batch; only its rows are
	// part of the sort and only they are accounted.
	rows := b.Len()
	if upstream != nil {
		rows = uint32(len(upstream))
	}
	selSize := selBytes * int64(rows)
	if err := e.alloc.GrowWithBackoff(ctx, selSize); err != nil {
		e.alloc.Shrink(size)
		return err
	}
	sel := sortRun(b, upstream, e.cmp)
	e.buffered = append(e.buffered, &memGroup{batch: b, sel: sel, bytes: size + selSize})
	e.totalRows += uint64(rows)
	e.totalBatches++
	e.batchesSinceSpill++
	return nil
}

// spillNeeded is evaluated after each buffered batch, short-circuiting on
// the first condition that holds: (a) before any spill, the projected
// memory for the final in-memory merge over all rows received no longer
// fits; (b) the buffered batch count would exceed the in-memory selection
// index's addressable range; (c) allocator usage crossed the spill-trigger
// threshold; (d) both accumulation thresholds are exceeded.
func (e *External) spillNeeded() bool {
	used, limit := e.alloc.Used(), e.alloc.Limit()
	if len(e.spilled) == 0 && used+refBytes*int64(e.totalRows) > limit {
		return true
	}
	if len(e.buffered) >= e.opts.MaxBufferedBatches {
		return true
	}
	if used*100 > limit*spillTriggerPct {
		return true
	}
	return len(e.buffered) > e.opts.SpillGroupCount &&
		e.batchesSinceSpill > e.opts.SpillGroupSize
}

// doSpill writes buffered groups out to a new spilled run.  The very first
// spill takes everything buffered: once any row is on disk the in-memory
// merge path is gone for good, so holding back groups buys nothing.  Later
// spills take the oldest SpillFraction of the buffered groups, extended
// until usage is back under the trigger threshold.  Before that, if the
// spilled-run count exceeds RemergeRatio times the first-spill baseline, the
// existing runs are consolidated into one so the final merge's fan-in stays
// bounded.
func (e *External) doSpill(ctx context.Context) error {
	n := len(e.buffered)
	if e.firstSpillBaseline == 0 {
		e.firstSpillBaseline = n
	} else {
		if len(e.spilled) > int(float64(e.firstSpillBaseline)*e.opts.RemergeRatio) {
			if err := e.consolidateSpilled(ctx); err != nil {
				return err
			}
		}
		n = int(math.Ceil(float64(n) * e.opts.SpillFraction))
		used, limit := e.alloc.Used(), e.alloc.Limit()
		var freed int64
		for i := 0; i < n; i++ {
			freed += e.buffered[i].bytes
		}
		for n < len(e.buffered) && (used-freed)*100 > limit*spillTriggerPct {
			freed += e.buffered[n].bytes
			n++
		}
	}
	if err := e.spillGroups(ctx, n); err != nil {
		return err
	}
	e.batchesSinceSpill = 0
	return nil
}

// spillGroups merges the oldest n buffered groups into one new spilled run.
func (e *External) spillGroups(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	victims := e.buffered[:n]
	file, err := e.store.Create()
	if err != nil {
		return err
	}
	g := &spillGroup{file: file, store: e.store}
	m, err := newMerge(e.schema, e.cmp, e.mergeAlloc, victims, nil,
		e.targetRows(), e.opts.MergeBatchBytes)
	if err != nil {
		e.store.Remove(file)
		return err
	}
	for {
		b, err := m.next(ctx)
		if err != nil {
			m.close()
			e.store.Remove(file)
			return err
		}
		if b == nil {
			break
		}
		if err := g.addBatch(b); err != nil {
			m.close()
			e.store.Remove(file)
			return err
		}
	}
	m.close()
	for _, v := range victims {
		e.alloc.Shrink(v.bytes)
	}
	e.buffered = append(e.buffered[:0], e.buffered[n:]...)
	e.spilled = append(e.spilled, g)
	size, _ := file.Size()
	e.metrics.spills.Inc()
	e.metrics.spilledBytes.Add(float64(size))
	e.metrics.mergeRounds.Inc()
	e.logger.Debug("spilled batch groups",
		zap.Int("groups", n),
		zap.Uint64("rows", file.Rows()),
		zap.Int64("bytes", size),
		zap.String("path", file.Path()))
	return nil
}

// consolidateSpilled merges all existing spilled runs into one.
func (e *External) consolidateSpilled(ctx context.Context) error {
	file, err := e.store.Create()
	if err != nil {
		return err
	}
	g := &spillGroup{file: file, store: e.store}
	m, err := newMerge(e.schema, e.cmp, e.mergeAlloc, nil, e.spilled,
		e.targetRows(), e.opts.MergeBatchBytes)
	if err != nil {
		e.store.Remove(file)
		e.spilled = nil
		return err
	}
	for {
		b, err := m.next(ctx)
		if err != nil {
			m.close()
			e.store.Remove(file)
			e.spilled = nil
			return err
		}
		if b == nil {
			break
		}
		if err := g.addBatch(b); err != nil {
			m.close()
			e.store.Remove(file)
			e.spilled = nil
			return err
		}
	}
	m.close()
	e.spilled = []*spillGroup{g}
	e.metrics.mergeRounds.Inc()
	e.logger.Debug("consolidated spilled runs",
		zap.Uint64("rows", file.Rows()),
		zap.String("path", file.Path()))
	return nil
}

// finish runs once the input is exhausted: the in-memory merge path if
// nothing was ever spilled, otherwise the final multi-way merge across
// every run.
func (e *External) finish(ctx context.Context) (sbatch.Outcome, error) {
	if e.totalRows == 0 {
		e.unwind()
		e.state = stateDone
		return sbatch.OutcomeNone, nil
	}
	if len(e.spilled) == 0 {
		if err := e.alloc.GrowWithBackoff(ctx, refBytes*int64(e.totalRows)); err != nil {
			return e.fail(err)
		}
		gsel, err := mergeResident(ctx, e.buffered, e.cmp)
		if err != nil {
			if ctx.Err() != nil {
				return e.stop()
			}
			return e.fail(err)
		}
		e.outSel = gsel
		e.outRows = gsel.Len()
		e.state = stateMemOutput
		e.metrics.rowsOut.Add(float64(gsel.Len()))
		e.emitted = true
		return sbatch.OutcomeNewSchema, nil
	}
	if len(e.buffered) > 0 {
		if err := e.spillGroups(ctx, len(e.buffered)); err != nil {
			return e.fail(err)
		}
	}
	fm, err := newMerge(e.schema, e.cmp, e.mergeAlloc, nil, e.spilled,
		e.targetRows(), e.opts.MergeBatchBytes)
	if err != nil {
		e.spilled = nil
		return e.fail(err)
	}
	e.finalMerge = fm
	e.spilled = nil // owned by the merge now
	e.metrics.mergeRounds.Inc()
	e.state = stateSpillOutput
	return e.nextMerged(ctx)
}

func (e *External) nextMerged(ctx context.Context) (sbatch.Outcome, error) {
	if ctx.Err() != nil {
		return e.stop()
	}
	b, err := e.finalMerge.next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return e.stop()
		}
		return e.fail(err)
	}
	if b == nil {
		e.finalMerge.close()
		e.finalMerge = nil
		e.unwind()
		e.state = stateDone
		return sbatch.OutcomeNone, nil
	}
	e.out = b
	e.outRows = int(b.Len())
	e.metrics.rowsOut.Add(float64(b.Len()))
	if !e.emitted {
		e.emitted = true
		return sbatch.OutcomeNewSchema, nil
	}
	return sbatch.OutcomeOK, nil
}

func (e *External) targetRows() uint32 {
	return targetRowCount(e.schema, e.opts.MergeBatchBytes, e.opts.VarWidthEstimate)
}

func (e *External) fail(err error) (sbatch.Outcome, error) {
	e.unwind()
	e.state = stateFailed
	e.err = err
	return sbatch.OutcomeStop, err
}

func (e *External) stop() (sbatch.Outcome, error) {
	e.unwind()
	e.state = stateStopped
	return sbatch.OutcomeStop, nil
}

// unwind releases everything the operator holds: buffered groups, the final
// merge, spilled runs, and the merge allocator.  Spill file deletion is
// best-effort and never fails the query.
func (e *External) unwind() {
	if e.finalMerge != nil {
		e.finalMerge.close()
		e.finalMerge = nil
	}
	for _, g := range e.buffered {
		e.alloc.Shrink(g.bytes)
	}
	e.buffered = nil
	for _, g := range e.spilled {
		g.close()
	}
	e.spilled = nil
	if e.outSel != nil {
		e.alloc.Shrink(refBytes * int64(e.outSel.Len()))
		e.outSel = nil
	}
	e.out = nil
	e.outRows = 0
	e.mergeAlloc.Release()
	e.store.RemoveAll(context.Background())
}

// Close releases all resources.  It never fails: cleanup problems are
// logged, not returned.
func (e *External) Close() error {
	e.unwind()
	if e.state != stateFailed && e.state != stateStopped {
		e.state = stateDone
	}
	return nil
}
