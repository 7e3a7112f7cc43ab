package sort

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spooldb/spool/expr"
	"github.com/spooldb/spool/order"
	"github.com/spooldb/spool/sbatch"
	"github.com/spooldb/spool/vector"
	"github.com/spooldb/spool/vector/bitvec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intSchema() *sbatch.Schema {
	return sbatch.NewSchema(sbatch.NewField("v", vector.TypeInt64))
}

func intBatch(t *testing.T, vals ...int64) *sbatch.Batch {
	t.Helper()
	b, err := sbatch.NewBatch(intSchema(), []vector.Any{vector.NewInt(vals, bitvec.Zero)})
	require.NoError(t, err)
	return b
}

func intValues(t *testing.T, b *sbatch.Batch, col int) []int64 {
	t.Helper()
	vec := b.Vec(col).(*vector.Int)
	out := make([]int64, 0, vec.Len())
	for slot := uint32(0); slot < vec.Len(); slot++ {
		out = append(out, vec.Value(slot))
	}
	return out
}

func keysAsc() []expr.SortKey {
	return []expr.SortKey{expr.NewSortKey("v", order.Asc, order.NullsLast)}
}

type sourceStep struct {
	outcome sbatch.Outcome
	schema  *sbatch.Schema
	batch   *sbatch.Batch
	sel     sbatch.Selection
}

// testSource scripts the upstream pull protocol; once the script is
// exhausted it keeps returning OutcomeNone.
type testSource struct {
	steps []sourceStep
	pos   int
	cur   sourceStep
}

func (s *testSource) Next(ctx context.Context) (sbatch.Outcome, error) {
	if s.pos >= len(s.steps) {
		s.cur = sourceStep{outcome: sbatch.OutcomeNone}
		return sbatch.OutcomeNone, nil
	}
	s.cur = s.steps[s.pos]
	s.pos++
	return s.cur.outcome, nil
}

func (s *testSource) Schema() *sbatch.Schema      { return s.cur.schema }
func (s *testSource) Batch() *sbatch.Batch        { return s.cur.batch }
func (s *testSource) Selection() sbatch.Selection { return s.cur.sel }

func dataSource(t *testing.T, batches ...*sbatch.Batch) *testSource {
	t.Helper()
	steps := []sourceStep{{outcome: sbatch.OutcomeNewSchema, schema: intSchema()}}
	for _, b := range batches {
		steps = append(steps, sourceStep{outcome: sbatch.OutcomeOK, schema: b.Schema(), batch: b})
	}
	return &testSource{steps: steps}
}

// drain pulls the operator until OutcomeNone, returning every emitted value
// in emission order.
func drain(t *testing.T, e *External) []int64 {
	t.Helper()
	ctx := context.Background()
	var out []int64
	for {
		outcome, err := e.Next(ctx)
		require.NoError(t, err)
		switch outcome {
		case sbatch.OutcomeNewSchema, sbatch.OutcomeOK:
			if gsel := e.GlobalSelection(); gsel != nil {
				r := gsel.Reader()
				for {
					b, row, ok := r.Next()
					if !ok {
						break
					}
					out = append(out, b.Vec(0).(*vector.Int).Value(row))
				}
			} else {
				out = append(out, intValues(t, e.Batch(), 0)...)
			}
		case sbatch.OutcomeNone:
			return out
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
}

func TestAllInMemory(t *testing.T) {
	// Three batches of ten rows with distinct keys, nothing spills, and the
	// result arrives as one zero-copy logical batch.
	src := dataSource(t,
		intBatch(t, 20, 23, 26, 29, 2, 5, 8, 11, 14, 17),
		intBatch(t, 1, 4, 7, 10, 13, 16, 19, 22, 25, 28),
		intBatch(t, 0, 3, 6, 9, 12, 15, 18, 21, 24, 27),
	)
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	ctx := context.Background()
	outcome, err := e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sbatch.OutcomeNewSchema, outcome)
	require.NotNil(t, e.GlobalSelection())
	assert.Nil(t, e.Batch())
	assert.Equal(t, 30, e.RecordCount())
	assert.Empty(t, e.spilled)

	var got []int64
	r := e.GlobalSelection().Reader()
	for {
		b, row, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, b.Vec(0).(*vector.Int).Value(row))
	}
	want := make([]int64, 30)
	for i := range want {
		want[i] = int64(i)
	}
	assert.Equal(t, want, got)

	outcome, err = e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sbatch.OutcomeNone, outcome)
}

func TestSpillOnMemoryPressure(t *testing.T) {
	// The limit is sized so the projected in-memory merge no longer fits
	// after the second of five 10-row batches: one spill event during
	// loading writes the first two (merged) batches to one run, the last
	// three stay resident until completion.
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	src := dataSource(t,
		intBatch(t, 40, 30, 20, 10, 0, 45, 35, 25, 15, 5),
		intBatch(t, 41, 31, 21, 11, 1, 46, 36, 26, 16, 6),
		intBatch(t, 42, 32, 22, 12, 2, 47, 37, 27, 17, 7),
		intBatch(t, 43, 33, 23, 13, 3, 48, 38, 28, 18, 8),
		intBatch(t, 44, 34, 24, 14, 4, 49, 39, 29, 19, 9),
	)
	e := New(src, keysAsc(), Options{
		MemLimit:   390,
		SpillDirs:  []string{dir},
		Registerer: reg,
	})
	defer e.Close()
	ctx := context.Background()
	outcome, err := e.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, sbatch.OutcomeNewSchema, outcome)
	// The spilled path produces copied batches, not a global selection.
	assert.Nil(t, e.GlobalSelection())
	require.NotNil(t, e.Batch())

	got := intValues(t, e.Batch(), 0)
	for {
		outcome, err := e.Next(ctx)
		require.NoError(t, err)
		if outcome == sbatch.OutcomeNone {
			break
		}
		require.Equal(t, sbatch.OutcomeOK, outcome)
		got = append(got, intValues(t, e.Batch(), 0)...)
	}
	want := make([]int64, 50)
	for i := range want {
		want[i] = int64(i)
	}
	assert.Equal(t, want, got)
	// One spill during loading plus the completion spill of the resident
	// groups.
	assert.EqualValues(t, 2, counterValue(t, reg, "spool_sort_spills_total"))
	// All spill files are gone once the sort is done.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSchemaChangeFails(t *testing.T) {
	wide := sbatch.NewSchema(
		sbatch.NewField("v", vector.TypeInt64),
		sbatch.NewField("extra", vector.TypeString),
	)
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(), batch: intBatch(t, 3, 1, 2)},
		{outcome: sbatch.OutcomeNewSchema, schema: wide},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	_, err := e.Next(context.Background())
	require.ErrorIs(t, err, sbatch.ErrSchemaChange)
	assert.Equal(t, stateFailed, e.state)
	// The error is sticky.
	_, err = e.Next(context.Background())
	assert.ErrorIs(t, err, sbatch.ErrSchemaChange)
}

func TestSchemaUnionMode(t *testing.T) {
	wide := sbatch.NewSchema(
		sbatch.NewField("v", vector.TypeInt64),
		sbatch.NewField("extra", vector.TypeInt64),
	)
	wideBatch, err := sbatch.NewBatch(wide, []vector.Any{
		vector.NewInt([]int64{5, 1}, bitvec.Zero),
		vector.NewInt([]int64{50, 10}, bitvec.Zero),
	})
	require.NoError(t, err)
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(), batch: intBatch(t, 4, 2)},
		{outcome: sbatch.OutcomeNewSchema, schema: wide, batch: wideBatch},
	}}
	e := New(src, keysAsc(), Options{
		SpillDirs:       []string{t.TempDir()},
		UnionCompatible: true,
	})
	defer e.Close()
	got := drain(t, e)
	assert.Equal(t, []int64{1, 2, 4, 5}, got)
	assert.Equal(t, 2, e.schema.NumFields())
}

func TestCancellationMidMerge(t *testing.T) {
	dir := t.TempDir()
	src := dataSource(t,
		intBatch(t, 40, 30, 20, 10, 0, 45, 35, 25, 15, 5),
		intBatch(t, 41, 31, 21, 11, 1, 46, 36, 26, 16, 6),
		intBatch(t, 42, 32, 22, 12, 2, 47, 37, 27, 17, 7),
		intBatch(t, 43, 33, 23, 13, 3, 48, 38, 28, 18, 8),
		intBatch(t, 44, 34, 24, 14, 4, 49, 39, 29, 19, 9),
	)
	e := New(src, keysAsc(), Options{MemLimit: 390, SpillDirs: []string{dir}})
	defer e.Close()
	ctx, cancel := context.WithCancel(context.Background())
	outcome, err := e.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, sbatch.OutcomeNewSchema, outcome)

	cancel()
	outcome, err = e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sbatch.OutcomeStop, outcome)
	assert.Equal(t, stateStopped, e.state)
	// Spill files are cleaned up on cancellation.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIdempotentCompletion(t *testing.T) {
	src := dataSource(t, intBatch(t, 2, 1, 3))
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	got := drain(t, e)
	assert.Equal(t, []int64{1, 2, 3}, got)
	for i := 0; i < 3; i++ {
		outcome, err := e.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, sbatch.OutcomeNone, outcome)
		assert.Nil(t, e.Batch())
		assert.Nil(t, e.GlobalSelection())
	}
}

func TestOOMPropagatesWhenSpillUnproductive(t *testing.T) {
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(), batch: intBatch(t, 3, 1, 2)},
		{outcome: sbatch.OutcomeOOM},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 6, 4, 5)},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	ctx := context.Background()
	// One buffered batch is below the productive-spill minimum, so the
	// condition propagates.
	outcome, err := e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sbatch.OutcomeOOM, outcome)
	assert.Empty(t, e.spilled)
	// The next pull resumes loading and completes the sort.
	got := drain(t, e)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got)
}

func TestOOMForcesSpill(t *testing.T) {
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(), batch: intBatch(t, 9, 3)},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 7, 1)},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 8, 2)},
		{outcome: sbatch.OutcomeOOM},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 5, 4, 6)},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	ctx := context.Background()
	outcome, err := e.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, sbatch.OutcomeNewSchema, outcome)
	got := intValues(t, e.Batch(), 0)
	for {
		outcome, err := e.Next(ctx)
		require.NoError(t, err)
		if outcome == sbatch.OutcomeNone {
			break
		}
		got = append(got, intValues(t, e.Batch(), 0)...)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestUpstreamSelectionPassThrough(t *testing.T) {
	// The upstream operator already ordered the batch through a selection;
	// the run sorter composes with it rather than assuming identity order.
	b := intBatch(t, 30, 10, 20)
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema()},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: b, sel: sbatch.Selection{1, 2, 0}},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	got := drain(t, e)
	assert.Equal(t, []int64{10, 20, 30}, got)
}

func TestUpstreamSelectionSubset(t *testing.T) {
	// The upstream selection excludes row 3 entirely: the excluded row must
	// not appear in the output, must not count toward the row total, and its
	// share of the result-index allocation must not linger after completion.
	b := intBatch(t, 30, 10, 20, 99)
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema()},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: b, sel: sbatch.Selection{1, 2, 0}},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	got := drain(t, e)
	assert.Equal(t, []int64{10, 20, 30}, got)
	assert.EqualValues(t, 3, e.totalRows)
	assert.Zero(t, e.alloc.Used())
}

func wideSchema() *sbatch.Schema {
	return sbatch.NewSchema(
		sbatch.NewField("v", vector.TypeInt64),
		sbatch.NewField("extra", vector.TypeInt64),
	)
}

func wideBatch(t *testing.T, vals, extra []int64) *sbatch.Batch {
	t.Helper()
	b, err := sbatch.NewBatch(wideSchema(), []vector.Any{
		vector.NewInt(vals, bitvec.Zero),
		vector.NewInt(extra, bitvec.Zero),
	})
	require.NoError(t, err)
	return b
}

// drainWide collects the merged output's key column plus the extra column as
// (value, isNull) pairs.
func drainWide(t *testing.T, e *External) (vals []int64, extra []int64, extraNull []bool) {
	t.Helper()
	ctx := context.Background()
	for {
		outcome, err := e.Next(ctx)
		require.NoError(t, err)
		if outcome == sbatch.OutcomeNone {
			return vals, extra, extraNull
		}
		require.Contains(t, []sbatch.Outcome{sbatch.OutcomeNewSchema, sbatch.OutcomeOK}, outcome)
		b := e.Batch()
		require.NotNil(t, b)
		vec := b.Vec(1).(*vector.Int)
		for row := uint32(0); row < b.Len(); row++ {
			vals = append(vals, b.Vec(0).(*vector.Int).Value(row))
			extra = append(extra, vec.Value(row))
			extraNull = append(extraNull, vec.Null(row))
		}
	}
}

func TestSchemaWideningSpillsUnderPressure(t *testing.T) {
	// Null-padding the third buffered group to the widened schema exceeds
	// the budget; instead of failing, the buffered groups are spilled under
	// the old schema and coerced when the run is read back.
	reg := prometheus.NewRegistry()
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(), batch: intBatch(t, 15, 3, 9, 0, 6, 12)},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 16, 4, 10, 1, 7, 13)},
		{outcome: sbatch.OutcomeOK, schema: intSchema(), batch: intBatch(t, 17, 5, 11, 2, 8, 14)},
		{outcome: sbatch.OutcomeNewSchema, schema: wideSchema(),
			batch: wideBatch(t, []int64{21, 19, 23, 18, 22, 20}, []int64{2100, 1900, 2300, 1800, 2200, 2000})},
	}}
	e := New(src, keysAsc(), Options{
		MemLimit:        365,
		SpillDirs:       []string{t.TempDir()},
		UnionCompatible: true,
		Registerer:      reg,
	})
	defer e.Close()
	vals, extra, extraNull := drainWide(t, e)
	require.Len(t, vals, 24)
	for i, v := range vals {
		assert.EqualValues(t, i, v)
		if v < 18 {
			assert.True(t, extraNull[i], "row %d", i)
		} else {
			assert.False(t, extraNull[i], "row %d", i)
			assert.Equal(t, v*100, extra[i], "row %d", i)
		}
	}
	// One spill forced by the widening, one at completion.
	assert.EqualValues(t, 2, counterValue(t, reg, "spool_sort_spills_total"))
}

func TestSchemaUnionAfterSpill(t *testing.T) {
	// The narrow-schema run is already on disk when the schema widens; its
	// batches are coerced to the wide schema as the final merge reads them
	// back.
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema(),
			batch: intBatch(t, 8, 0, 16, 4, 12, 18, 2, 10, 6, 14)},
		{outcome: sbatch.OutcomeOK, schema: intSchema(),
			batch: intBatch(t, 9, 1, 17, 5, 13, 19, 3, 11, 7, 15)},
		{outcome: sbatch.OutcomeNewSchema, schema: wideSchema(),
			batch: wideBatch(t,
				[]int64{25, 21, 29, 20, 27, 23, 28, 22, 26, 24},
				[]int64{1025, 1021, 1029, 1020, 1027, 1023, 1028, 1022, 1026, 1024})},
	}}
	e := New(src, keysAsc(), Options{
		MemLimit:        390,
		SpillDirs:       []string{t.TempDir()},
		UnionCompatible: true,
	})
	defer e.Close()
	vals, extra, extraNull := drainWide(t, e)
	require.Len(t, vals, 30)
	for i, v := range vals {
		assert.EqualValues(t, i, v)
		if v < 20 {
			assert.True(t, extraNull[i], "row %d", i)
		} else {
			assert.False(t, extraNull[i], "row %d", i)
			assert.Equal(t, v+1000, extra[i], "row %d", i)
		}
	}
	assert.Equal(t, 2, e.schema.NumFields())
}

func TestEmptyInput(t *testing.T) {
	src := &testSource{steps: []sourceStep{
		{outcome: sbatch.OutcomeNewSchema, schema: intSchema()},
	}}
	e := New(src, keysAsc(), Options{SpillDirs: []string{t.TempDir()}})
	defer e.Close()
	outcome, err := e.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sbatch.OutcomeNone, outcome)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
