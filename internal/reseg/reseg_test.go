package reseg

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/tally"
)

type fixture struct {
	cat     *catalog.Catalog
	chrom   *genome.Chromosome
	counter *tally.Counter
	reseg   *Resegmenter
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()
	cat := catalog.New(catalog.Config{})
	require.NoError(t, cat.AddType(catalog.MutationType{ID: 1}))
	chrom, err := genome.NewChromosome(genome.Config{ID: 1, Length: 1024, SlotCount: slots, Partitions: 3, Checks: true})
	require.NoError(t, err)

	f := &fixture{cat: cat, chrom: chrom, counter: tally.New(cat, tally.Config{Checks: true})}
	f.reseg = New(cat, func() bool {
		return f.counter.Fresh([]*genome.Chromosome{chrom}, tally.Conditions{})
	}, nil)
	return f
}

func (f *fixture) add(t *testing.T, g *genome.Genome, pos int64) catalog.Index {
	t.Helper()
	idx, err := f.cat.Add(catalog.Mutation{Type: 1, Chromosome: f.chrom.ID, Position: pos})
	require.NoError(t, err)
	g.WillModify(f.chrom.SlotFor(pos)).InsertSorted(idx, f.cat)
	return idx
}

func (f *fixture) tally(t *testing.T) {
	t.Helper()
	_, _, err := f.counter.Tally(t.Context(), []*genome.Chromosome{f.chrom}, tally.Conditions{})
	require.NoError(t, err)
}

func (f *fixture) contents() [][]catalog.Index {
	var out [][]catalog.Index
	for _, g := range f.chrom.Genomes() {
		out = append(out, slices.Collect(g.Mutations()))
	}
	return out
}

// build creates a population with exclusive runs, shared runs, empty slots
// and a null genome.
func (f *fixture) build(t *testing.T) {
	t.Helper()
	a := f.chrom.NewGenome()
	for _, pos := range []int64{3, 100, 130, 500, 600, 1000} {
		f.add(t, a, pos)
	}
	b := f.chrom.NewGenome()
	b.CopyFrom(a)
	f.add(t, b, 700)

	c := f.chrom.NewGenome()
	f.add(t, c, 260)
	f.add(t, c, 255)

	f.chrom.NewGenome()
	f.chrom.NewNullGenome()
}

func (f *fixture) assertLayout(t *testing.T, slots int) {
	t.Helper()
	assert.Equal(t, slots, f.chrom.SlotCount())
	for _, g := range f.chrom.Genomes() {
		if g.IsNull() {
			continue
		}
		assert.Equal(t, slots, g.SlotCount())
		assert.Equal(t, f.chrom.WindowLength(), g.WindowLength())
		for slot, r := range g.Slots() {
			if r == nil {
				continue
			}
			assert.Same(t, f.chrom.Pools().ForSlot(slot), r.Pool(), "slot %d", slot)
			for _, idx := range r.Indices() {
				assert.Equal(t, slot, f.chrom.SlotFor(f.cat.Position(idx)))
			}
		}
	}
}

func TestSplitJoin_RoundTrip(t *testing.T) {
	f := newFixture(t, 4)
	f.build(t)
	before := f.contents()

	f.tally(t)
	st, err := f.reseg.Split(t.Context(), f.chrom)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Genomes)
	assert.Positive(t, st.InPlace)
	assert.Equal(t, int64(128), f.chrom.WindowLength())
	f.assertLayout(t, 8)
	assert.Equal(t, before, f.contents())

	// Tally soundness after the split: eager refs match tallied uses.
	f.tally(t)
	_, err = f.counter.Collect(t.Context(), []*genome.Chromosome{f.chrom}, tally.Conditions{}, 1)
	require.NoError(t, err)

	f.tally(t)
	_, err = f.reseg.Join(t.Context(), f.chrom)
	require.NoError(t, err)
	f.assertLayout(t, 4)
	assert.Equal(t, int64(256), f.chrom.WindowLength())
	assert.Equal(t, before, f.contents())

	f.tally(t)
	_, err = f.counter.Collect(t.Context(), []*genome.Chromosome{f.chrom}, tally.Conditions{}, 2)
	require.NoError(t, err)
}

func TestSplit_SharedRunsStayShared(t *testing.T) {
	f := newFixture(t, 2)
	a := f.chrom.NewGenome()
	f.add(t, a, 10)
	f.add(t, a, 400)
	gs := []*genome.Genome{a}
	for i := 0; i < 4; i++ {
		g := f.chrom.NewGenome()
		g.CopyFrom(a)
		gs = append(gs, g)
	}

	f.tally(t)
	st, err := f.reseg.Split(t.Context(), f.chrom)
	require.NoError(t, err)
	assert.Zero(t, st.InPlace)
	assert.Equal(t, 2, st.Created)

	for _, g := range gs[1:] {
		assert.Same(t, a.Run(0), g.Run(0))
		assert.Same(t, a.Run(1), g.Run(1))
	}
	assert.Equal(t, int32(5), a.Run(0).Refs())
	// The original shared run went back to its pool.
	assert.Equal(t, 1, st.Released)
}

func TestJoin_PairMemoization(t *testing.T) {
	f := newFixture(t, 4)
	a := f.chrom.NewGenome()
	f.add(t, a, 10)
	f.add(t, a, 300)
	b := f.chrom.NewGenome()
	b.CopyFrom(a)

	f.tally(t)
	st, err := f.reseg.Join(t.Context(), f.chrom)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Created)
	assert.Same(t, a.Run(0), b.Run(0))
	assert.Equal(t, []catalog.Index{0, 1}, a.Run(0).Indices())
	assert.Nil(t, a.Run(1))
}

func TestResegment_Preconditions(t *testing.T) {
	t.Run("stale tally", func(t *testing.T) {
		f := newFixture(t, 4)
		f.build(t)
		_, err := f.reseg.Split(t.Context(), f.chrom)
		assert.ErrorIs(t, err, ErrStaleTally)
		_, err = f.reseg.Join(t.Context(), f.chrom)
		assert.ErrorIs(t, err, ErrStaleTally)
	})

	t.Run("odd window", func(t *testing.T) {
		f := newFixture(t, 1)
		f.tally(t)
		for i := 0; i < 10; i++ {
			_, err := f.reseg.Split(t.Context(), f.chrom)
			require.NoError(t, err)
			f.tally(t)
		}
		assert.Equal(t, int64(1), f.chrom.WindowLength())
		_, err := f.reseg.Split(t.Context(), f.chrom)
		assert.ErrorIs(t, err, ErrOddWindow)
	})

	t.Run("odd slot count", func(t *testing.T) {
		f := newFixture(t, 1)
		f.tally(t)
		_, err := f.reseg.Join(t.Context(), f.chrom)
		assert.ErrorIs(t, err, ErrOddSlotCount)
	})
}

func TestJoin_TransfersExclusiveRunAcrossPartitions(t *testing.T) {
	f := newFixture(t, 4)
	g := f.chrom.NewGenome()
	// Old slot 3 lives in another partition than joined slot 1.
	f.add(t, g, 800)
	moved := g.Run(3)
	require.NotSame(t, f.chrom.Pools().At(f.chrom.Pools().PartitionOf(1, 2)), moved.Pool())

	f.tally(t)
	st, err := f.reseg.Join(t.Context(), f.chrom)
	require.NoError(t, err)
	assert.Equal(t, 1, st.InPlace)
	assert.Same(t, moved, g.Run(1))
	assert.Same(t, f.chrom.Pools().ForSlot(1), moved.Pool())
	assert.Nil(t, g.Run(0))
}
