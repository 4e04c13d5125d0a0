package genome

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
)

func newChromosome(t *testing.T) *Chromosome {
	t.Helper()
	c, err := NewChromosome(Config{ID: 1, Length: 1000, SlotCount: 4, Partitions: 2, Checks: true})
	require.NoError(t, err)
	return c
}

func TestNewChromosome_Validation(t *testing.T) {
	_, err := NewChromosome(Config{Length: 0, SlotCount: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromosome(Config{Length: 10, SlotCount: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromosome(Config{Length: 10, SlotCount: 11})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewChromosome(Config{Length: 10, SlotCount: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.WindowLength())
	assert.Equal(t, 2, c.SlotFor(9))
}

func TestGenome_WillModifyClonesSharedRun(t *testing.T) {
	c := newChromosome(t)
	a := c.NewGenome()
	b := c.NewGenome()

	r := a.WillModify(0)
	r.Append(1)
	b.CopyFrom(a)
	require.Same(t, a.Run(0), b.Run(0))
	assert.Equal(t, int32(2), r.Refs())

	edited := b.WillModify(0)
	assert.NotSame(t, r, edited)
	edited.Append(2)

	assert.Equal(t, []catalog.Index{1}, a.Run(0).Indices())
	assert.Equal(t, []catalog.Index{1, 2}, b.Run(0).Indices())
	assert.Equal(t, int32(1), r.Refs())
	assert.Equal(t, int32(1), edited.Refs())

	// An exclusive run is edited in place.
	assert.Same(t, edited, b.WillModify(0))
}

func TestGenome_ConcurrentCopyOnWrite(t *testing.T) {
	c := newChromosome(t)
	src := c.NewGenome()
	src.WillModify(1).Append(42)

	const n = 16
	gs := make([]*Genome, n)
	for i := range gs {
		gs[i] = c.NewGenome()
		gs[i].CopyFrom(src)
	}
	shared := src.Run(1)
	require.Equal(t, int32(n+1), shared.Refs())

	var wg sync.WaitGroup
	for i, g := range gs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.WillModify(1).Append(catalog.Index(100 + i))
		}()
	}
	wg.Wait()

	assert.Equal(t, []catalog.Index{42}, src.Run(1).Indices())
	assert.Equal(t, int32(1), shared.Refs())
	for i, g := range gs {
		assert.Equal(t, []catalog.Index{42, catalog.Index(100 + i)}, g.Run(1).Indices())
	}
}

func TestGenome_WillCreate(t *testing.T) {
	c := newChromosome(t)
	a := c.NewGenome()
	owned := a.WillModify(2)
	owned.Append(5)

	// Exclusive: cleared in place.
	assert.Same(t, owned, a.WillCreate(2))
	assert.Zero(t, owned.Len())

	owned.Append(6)
	b := c.NewGenome()
	b.CopyFrom(a)
	fresh := b.WillCreate(2)
	assert.NotSame(t, owned, fresh)
	assert.Zero(t, fresh.Len())
	assert.Equal(t, []catalog.Index{6}, a.Run(2).Indices())
}

func TestGenome_NullAccessIsProtocolViolation(t *testing.T) {
	c := newChromosome(t)
	g := c.NewNullGenome()
	assert.True(t, g.IsNull())
	assert.Zero(t, g.SlotCount())

	var err error
	func() {
		defer fault.Recover(&err)
		g.WillModify(0)
	}()
	require.ErrorIs(t, err, fault.ErrProtocol)
	assert.Contains(t, err.Error(), "null genome")

	assert.False(t, g.Contains(0, 10, nil))
	assert.Zero(t, g.MutationCount())
}

func TestGenome_Reinitialize(t *testing.T) {
	c := newChromosome(t)
	a := c.NewGenome()
	r := a.WillModify(0)
	r.Append(1)

	b := c.NewGenome()
	b.Reinitialize(4, c.WindowLength(), r)
	assert.Equal(t, int32(5), r.Refs())

	b.MakeNull()
	assert.True(t, b.IsNull())
	assert.Equal(t, int32(1), r.Refs())

	b.Reset()
	assert.Equal(t, 4, b.SlotCount())
	assert.Nil(t, b.Run(3))

	a.MakeNull()
	assert.Equal(t, int32(0), r.Refs())

	// Null source makes the destination null.
	b.CopyFrom(a)
	assert.True(t, b.IsNull())
}

func TestGenome_ContainsAndMutations(t *testing.T) {
	cat := catalog.New(catalog.Config{})
	require.NoError(t, cat.AddType(catalog.MutationType{ID: 1}))

	c := newChromosome(t)
	g := c.NewGenome()

	var want []catalog.Index
	for _, pos := range []int64{10, 260, 270, 999} {
		idx, err := cat.Add(catalog.Mutation{Type: 1, Position: pos})
		require.NoError(t, err)
		g.WillModify(c.SlotFor(pos)).InsertSorted(idx, cat)
		want = append(want, idx)
	}

	assert.Equal(t, 4, g.MutationCount())
	assert.Equal(t, want, slices.Collect(g.Mutations()))
	assert.True(t, g.Contains(want[1], 260, cat))
	assert.False(t, g.Contains(want[1], 10, cat))
	assert.NotNil(t, g.Run(0).Pool())
}

func TestChromosome_RegistryAndVersion(t *testing.T) {
	c := newChromosome(t)
	v0 := c.Version()

	a := c.NewGenome()
	b := c.NewGenome()
	d := c.NewNullGenome()
	assert.Equal(t, 3, c.GenomeCount())
	assert.Greater(t, c.Version(), v0)

	r := a.WillModify(0)
	b.CopyFrom(a)
	require.Equal(t, int32(2), r.Refs())

	c.Retire(a)
	assert.Equal(t, int32(1), r.Refs())
	assert.ElementsMatch(t, []*Genome{b, d}, c.Genomes())

	c.Retire(d)
	c.Retire(b)
	assert.Zero(t, c.GenomeCount())
	assert.Equal(t, int32(0), r.Refs())

	assert.Panics(t, func() { c.Retire(b) })
}
