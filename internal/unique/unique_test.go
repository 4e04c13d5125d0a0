package unique

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
)

func newChromosome(t *testing.T) *genome.Chromosome {
	t.Helper()
	c, err := genome.NewChromosome(genome.Config{ID: 1, Length: 400, SlotCount: 4, Partitions: 2, Checks: true})
	require.NoError(t, err)
	return c
}

func snapshot(c *genome.Chromosome) [][]catalog.Index {
	var out [][]catalog.Index
	for _, g := range c.Genomes() {
		out = append(out, slices.Collect(g.Mutations()))
	}
	return out
}

func distinct(c *genome.Chromosome, slot int) int {
	seen := map[*mutrun.Run]bool{}
	for _, g := range c.Genomes() {
		if g.IsNull() {
			continue
		}
		if r := g.Run(slot); r != nil {
			seen[r] = true
		}
	}
	return len(seen)
}

func TestUnique_MergesIdenticalRuns(t *testing.T) {
	c := newChromosome(t)
	for i := 0; i < 6; i++ {
		g := c.NewGenome()
		// Slot 0: two distinct contents, three copies each.
		g.WillModify(0).AppendSlice([]catalog.Index{1, catalog.Index(2 + i%2)})
		// Slot 3: identical everywhere.
		g.WillModify(3).Append(9)
	}
	c.NewNullGenome()
	before := snapshot(c)
	require.Equal(t, 6, distinct(c, 0))

	u := New(nil)
	st, err := u.Unique(t.Context(), []*genome.Chromosome{c})
	require.NoError(t, err)

	assert.Equal(t, 2, distinct(c, 0))
	assert.Equal(t, 1, distinct(c, 3))
	assert.Equal(t, 12, st.Runs)
	assert.Equal(t, 9, st.Released)
	assert.Equal(t, 9, st.Repointed)
	assert.Equal(t, before, snapshot(c), "content preserved")

	for _, g := range c.Genomes() {
		if !g.IsNull() {
			assert.Equal(t, int32(6), g.Run(3).Refs())
			assert.Equal(t, int32(3), g.Run(0).Refs())
		}
	}
	assert.Equal(t, 3, c.Pools().Live())
}

func TestUnique_Idempotent(t *testing.T) {
	c := newChromosome(t)
	for i := 0; i < 4; i++ {
		c.NewGenome().WillModify(1).AppendSlice([]catalog.Index{5, 6})
	}

	u := New(nil)
	_, err := u.Unique(t.Context(), []*genome.Chromosome{c})
	require.NoError(t, err)

	version := c.Version()
	before := snapshot(c)
	st, err := u.Unique(t.Context(), []*genome.Chromosome{c})
	require.NoError(t, err)
	assert.Zero(t, st.Released)
	assert.Zero(t, st.Repointed)
	assert.Equal(t, version, c.Version())
	assert.Equal(t, before, snapshot(c))
}

func TestUnique_ForeignPoolIsInconsistent(t *testing.T) {
	c := newChromosome(t)
	g := c.NewGenome()
	foreign := c.Pools().ForSlot(3).Checkout()
	g.SetRun(0, foreign)

	_, err := New(nil).Unique(t.Context(), []*genome.Chromosome{c})
	require.ErrorIs(t, err, fault.ErrConsistency)
}
