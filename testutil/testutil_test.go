package testutil

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun"
)

func TestPositions(t *testing.T) {
	rng := NewRNG(4711)

	p := rng.Positions(50, 100)
	assert.Len(t, p, 50)
	assert.True(t, slices.IsSorted(p))
	assert.Len(t, slices.Compact(slices.Clone(p)), 50)
	for _, v := range p {
		assert.GreaterOrEqual(t, v, int64(0))
		assert.Less(t, v, int64(100))
	}

	assert.Len(t, rng.Positions(20, 10), 10)
}

func TestEffects(t *testing.T) {
	rng := NewRNG(4711)

	assert.Equal(t, make([]float64, 10), rng.Effects(10, 1, 0.1))
	for _, e := range rng.Effects(10, 0, 0.1) {
		assert.NotZero(t, e)
	}
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.Positions(10, 1000)

	rng.Reset()
	v2 := rng.Positions(10, 1000)

	assert.Equal(t, v1, v2)
}

func TestZipf(t *testing.T) {
	rng := NewRNG(42)
	counts := make([]int, 5)
	for range 1000 {
		counts[rng.Zipf(5, 1.5)]++
	}
	assert.Greater(t, counts[0], counts[4])
}

func TestNewPopulation(t *testing.T) {
	eng, err := mutrun.New()
	require.NoError(t, err)
	require.NoError(t, eng.AddMutationType(mutrun.MutationType{ID: 1}))
	_, err = eng.AddChromosome(mutrun.ChromosomeConfig{ID: 1, Length: 10_000, SlotCount: 16})
	require.NoError(t, err)

	genomes := NewPopulation(t, eng, NewRNG(1), PopulationConfig{
		Chromosome:          1,
		Type:                1,
		Genomes:             20,
		Founders:            3,
		MutationsPerFounder: 12,
	})
	require.Len(t, genomes, 23)

	counts := BruteForceCounts(genomes)
	assert.Len(t, counts, 36)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 23*12, total)

	// sharing genomes point at founder runs
	founders := genomes[20:]
	shared := false
	for _, f := range founders {
		for s := range f.SlotCount() {
			if r := f.Run(s); r != nil && r.Refs() > 1 {
				shared = true
			}
		}
	}
	assert.True(t, shared)
}
