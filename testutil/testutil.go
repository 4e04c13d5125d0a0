package testutil

import (
	"math"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Positions returns n distinct positions in [0, length), sorted ascending.
// n is capped at length.
func (r *RNG) Positions(n int, length int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = int(min(int64(n), length))
	seen := make(map[int64]struct{}, n)
	out := make([]int64, 0, n)
	for len(out) < n {
		p := r.rand.Int63n(length)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Effects returns n selection coefficients. A fraction neutral of them is
// zero; the rest are normal with standard deviation scale.
func (r *RNG) Effects(n int, neutral, scale float64) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]float64, n)
	for i := range out {
		if r.rand.Float64() < neutral {
			continue
		}
		out[i] = r.rand.NormFloat64() * scale
	}
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n).
// P(k) ∝ 1/k^s; s=1.0 gives standard Zipf, s=1.5 a heavy tail.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// PopulationConfig describes a population built by NewPopulation.
type PopulationConfig struct {
	Chromosome uint32
	// Type is the mutation type of the founder mutations.
	Type int32
	// Genomes is the number of genomes sharing founder content.
	Genomes int
	// Founders is the number of distinct founder genomes. Defaults to 1.
	Founders            int
	MutationsPerFounder int
	// Skew draws founders Zipf-distributed when positive, uniformly otherwise.
	Skew float64
}

// NewPopulation registers cfg.Founders founder genomes with random mutations
// and cfg.Genomes genomes that each share every run of one founder. The
// founders are returned after the sharing genomes.
func NewPopulation(t testing.TB, eng *mutrun.Engine, rng *RNG, cfg PopulationConfig) []*mutrun.Genome {
	t.Helper()

	founders := max(cfg.Founders, 1)
	ch, ok := eng.Chromosome(cfg.Chromosome)
	require.True(t, ok, "chromosome %d", cfg.Chromosome)

	fs := make([]*mutrun.Genome, founders)
	for i := range fs {
		g, err := eng.NewGenome(cfg.Chromosome)
		require.NoError(t, err)

		positions := rng.Positions(cfg.MutationsPerFounder, ch.Length)
		effects := rng.Effects(len(positions), 0.5, 0.01)
		muts := make([]mutrun.Index, len(positions))
		for j, pos := range positions {
			muts[j], err = eng.NewMutation(mutrun.Mutation{
				Type:       cfg.Type,
				Chromosome: cfg.Chromosome,
				Position:   pos,
				Effect:     effects[j],
			})
			require.NoError(t, err)
		}
		require.NoError(t, eng.BulkAddMutations(t.Context(), []*mutrun.Genome{g}, muts))
		fs[i] = g
	}

	out := make([]*mutrun.Genome, 0, cfg.Genomes+founders)
	for range cfg.Genomes {
		src := fs[rng.Intn(founders)]
		if cfg.Skew > 0 {
			src = fs[rng.Zipf(founders, cfg.Skew)]
		}
		g, err := eng.NewGenome(cfg.Chromosome)
		require.NoError(t, err)
		g.CopyFrom(src)
		out = append(out, g)
	}
	return append(out, fs...)
}

// BruteForceCounts counts, per mutation, the genomes carrying it.
func BruteForceCounts(genomes []*mutrun.Genome) map[mutrun.Index]int {
	counts := make(map[mutrun.Index]int)
	for _, g := range genomes {
		for idx := range g.Mutations() {
			counts[idx]++
		}
	}
	return counts
}

// Contents returns the mutations of g in position order.
func Contents(g *mutrun.Genome) []mutrun.Index {
	return slices.Collect(g.Mutations())
}
