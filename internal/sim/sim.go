// Package sim drives toy Wright-Fisher generations over one chromosome of an
// engine. It stands in for real reproduction logic: parents are drawn by
// fitness, children inherit windows from two parents across random
// crossovers and receive new mutations. Windows without a crossover or a new
// mutation share the parent's run.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun"
	"github.com/hupe1980/mutrun/internal/fault"
)

// ErrInvalidConfig is returned for an unusable simulation configuration.
var ErrInvalidConfig = errors.New("sim: invalid configuration")

// Config describes the simulated population.
type Config struct {
	Chromosome uint32
	// Type is the mutation type of new mutations.
	Type       int32
	Population int
	// MutationRate is the expected number of new mutations per child.
	MutationRate float64
	// RecombinationRate is the expected number of crossovers per child.
	RecombinationRate float64
	// SelectedFraction of new mutations carry a non-zero effect.
	SelectedFraction float64
	// EffectScale is the standard deviation of non-zero effects.
	EffectScale float64
	// Workers bounds the reproduction workers. If <= 0, 1 is used.
	Workers int
	Seed    uint64
}

// Simulator owns the current generation of one chromosome.
type Simulator struct {
	eng     *mutrun.Engine
	cfg     Config
	genomes []*mutrun.Genome
	rng     *rand.Rand
}

// New creates a simulator. Genomes already registered on the chromosome, for
// example after Engine.Load, form the first parent generation; otherwise
// cfg.Population empty genomes are created.
func New(eng *mutrun.Engine, cfg Config) (*Simulator, error) {
	if cfg.Population < 1 || cfg.MutationRate < 0 || cfg.RecombinationRate < 0 ||
		cfg.SelectedFraction < 0 || cfg.SelectedFraction > 1 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidConfig, cfg)
	}
	cfg.Workers = max(cfg.Workers, 1)

	ch, ok := eng.Chromosome(cfg.Chromosome)
	if !ok {
		return nil, &mutrun.ErrUnknownChromosome{ID: cfg.Chromosome}
	}
	s := &Simulator{
		eng:     eng,
		cfg:     cfg,
		genomes: ch.Genomes(),
		rng:     rand.New(rand.NewPCG(cfg.Seed, 0)),
	}
	for len(s.genomes) < cfg.Population {
		g, err := eng.NewGenome(cfg.Chromosome)
		if err != nil {
			return nil, err
		}
		s.genomes = append(s.genomes, g)
	}
	return s, nil
}

// Genomes returns the current generation.
func (s *Simulator) Genomes() []*mutrun.Genome {
	return s.genomes
}

// Step produces the next generation, retires the parents and ends the
// generation on the engine.
func (s *Simulator) Step(ctx context.Context) (mutrun.GenerationReport, error) {
	ch, ok := s.eng.Chromosome(s.cfg.Chromosome)
	if !ok {
		return mutrun.GenerationReport{}, &mutrun.ErrUnknownChromosome{ID: s.cfg.Chromosome}
	}
	parents := s.genomes
	cum := s.cumulativeFitness(parents)
	gen := s.eng.Generation()
	children := make([]*mutrun.Genome, s.cfg.Population)

	err := s.eng.Reproduce(ctx, func(rp *mutrun.Reproduction) error {
		g, gctx := errgroup.WithContext(ctx)
		chunk := (len(children) + s.cfg.Workers - 1) / s.cfg.Workers
		for w := range s.cfg.Workers {
			lo, hi := w*chunk, min((w+1)*chunk, len(children))
			if lo >= hi {
				break
			}
			// per-worker stream, reproducible for a fixed worker count
			rng := rand.New(rand.NewPCG(s.cfg.Seed^uint64(gen), uint64(w)))
			g.Go(func() (err error) {
				if err := rp.AcquireWorker(gctx); err != nil {
					return err
				}
				defer rp.ReleaseWorker()
				defer fault.Recover(&err)
				b := &builder{eng: s.eng, rp: rp, ch: ch, cfg: s.cfg, rng: rng}
				for i := lo; i < hi; i++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					p1, p2 := parents[pick(cum, rng)], parents[pick(cum, rng)]
					child, err := b.child(p1, p2)
					if err != nil {
						return err
					}
					children[i] = child
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		for _, c := range children {
			if c != nil {
				err = errors.Join(err, s.eng.Retire(c))
			}
		}
		return mutrun.GenerationReport{}, err
	}

	for _, p := range parents {
		if err := s.eng.Retire(p); err != nil {
			return mutrun.GenerationReport{}, err
		}
	}
	s.genomes = children
	return s.eng.EndGeneration(ctx)
}

// Run executes n generations and passes each report to after, if non-nil.
func (s *Simulator) Run(ctx context.Context, n int, after func(mutrun.GenerationReport) error) error {
	for range n {
		rep, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(rep); err != nil {
				return err
			}
		}
	}
	return nil
}

// cumulativeFitness returns running sums of multiplicative fitness.
func (s *Simulator) cumulativeFitness(genomes []*mutrun.Genome) []float64 {
	regime := s.eng.Regime()
	cum := make([]float64, len(genomes))
	total := 0.0
	for i, g := range genomes {
		logw := 0.0
		for _, r := range g.Slots() {
			if r == nil {
				continue
			}
			for _, idx := range r.NonNeutral(regime, s.eng.IsNeutral) {
				logw += math.Log1p(max(s.eng.Mutation(idx).Effect, -0.99))
			}
		}
		total += math.Exp(logw)
		cum[i] = total
	}
	return cum
}

func pick(cum []float64, rng *rand.Rand) int {
	u := rng.Float64() * cum[len(cum)-1]
	return min(sort.SearchFloat64s(cum, u), len(cum)-1)
}

// poisson samples a Poisson variate with Knuth's method; lambda is small.
func poisson(lambda float64, rng *rand.Rand) int {
	if lambda <= 0 {
		return 0
	}
	l, k, p := math.Exp(-lambda), 0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

type builder struct {
	eng *mutrun.Engine
	rp  *mutrun.Reproduction
	ch  *mutrun.Chromosome
	cfg Config
	rng *rand.Rand
}

func (b *builder) positions(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = b.rng.Int64N(b.ch.Length)
	}
	slices.Sort(out)
	return out
}

func (b *builder) newMutations() ([]mutrun.Index, error) {
	pos := b.positions(poisson(b.cfg.MutationRate, b.rng))
	out := make([]mutrun.Index, 0, len(pos))
	for _, p := range pos {
		effect := 0.0
		if b.rng.Float64() < b.cfg.SelectedFraction {
			effect = b.rng.NormFloat64() * b.cfg.EffectScale
		}
		idx, err := b.rp.NewMutation(mutrun.Mutation{
			Type:       b.cfg.Type,
			Chromosome: b.ch.ID,
			Position:   p,
			Effect:     effect,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// child builds one child of p1 and p2. Inheritance starts at p1 and switches
// parent at every crossover.
func (b *builder) child(p1, p2 *mutrun.Genome) (*mutrun.Genome, error) {
	cross := slices.Compact(b.positions(poisson(b.cfg.RecombinationRate, b.rng)))
	muts, err := b.newMutations()
	if err != nil {
		return nil, err
	}

	child := b.ch.NewGenome()
	window := b.ch.WindowLength()
	parents := [2]*mutrun.Genome{p1, p2}
	ci, mi := 0, 0
	for slot := range b.ch.SlotCount() {
		lo, hi := int64(slot)*window, min(int64(slot+1)*window, b.ch.Length)
		// parent active at lo
		for ci < len(cross) && cross[ci] <= lo {
			ci++
		}
		active := ci % 2
		cj := ci
		for cj < len(cross) && cross[cj] < hi {
			cj++
		}
		mj := mi
		for mj < len(muts) && b.eng.Position(muts[mj]) < hi {
			mj++
		}

		if cj == ci && mj == mi {
			child.SetRun(slot, parents[active].Run(slot))
			continue
		}

		r := child.WillCreate(slot)
		start := lo
		for k := ci; k <= cj; k++ {
			end := hi
			if k < cj {
				end = cross[k]
			}
			if src := parents[(active+k-ci)%2].Run(slot); src != nil {
				for _, idx := range src.Indices() {
					if p := b.eng.Position(idx); p >= start && p < end {
						r.Append(idx)
					}
				}
			}
			start = end
		}
		for _, idx := range muts[mi:mj] {
			if r.EnforceStackPolicy(idx, b.eng) {
				r.InsertSortedIfUnique(idx, b.eng)
			}
		}
		if r.Len() == 0 {
			child.SetRun(slot, nil)
		}
		ci, mi = cj, mj
	}
	return child, nil
}
