package mutrun

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/mutrun/internal/genome"
	runs "github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/reseg"
)

// TallyResult summarizes a population tally.
type TallyResult struct {
	// Runs is the number of distinct runs referenced by the population.
	Runs int
	// Denominators maps a chromosome id to its number of non-null genomes.
	Denominators map[uint32]int
	// Cached reports that the previous tally was still valid and reused.
	Cached bool
}

// UniqueStats summarizes a uniquing pass.
type UniqueStats struct {
	Runs       int
	Collisions int
	Repointed  int
	Released   int
}

// ResegmentStats summarizes a split or join of one chromosome.
type ResegmentStats struct {
	Chromosome uint32
	SlotCount  int
	Genomes    int
	Created    int
	InPlace    int
	Released   int
}

// AuditReport summarizes a successful audit.
type AuditReport struct {
	Genomes   int
	Runs      int
	Mutations int
}

// GenerationReport summarizes EndGeneration.
type GenerationReport struct {
	Generation    int64
	Tally         TallyResult
	Lost          int
	Fixed         int
	Released      int
	Substitutions []Substitution
	Unique        *UniqueStats
	Splits        []ResegmentStats
	Joins         []ResegmentStats
	Duration      time.Duration
}

// Tally recomputes run use counts and mutation reference counts for the whole
// population. The previous result is reused when nothing changed since.
func (e *Engine) Tally(ctx context.Context) (TallyResult, error) {
	if err := e.alive(); err != nil {
		return TallyResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tally(ctx)
}

func (e *Engine) tally(ctx context.Context) (TallyResult, error) {
	start := time.Now()
	res, cached, err := e.counter.Tally(ctx, e.chroms, e.cond)
	d := time.Since(start)

	var out TallyResult
	if err == nil {
		out = TallyResult{Runs: res.Runs, Denominators: res.Denominators, Cached: cached}
	}
	e.metrics.RecordTally(out.Runs, cached, d, err)
	e.logger.LogTally(ctx, out.Runs, cached, d, err)
	return out, e.check(ctx, "Tally", err)
}

// EndGeneration closes the current generation: it tallies the population,
// collects lost and fixed mutations and unreferenced runs, audits when checks
// are enabled, deduplicates runs on the configured interval and applies the
// resegment policy. The generation counter advances only on success.
func (e *Engine) EndGeneration(ctx context.Context) (GenerationReport, error) {
	if err := e.alive(); err != nil {
		return GenerationReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	log := e.logger.WithGeneration(e.generation)
	rep := GenerationReport{Generation: e.generation}

	t, err := e.tally(ctx)
	if err != nil {
		return rep, err
	}
	rep.Tally = t

	cstart := time.Now()
	cs, err := e.counter.Collect(ctx, e.chroms, e.cond, e.generation)
	d := time.Since(cstart)
	e.metrics.RecordCollect(cs.Lost, cs.Fixed, cs.Released, d, err)
	e.logger.LogCollect(ctx, cs.Lost, cs.Fixed, cs.Released, d, err)
	if err != nil {
		return rep, e.check(ctx, "Collect", err)
	}
	rep.Lost, rep.Fixed, rep.Released = cs.Lost, cs.Fixed, cs.Released
	rep.Substitutions = cs.Substitutions

	if e.opts.checks {
		if _, err := e.audit(ctx); err != nil {
			return rep, err
		}
	}

	if n := e.opts.uniqueInterval; n > 0 && e.generation%int64(n) == 0 {
		us, err := e.unique(ctx)
		if err != nil {
			return rep, err
		}
		rep.Unique = &us
	}

	if n := e.opts.resegment.Interval; n > 0 && e.generation%int64(n) == 0 {
		if err := e.applyPolicy(ctx, &rep); err != nil {
			return rep, err
		}
	}

	e.generation++
	rep.Duration = time.Since(start)
	e.metrics.RecordGeneration(e.stats(), rep.Duration)
	log.InfoContext(ctx, "generation completed",
		"lost", rep.Lost,
		"fixed", rep.Fixed,
		"released", rep.Released,
		"runs", rep.Tally.Runs,
		"duration", rep.Duration,
	)
	return rep, nil
}

// applyPolicy splits chromosomes whose mean run length is above the maximum
// and joins those below the minimum.
func (e *Engine) applyPolicy(ctx context.Context, rep *GenerationReport) error {
	p := e.opts.resegment
	for _, ch := range e.chroms {
		mean := meanRunLength(ch)
		switch {
		case p.MaxMeanRunLength > 0 && mean > p.MaxMeanRunLength && ch.WindowLength()%2 == 0:
			st, err := e.resegment(ctx, "split", ch)
			if err != nil {
				return err
			}
			rep.Splits = append(rep.Splits, st)
		case p.MinMeanRunLength > 0 && mean < p.MinMeanRunLength && ch.SlotCount() > 1 && ch.SlotCount()%2 == 0:
			st, err := e.resegment(ctx, "join", ch)
			if err != nil {
				return err
			}
			rep.Joins = append(rep.Joins, st)
		}
	}
	return nil
}

// meanRunLength returns the mean number of mutations per live run, or zero
// for a chromosome without runs.
func meanRunLength(ch *genome.Chromosome) float64 {
	var live, muts int
	ps := ch.Pools()
	for i := 0; i < ps.Len(); i++ {
		ps.At(i).Each(func(r *runs.Run) {
			live++
			muts += r.Len()
		})
	}
	if live == 0 {
		return 0
	}
	return float64(muts) / float64(live)
}

// Unique deduplicates runs with identical content within each slot.
func (e *Engine) Unique(ctx context.Context) (UniqueStats, error) {
	if err := e.alive(); err != nil {
		return UniqueStats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unique(ctx)
}

func (e *Engine) unique(ctx context.Context) (UniqueStats, error) {
	start := time.Now()
	st, err := e.uniquer.Unique(ctx, e.chroms)
	d := time.Since(start)
	e.metrics.RecordUnique(st.Repointed, st.Released, d, err)
	e.logger.LogUnique(ctx, st.Runs, st.Repointed, st.Released, d, err)
	if err != nil {
		return UniqueStats{}, e.check(ctx, "Unique", err)
	}
	return UniqueStats(st), nil
}

// Split doubles the slot count of chromosome id and halves its window. The
// population is tallied first.
func (e *Engine) Split(ctx context.Context, id uint32) (ResegmentStats, error) {
	return e.resegmentByID(ctx, "split", id)
}

// Join halves the slot count of chromosome id and doubles its window. The
// population is tallied first.
func (e *Engine) Join(ctx context.Context, id uint32) (ResegmentStats, error) {
	return e.resegmentByID(ctx, "join", id)
}

func (e *Engine) resegmentByID(ctx context.Context, op string, id uint32) (ResegmentStats, error) {
	if err := e.alive(); err != nil {
		return ResegmentStats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.chromosome(id)
	if !ok {
		return ResegmentStats{}, &ErrUnknownChromosome{ID: id}
	}
	return e.resegment(ctx, op, ch)
}

// resegment tallies and then splits or joins ch. Callers hold e.mu.
func (e *Engine) resegment(ctx context.Context, op string, ch *genome.Chromosome) (ResegmentStats, error) {
	if _, err := e.tally(ctx); err != nil {
		return ResegmentStats{}, err
	}

	start := time.Now()
	var (
		st  reseg.Stats
		err error
	)
	switch op {
	case "split":
		st, err = e.resegmenter.Split(ctx, ch)
	case "join":
		st, err = e.resegmenter.Join(ctx, ch)
	default:
		return ResegmentStats{}, fmt.Errorf("%w: resegment op %q", ErrInvalidArgument, op)
	}
	e.metrics.RecordResegment(op, st.Created, time.Since(start), err)
	e.logger.LogResegment(ctx, op, ch.ID, ch.SlotCount(), err)
	if err != nil {
		return ResegmentStats{}, e.check(ctx, op, err)
	}
	return ResegmentStats{
		Chromosome: ch.ID,
		SlotCount:  ch.SlotCount(),
		Genomes:    st.Genomes,
		Created:    st.Created,
		InPlace:    st.InPlace,
		Released:   st.Released,
	}, nil
}

// Audit checks the population against the catalog. Any violation fails the
// engine.
func (e *Engine) Audit(ctx context.Context) (AuditReport, error) {
	if err := e.alive(); err != nil {
		return AuditReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audit(ctx)
}

func (e *Engine) audit(ctx context.Context) (AuditReport, error) {
	rep, err := e.auditor.Audit(ctx, e.chroms)
	if err != nil {
		return AuditReport{}, e.check(ctx, "Audit", err)
	}
	return AuditReport(rep), nil
}
