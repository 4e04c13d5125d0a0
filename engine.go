package mutrun

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/mutrun/internal/audit"
	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	runs "github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/reseg"
	"github.com/hupe1980/mutrun/internal/resource"
	"github.com/hupe1980/mutrun/internal/tally"
	"github.com/hupe1980/mutrun/internal/unique"
)

type (
	// Index addresses a mutation in the catalog.
	Index = catalog.Index
	// Mutation is a catalog record.
	Mutation = catalog.Mutation
	// MutationType holds the per-type attributes the engine consults.
	MutationType = catalog.MutationType
	// Substitution records a fixed mutation.
	Substitution = catalog.Substitution
	// State is the lifecycle state of a mutation.
	State = catalog.State
	// StackPolicy decides how mutations at one position of one stack group coexist.
	StackPolicy = catalog.StackPolicy
	// Chromosome owns the layout, run pools and genome registry of one chromosome.
	Chromosome = genome.Chromosome
	// Genome is one chromosome copy: an array of runs, one per slot.
	Genome = genome.Genome
	// Run is a pooled, reference-counted, position-sorted mutation list.
	Run = runs.Run
)

const (
	StateSegregating = catalog.StateSegregating
	StateLost        = catalog.StateLost
	StateFixed       = catalog.StateFixed
)

const (
	StackAll       = catalog.StackAll
	StackKeepFirst = catalog.StackKeepFirst
	StackKeepLast  = catalog.StackKeepLast
)

// ChromosomeConfig describes a chromosome added to the engine.
type ChromosomeConfig struct {
	ID     uint32
	Length int64
	// SlotCount is the initial number of windows.
	SlotCount int
}

// Stats summarizes the engine state.
type Stats struct {
	Generation    int64
	Chromosomes   int
	Genomes       int
	NullGenomes   int
	Mutations     int
	Substitutions int
	LiveRuns      int
	IdleRuns      int
	MemoryBytes   int64
	Failed        bool
}

// Engine owns a mutation catalog and a set of chromosomes and runs the
// per-generation tally, collection, uniquing and re-segmentation passes.
//
// Reproduction (creating genomes, adding mutations, bulk edits) may run
// concurrently; passes and snapshots are exclusive.
type Engine struct {
	opts    options
	rc      *resource.Controller
	logger  *Logger
	metrics MetricsCollector

	mu          sync.RWMutex
	cat         *catalog.Catalog
	chroms      []*genome.Chromosome
	counter     *tally.Counter
	uniquer     *unique.Uniquer
	resegmenter *reseg.Resegmenter
	auditor     *audit.Auditor
	cond        tally.Conditions
	generation  int64

	// current publishes cat to lock-free readers running inside Reproduce.
	current atomic.Pointer[catalog.Catalog]

	failMu  sync.Mutex
	failure error
}

// New creates an empty engine at generation 1.
func New(optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	if o.maxMutations < 0 || o.memoryLimit < 0 || o.ioLimit < 0 || o.uniqueInterval < 0 || o.resegment.Interval < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	}
	p := o.resegment
	if p.MinMeanRunLength > 0 && p.MaxMeanRunLength > 0 && p.MinMeanRunLength*2 >= p.MaxMeanRunLength {
		return nil, fmt.Errorf("%w: resegment bounds %.1f..%.1f would oscillate", ErrInvalidArgument, p.MinMeanRunLength, p.MaxMeanRunLength)
	}

	e := &Engine{
		opts: o,
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes:   o.memoryLimit,
			MaxWorkers:         int64(o.workers),
			IOLimitBytesPerSec: o.ioLimit,
		}),
		logger:     o.logger,
		metrics:    o.metricsCollector,
		generation: 1,
	}
	e.install(catalog.New(catalog.Config{MaxMutations: o.maxMutations}), nil)
	return e, nil
}

// install replaces the population. Callers hold e.mu or own e exclusively.
func (e *Engine) install(cat *catalog.Catalog, chroms []*genome.Chromosome) {
	slices.SortFunc(chroms, func(a, b *genome.Chromosome) int { return cmp.Compare(a.ID, b.ID) })
	e.cat = cat
	e.current.Store(cat)
	e.chroms = chroms
	e.counter = tally.New(cat, tally.Config{Checks: e.opts.checks, Resource: e.rc})
	e.uniquer = unique.New(e.rc)
	e.resegmenter = reseg.New(cat, func() bool { return e.counter.Fresh(e.chroms, e.cond) }, e.rc)
	e.auditor = audit.New(cat, e.rc)
}

// alive returns ErrFailed once a fatal error occurred.
func (e *Engine) alive() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failure != nil {
		return fmt.Errorf("%w: %w", ErrFailed, e.failure)
	}
	return nil
}

// check records fatal errors and normalizes the rest.
func (e *Engine) check(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if fault.IsFatal(err) {
		e.failMu.Lock()
		first := e.failure == nil
		if first {
			e.failure = err
		}
		e.failMu.Unlock()
		if first {
			e.logger.LogFault(ctx, op, err)
		}
		return err
	}
	return translateError(err)
}

// Err returns the fault that failed the engine, or nil.
func (e *Engine) Err() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failure
}

// Generation returns the current generation.
func (e *Engine) Generation() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// AddMutationType registers a mutation type.
func (e *Engine) AddMutationType(mt MutationType) error {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return translateError(e.cat.AddType(mt))
}

// SetConvertToSubstitution toggles fixation handling for a mutation type.
// The change invalidates the cached tally.
func (e *Engine) SetConvertToSubstitution(typeID int32, convert bool) error {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return translateError(e.cat.SetConvertToSubstitution(typeID, convert))
}

// MutationTypes returns the registered mutation types ordered by id.
func (e *Engine) MutationTypes() []MutationType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := e.cat.Types()
	slices.SortFunc(types, func(a, b MutationType) int { return cmp.Compare(a.ID, b.ID) })
	return types
}

// AddChromosome creates an empty chromosome.
func (e *Engine) AddChromosome(cfg ChromosomeConfig) (*Chromosome, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.chromosome(cfg.ID); ok {
		return nil, &ErrChromosomeExists{ID: cfg.ID}
	}
	ch, err := e.newChromosome(cfg.ID, cfg.Length, cfg.SlotCount, 0)
	if err != nil {
		return nil, translateError(err)
	}
	e.install(e.cat, append(e.chroms, ch))
	return ch, nil
}

func (e *Engine) newChromosome(id uint32, length int64, slotCount int, window int64) (*genome.Chromosome, error) {
	return genome.NewChromosome(genome.Config{
		ID:           id,
		Length:       length,
		SlotCount:    slotCount,
		WindowLength: window,
		Partitions:   e.opts.partitions,
		Checks:       e.opts.checks,
		Resource:     e.rc,
	})
}

// Chromosome returns the chromosome with the given id.
func (e *Engine) Chromosome(id uint32) (*Chromosome, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chromosome(id)
}

func (e *Engine) chromosome(id uint32) (*genome.Chromosome, bool) {
	i, ok := slices.BinarySearchFunc(e.chroms, id, func(c *genome.Chromosome, id uint32) int { return cmp.Compare(c.ID, id) })
	if !ok {
		return nil, false
	}
	return e.chroms[i], true
}

// Chromosomes returns all chromosomes ordered by id.
func (e *Engine) Chromosomes() []*Chromosome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.chroms)
}

// NewMutation allocates a catalog index for m. ID and State are assigned by
// the catalog; a zero OriginGeneration is stamped with the current generation.
func (e *Engine) NewMutation(m Mutation) (Index, error) {
	if err := e.alive(); err != nil {
		return catalog.NoIndex, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.newMutation(m)
}

func (e *Engine) newMutation(m Mutation) (Index, error) {
	ch, ok := e.chromosome(m.Chromosome)
	if !ok {
		return catalog.NoIndex, &ErrUnknownChromosome{ID: m.Chromosome}
	}
	if m.Position < 0 || m.Position >= ch.Length {
		return catalog.NoIndex, fmt.Errorf("%w: position %d outside chromosome %d of length %d",
			ErrInvalidArgument, m.Position, ch.ID, ch.Length)
	}
	if m.OriginGeneration == 0 {
		m.OriginGeneration = e.generation
	}
	idx, err := e.cat.Add(m)
	return idx, e.check(context.Background(), "NewMutation", err)
}

// Mutation returns the catalog record at idx.
func (e *Engine) Mutation(idx Index) Mutation {
	return e.catalog().Get(idx)
}

// Position returns the position of idx. Together with StackInfo it lets a
// Run insert mutations in order. Position, StackInfo, IsNeutral and Regime
// may be called inside Reproduce.
func (e *Engine) Position(idx Index) int64 {
	return e.catalog().Position(idx)
}

// StackInfo returns the stack group and policy of idx's type.
func (e *Engine) StackInfo(idx Index) (int32, StackPolicy) {
	return e.catalog().StackInfo(idx)
}

// IsNeutral reports whether idx has no fitness effect.
func (e *Engine) IsNeutral(idx Index) bool {
	return e.catalog().Get(idx).Neutral()
}

// Regime identifies the current set of mutation-type settings. Runs cache
// their non-neutral subsets per regime.
func (e *Engine) Regime() uint64 {
	return e.catalog().Version()
}

// catalog returns the current catalog without taking e.mu, so the accessors
// built on it are safe inside Reproduce.
func (e *Engine) catalog() *catalog.Catalog {
	return e.current.Load()
}

// Substitutions returns every fixed mutation in fixation order.
func (e *Engine) Substitutions() []Substitution {
	return e.catalog().Substitutions()
}

// SetExempt replaces the set of mutations excluded from conversion into
// substitutions. The change invalidates the cached tally.
func (e *Engine) SetExempt(idxs []Index) {
	bm := roaring.New()
	for _, idx := range idxs {
		bm.Add(uint32(idx))
	}
	e.mu.Lock()
	e.cond = tally.Conditions{Exempt: bm}
	e.mu.Unlock()
}

// Stats reports the engine state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats()
}

func (e *Engine) stats() Stats {
	st := Stats{
		Generation:    e.generation,
		Chromosomes:   len(e.chroms),
		Mutations:     e.cat.ActiveCount(),
		Substitutions: len(e.cat.Substitutions()),
		MemoryBytes:   e.rc.MemoryUsage(),
		Failed:        e.Err() != nil,
	}
	for _, ch := range e.chroms {
		for _, g := range ch.Genomes() {
			st.Genomes++
			if g.IsNull() {
				st.NullGenomes++
			}
		}
		st.LiveRuns += ch.Pools().Live()
		st.IdleRuns += ch.Pools().Idle()
	}
	return st
}
