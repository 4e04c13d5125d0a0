package mutrun

import (
	"context"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun/internal/bulk"
	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
)

// Reproduction is the handle passed to a Reproduce callback. Its methods
// rely on the read lock Reproduce holds.
type Reproduction struct {
	e *Engine
}

// Generation returns the generation being produced.
func (r *Reproduction) Generation() int64 { return r.e.generation }

// Chromosome returns the chromosome with the given id.
func (r *Reproduction) Chromosome(id uint32) (*Chromosome, bool) {
	return r.e.chromosome(id)
}

// NewMutation allocates a catalog index for m, as Engine.NewMutation does.
func (r *Reproduction) NewMutation(m Mutation) (Index, error) {
	return r.e.newMutation(m)
}

// AcquireWorker reserves one of the engine's worker slots, blocking until a
// slot is free or ctx is done. Concurrent Reproduce calls share the budget
// set by WithWorkers. Each successful call must be paired with
// ReleaseWorker.
func (r *Reproduction) AcquireWorker(ctx context.Context) error {
	return r.e.rc.AcquireWorker(ctx)
}

// ReleaseWorker returns a slot taken by AcquireWorker.
func (r *Reproduction) ReleaseWorker() {
	r.e.rc.ReleaseWorker()
}

// Reproduce runs fn while no pass can start. Many Reproduce calls may run
// concurrently, each building the genomes it owns with Genome.WillModify,
// Genome.WillCreate and Genome.SetRun and registering new ones with
// Chromosome.NewGenome. Inside fn use the Reproduction handle and the catalog
// accessors instead of other Engine methods. Protocol faults raised by fn
// fail the engine.
func (e *Engine) Reproduce(ctx context.Context, fn func(*Reproduction) error) (err error) {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	defer func() { err = e.check(ctx, "Reproduce", err) }()
	defer fault.Recover(&err)
	return fn(&Reproduction{e: e})
}

// NewGenome registers an empty genome on chromosome id.
func (e *Engine) NewGenome(id uint32) (*Genome, error) {
	return e.register(id, (*genome.Chromosome).NewGenome)
}

// NewNullGenome registers a genome without slots on chromosome id.
func (e *Engine) NewNullGenome(id uint32) (*Genome, error) {
	return e.register(id, (*genome.Chromosome).NewNullGenome)
}

func (e *Engine) register(id uint32, fn func(*genome.Chromosome) *genome.Genome) (*Genome, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.chromosome(id)
	if !ok {
		return nil, &ErrUnknownChromosome{ID: id}
	}
	return fn(ch), nil
}

// Retire drops every reference held by g and removes it from its chromosome.
func (e *Engine) Retire(g *Genome) (err error) {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	defer func() { err = e.check(context.Background(), "Retire", err) }()
	defer fault.Recover(&err)
	g.Chromosome().Retire(g)
	return nil
}

// BulkAddMutations adds every mutation in muts to every genome in genomes.
// All genomes and mutations must belong to one chromosome. Each distinct run
// is copied and edited once; genomes sharing it receive the shared result.
// Stacking policies of the mutation types are honored.
func (e *Engine) BulkAddMutations(ctx context.Context, genomes []*Genome, muts []Index) error {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySlot, ch, err := e.prepareBulk(genomes, muts)
	if err != nil || ch == nil {
		return err
	}

	err = e.bulkEach(ctx, ch, bySlot, func(slot int, idxs []Index) bulkVisit {
		return bulkVisit{
			edit: func(r *Run) {
				for _, idx := range idxs {
					if r.EnforceStackPolicy(idx, e.cat) {
						r.InsertSortedIfUnique(idx, e.cat)
					}
				}
			},
		}
	}, genomes)
	return e.check(ctx, "BulkAddMutations", err)
}

// BulkRemoveMutations removes every mutation in muts from every genome in
// genomes. Runs not carrying any of them are left untouched.
func (e *Engine) BulkRemoveMutations(ctx context.Context, genomes []*Genome, muts []Index) error {
	if err := e.alive(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySlot, ch, err := e.prepareBulk(genomes, muts)
	if err != nil || ch == nil {
		return err
	}

	err = e.bulkEach(ctx, ch, bySlot, func(slot int, idxs []Index) bulkVisit {
		set := roaring.New()
		for _, idx := range idxs {
			set.Add(uint32(idx))
		}
		return bulkVisit{
			skip: func(r *Run) bool {
				return r == nil || !slices.ContainsFunc(r.Indices(), func(idx catalog.Index) bool {
					return set.Contains(uint32(idx))
				})
			},
			edit: func(r *Run) { r.RemoveSet(set) },
		}
	}, genomes)
	return e.check(ctx, "BulkRemoveMutations", err)
}

type bulkVisit struct {
	// skip reports whether a genome whose current run is r needs no edit.
	skip func(r *Run) bool
	edit func(r *Run)
}

// prepareBulk validates a bulk request and groups muts by slot. A nil
// chromosome means there is nothing to do. Callers hold e.mu.
func (e *Engine) prepareBulk(genomes []*Genome, muts []Index) (map[int][]Index, *genome.Chromosome, error) {
	if len(genomes) == 0 || len(muts) == 0 {
		return nil, nil, nil
	}

	ch := genomes[0].Chromosome()
	if own, ok := e.chromosome(ch.ID); !ok || own != ch {
		return nil, nil, &ErrUnknownChromosome{ID: ch.ID}
	}
	for _, g := range genomes {
		if g.Chromosome() != ch {
			return nil, nil, fmt.Errorf("%w: genomes of chromosomes %d and %d in one bulk operation",
				ErrInvalidArgument, ch.ID, g.Chromosome().ID)
		}
	}

	bySlot := make(map[int][]Index)
	for _, idx := range muts {
		m := e.cat.Get(idx)
		if m.State != catalog.StateSegregating {
			return nil, nil, fmt.Errorf("%w: mutation %d is %s", ErrInvalidArgument, idx, m.State)
		}
		if m.Chromosome != ch.ID {
			return nil, nil, fmt.Errorf("%w: mutation %d belongs to chromosome %d, not %d",
				ErrInvalidArgument, idx, m.Chromosome, ch.ID)
		}
		slot := ch.SlotFor(m.Position)
		bySlot[slot] = append(bySlot[slot], idx)
	}
	return bySlot, ch, nil
}

// bulkEach opens one bulk session per slot, in parallel across slots.
func (e *Engine) bulkEach(ctx context.Context, ch *genome.Chromosome, bySlot map[int][]Index,
	visit func(slot int, idxs []Index) bulkVisit, genomes []*Genome) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rc.Workers())
	for slot, idxs := range bySlot {
		v := visit(slot, idxs)
		g.Go(func() (err error) {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer fault.Recover(&err)

			co := bulk.New()
			op := bulk.NextOperationID()
			if err := co.Begin(op, slot); err != nil {
				return err
			}
			for _, gn := range genomes {
				if gn.IsNull() {
					return fault.Protocolf("BulkOperation", "slot %d of a null genome on chromosome %d", slot, ch.ID)
				}
				if v.skip != nil && v.skip(gn.Run(slot)) {
					continue
				}
				run, first, err := co.ApplyOrFetch(op, slot, gn)
				if err != nil {
					return err
				}
				if first {
					v.edit(run)
				}
			}
			return co.End(op, slot)
		})
	}
	return g.Wait()
}
