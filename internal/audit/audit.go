// Package audit verifies the structural invariants of a population.
//
// An audit walks every genome and every live run and fails with a
// consistency fault on the first broken invariant:
//
//   - non-null genomes match their chromosome's slot layout
//   - runs are sorted by position and free of duplicates
//   - every mutation in a run is segregating and lies inside the run's window
//   - every run belongs to the pool serving its slot
//   - the eager reference count of every live run equals a full rescan
package audit

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/pool"
	"github.com/hupe1980/mutrun/internal/resource"
)

// Report summarizes a successful audit.
type Report struct {
	Genomes   int
	Runs      int
	Mutations int
}

// Auditor checks populations against a catalog.
type Auditor struct {
	cat *catalog.Catalog
	rc  *resource.Controller
}

// New creates an auditor.
func New(cat *catalog.Catalog, rc *resource.Controller) *Auditor {
	return &Auditor{cat: cat, rc: rc}
}

// Audit checks every chromosome.
func (a *Auditor) Audit(ctx context.Context, chroms []*genome.Chromosome) (rep Report, err error) {
	defer fault.Recover(&err)

	registry := a.cat.Registry()
	for _, ch := range chroms {
		genomes := ch.Genomes()
		for _, g := range genomes {
			if g.IsNull() {
				continue
			}
			rep.Genomes++
			if g.SlotCount() != ch.SlotCount() || g.WindowLength() != ch.WindowLength() {
				fault.Raise(fault.Inconsistentf("audit", "genome has %d slots of %d, chromosome %d has %d of %d",
					g.SlotCount(), g.WindowLength(), ch.ID, ch.SlotCount(), ch.WindowLength()))
			}
		}

		var (
			mu   sync.Mutex
			seen = make(map[*mutrun.Run]int32)
		)
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(a.rc.Workers())
		for slot := 0; slot < ch.SlotCount(); slot++ {
			eg.Go(func() (err error) {
				if err := gctx.Err(); err != nil {
					return err
				}
				defer fault.Recover(&err)

				uses, muts := a.auditSlot(ch, genomes, slot, func(idx catalog.Index) bool {
					return registry.Contains(uint32(idx))
				})
				mu.Lock()
				for r, n := range uses {
					seen[r] = n
				}
				rep.Mutations += muts
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return rep, err
		}
		rep.Runs += len(seen)

		pools := ch.Pools()
		for i := 0; i < pools.Len(); i++ {
			p := pools.At(i)
			p.Each(func(r *mutrun.Run) {
				if got := seen[r]; got != r.Refs() {
					fault.Raise(fault.Inconsistentf("audit", "run %d in pool %d of chromosome %d has %d references, rescan found %d",
						r.Handle(), p.ID(), ch.ID, r.Refs(), got))
				}
			})
		}
	}
	return rep, nil
}

// auditSlot checks one slot and returns the use count of each run and the
// number of mutations in distinct runs.
func (a *Auditor) auditSlot(ch *genome.Chromosome, genomes []*genome.Genome, slot int, active func(catalog.Index) bool) (map[*mutrun.Run]int32, int) {
	owner := ch.Pools().ForSlot(slot)
	lo := int64(slot) * ch.WindowLength()
	hi := lo + ch.WindowLength()

	pc := pool.Get()
	defer pool.Put(pc)

	uses := make(map[*mutrun.Run]int32)
	muts := 0
	for _, g := range genomes {
		if g.IsNull() {
			continue
		}
		r := g.Run(slot)
		if r == nil {
			continue
		}
		uses[r]++
		if pc.MarkVisited(r.Handle()) {
			continue
		}
		if r.Pool() != owner {
			fault.Raise(fault.Inconsistentf("audit", "run %d in slot %d belongs to pool %d, want %d", r.Handle(), slot, r.Pool().ID(), owner.ID()))
		}
		if r.Released() {
			fault.Raise(fault.Inconsistentf("audit", "released run %d is referenced from slot %d", r.Handle(), slot))
		}
		muts += r.Len()
		a.auditRun(ch, r, slot, lo, hi, active)
	}
	return uses, muts
}

func (a *Auditor) auditRun(ch *genome.Chromosome, r *mutrun.Run, slot int, lo, hi int64, active func(catalog.Index) bool) {
	idxs := r.Indices()
	groupStart := 0
	prev := int64(-1)
	for i, idx := range idxs {
		if !active(idx) {
			fault.Raise(fault.Inconsistentf("audit", "run %d in slot %d carries mutation %d which is %s",
				r.Handle(), slot, idx, a.cat.State(idx)))
		}
		m := a.cat.Get(idx)
		if m.Chromosome != ch.ID {
			fault.Raise(fault.Inconsistentf("audit", "mutation %d of chromosome %d found on chromosome %d", idx, m.Chromosome, ch.ID))
		}
		if m.Position < lo || m.Position >= hi {
			fault.Raise(fault.Inconsistentf("audit", "mutation %d at %d lies outside slot %d [%d,%d)", idx, m.Position, slot, lo, hi))
		}
		if m.Position < prev {
			fault.Raise(fault.Inconsistentf("audit", "run %d in slot %d is not sorted at offset %d", r.Handle(), slot, i))
		}
		if m.Position != prev {
			groupStart = i
		}
		for _, other := range idxs[groupStart:i] {
			if other == idx {
				fault.Raise(fault.Inconsistentf("audit", "run %d in slot %d carries mutation %d twice", r.Handle(), slot, idx))
			}
		}
		prev = m.Position
	}
}
