// Package unique merges runs with identical content so that genomes carrying
// the same mutations in a window share one run.
//
// Each slot is processed independently: referenced runs are grouped by
// content hash, every candidate is confirmed by exact comparison, genome
// slots are repointed to the group representative and the duplicates are
// released to their pool. Uniquing never changes what any genome carries and
// running it twice in a row is a no-op the second time.
package unique

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/pool"
	"github.com/hupe1980/mutrun/internal/resource"
)

// Stats summarizes one uniquing pass.
type Stats struct {
	// Runs is the number of distinct runs inspected.
	Runs int
	// Collisions counts equal hashes with different content.
	Collisions int
	// Repointed counts genome slots moved to a representative.
	Repointed int
	// Released counts duplicate runs returned to their pool.
	Released int
}

func (s *Stats) add(o Stats) {
	s.Runs += o.Runs
	s.Collisions += o.Collisions
	s.Repointed += o.Repointed
	s.Released += o.Released
}

// Uniquer deduplicates runs.
type Uniquer struct {
	rc *resource.Controller
}

// New creates a uniquer whose fan-out is bounded by rc.
func New(rc *resource.Controller) *Uniquer {
	return &Uniquer{rc: rc}
}

// Unique deduplicates every slot of every chromosome.
func (u *Uniquer) Unique(ctx context.Context, chroms []*genome.Chromosome) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.rc.Workers())
	for _, ch := range chroms {
		genomes := ch.Genomes()
		for slot := 0; slot < ch.SlotCount(); slot++ {
			g.Go(func() (err error) {
				if err := gctx.Err(); err != nil {
					return err
				}
				defer fault.Recover(&err)
				st := uniqueSlot(ch, genomes, slot)
				mu.Lock()
				total.add(st)
				mu.Unlock()
				return nil
			})
		}
	}
	err := g.Wait()
	return total, err
}

func uniqueSlot(ch *genome.Chromosome, genomes []*genome.Genome, slot int) Stats {
	var st Stats

	owner := ch.Pools().ForSlot(slot)
	pc := pool.Get()
	defer pool.Put(pc)

	buckets := make(map[uint64][]*mutrun.Run)
	dups := make(map[*mutrun.Run]*mutrun.Run)

	for _, gn := range genomes {
		if gn.IsNull() {
			continue
		}
		r := gn.Run(slot)
		if r == nil {
			continue
		}
		if r.Pool() != owner {
			fault.Raise(fault.Inconsistentf("unique.Unique", "run %d in slot %d of chromosome %d belongs to pool %d, want %d",
				r.Handle(), slot, ch.ID, r.Pool().ID(), owner.ID()))
		}

		if !pc.MarkVisited(r.Handle()) {
			st.Runs++
			h := r.Hash()
			var rep *mutrun.Run
			for _, cand := range buckets[h] {
				if cand.Identical(r) {
					rep = cand
					break
				}
			}
			if rep == nil {
				if len(buckets[h]) > 0 {
					st.Collisions++
				}
				buckets[h] = append(buckets[h], r)
			} else {
				dups[r] = rep
			}
		}

		if rep, ok := dups[r]; ok {
			gn.SetRun(slot, rep)
			st.Repointed++
		}
	}

	for dup := range dups {
		owner.Release(dup)
		st.Released++
	}
	return st
}
