package tally

import (
	"context"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/mutrun/internal/bulk"
	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
)

// CollectStats summarizes one collection.
type CollectStats struct {
	Lost          int
	Fixed         int
	Released      int
	Substitutions []catalog.Substitution
}

// Collect processes the cached tally: it marks lost mutations, converts
// fixed ones into substitutions stamped with generation, removes them from
// every run and releases unreferenced runs. The cached tally must be fresh.
func (c *Counter) Collect(ctx context.Context, chroms []*genome.Chromosome, cond Conditions, generation int64) (stats CollectStats, err error) {
	if !c.Fresh(chroms, cond) {
		return stats, ErrStaleTally
	}
	if err := c.enter("tally.Collect", Collecting); err != nil {
		return stats, err
	}
	defer c.leave()
	defer fault.Recover(&err)

	res := c.Last()

	if c.cfg.Checks {
		if err := c.checkback(ctx, chroms); err != nil {
			return stats, err
		}
	}

	byID := make(map[uint32]*genome.Chromosome, len(chroms))
	for _, ch := range chroms {
		byID[ch.ID] = ch
	}

	var lost []catalog.Index
	fixed := make(map[uint32]*roaring.Bitmap)
	var fixedAll []catalog.Index

	it := c.cat.Registry().Iterator()
	for it.HasNext() {
		idx := catalog.Index(it.Next())
		rc := c.cat.Refcount(idx)
		if rc == 0 {
			lost = append(lost, idx)
			continue
		}
		m := c.cat.Get(idx)
		denom, ok := res.Denominators[m.Chromosome]
		if !ok || int(rc) != denom {
			continue
		}
		if mt, _ := c.cat.Type(m.Type); !mt.ConvertToSubstitution || cond.exempt(idx) {
			continue
		}
		set := fixed[m.Chromosome]
		if set == nil {
			set = roaring.New()
			fixed[m.Chromosome] = set
		}
		set.Add(uint32(idx))
		fixedAll = append(fixedAll, idx)
	}

	for _, idx := range lost {
		c.cat.MarkLost(idx)
	}
	stats.Lost = len(lost)

	for _, idx := range fixedAll {
		stats.Substitutions = append(stats.Substitutions, c.cat.MarkFixed(idx, generation))
	}
	stats.Fixed = len(fixedAll)

	if len(fixedAll) > 0 {
		for chromID, set := range fixed {
			ch := byID[chromID]
			if err := c.removeFixed(ctx, ch, set); err != nil {
				return stats, err
			}
		}
	}

	released, err := c.sweep(ctx, chroms)
	if err != nil {
		return stats, err
	}
	stats.Released = released

	for _, idx := range fixedAll {
		c.cat.Dispose(idx)
	}
	return stats, nil
}

// checkback compares every live run's tallied use with its eager count.
func (c *Counter) checkback(ctx context.Context, chroms []*genome.Chromosome) error {
	g, gctx := c.group(ctx)
	for _, ch := range chroms {
		pools := ch.Pools()
		for i := 0; i < pools.Len(); i++ {
			p := pools.At(i)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				var bad error
				p.Each(func(r *mutrun.Run) {
					if bad == nil && r.Use() != r.Refs() {
						bad = fault.Inconsistentf("tally.Collect", "run %d in pool %d of chromosome %d has %d references but %d tallied uses",
							r.Handle(), p.ID(), ch.ID, r.Refs(), r.Use())
					}
				})
				return bad
			})
		}
	}
	return g.Wait()
}

// removeFixed strips set from every run of ch through bulk operations, one
// per affected slot.
func (c *Counter) removeFixed(ctx context.Context, ch *genome.Chromosome, set *roaring.Bitmap) error {
	var slots []int
	it := set.Iterator()
	for it.HasNext() {
		slots = append(slots, ch.SlotFor(c.cat.Position(catalog.Index(it.Next()))))
	}
	slices.Sort(slots)
	slots = slices.Compact(slots)

	genomes := ch.Genomes()
	g, gctx := c.group(ctx)
	for _, slot := range slots {
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
					continue
				}
				if r := gn.Run(slot); r == nil || !carriesAny(r, set) {
					continue
				}
				run, first, err := co.ApplyOrFetch(op, slot, gn)
				if err != nil {
					return err
				}
				if first {
					run.RemoveSet(set)
				}
			}
			return co.End(op, slot)
		})
	}
	return g.Wait()
}

func carriesAny(r *mutrun.Run, set *roaring.Bitmap) bool {
	for _, idx := range r.Indices() {
		if set.Contains(uint32(idx)) {
			return true
		}
	}
	return false
}

// sweep releases every live run that no genome references.
func (c *Counter) sweep(ctx context.Context, chroms []*genome.Chromosome) (int, error) {
	var pools []*mutrun.Pool
	for _, ch := range chroms {
		for i := 0; i < ch.Pools().Len(); i++ {
			pools = append(pools, ch.Pools().At(i))
		}
	}

	released := make([]int, len(pools))
	g, gctx := c.group(ctx)
	for i, p := range pools {
		g.Go(func() (err error) {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer fault.Recover(&err)
			released[i] = p.Sweep()
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, v := range released {
		n += v
	}
	return n, err
}
