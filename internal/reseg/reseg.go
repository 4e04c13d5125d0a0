// Package reseg changes the slot layout of a chromosome.
//
// Split doubles the number of slots and halves the window length; Join does
// the inverse. Every registered genome is rebuilt into a new slot array and
// all genomes are committed together, so no genome is ever observed in a
// mixed layout.
//
// Runs owned by a single genome are cut or concatenated in place. Shared runs
// are processed once per distinct original (split) or distinct pair of
// originals (join) and the result is shared by every genome that had them.
//
// Both operations require a tally that matches the current population.
package reseg

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/resource"
)

var (
	// ErrStaleTally is returned when the population changed since the last tally.
	ErrStaleTally = errors.New("reseg: tally is stale")
	// ErrOddWindow is returned by Split when the window length cannot be halved.
	ErrOddWindow = errors.New("reseg: window length is odd")
	// ErrOddSlotCount is returned by Join when slots cannot be paired.
	ErrOddSlotCount = errors.New("reseg: slot count is odd")
)

// Stats summarizes one re-segmentation.
type Stats struct {
	Genomes  int
	Created  int
	InPlace  int
	Released int
}

func (s *Stats) add(o Stats) {
	s.Genomes += o.Genomes
	s.Created += o.Created
	s.InPlace += o.InPlace
	s.Released += o.Released
}

// Resegmenter splits and joins chromosome layouts.
type Resegmenter struct {
	cat   *catalog.Catalog
	fresh func() bool
	rc    *resource.Controller
}

// New creates a resegmenter. fresh must report whether the population tally
// is current.
func New(cat *catalog.Catalog, fresh func() bool, rc *resource.Controller) *Resegmenter {
	return &Resegmenter{cat: cat, fresh: fresh, rc: rc}
}

type layout struct {
	genomes []*genome.Genome
	slots   [][]*mutrun.Run // new slot arrays, parallel to genomes
	pools   *mutrun.Pools
	count   int
}

func (s *Resegmenter) prepare(ch *genome.Chromosome, newCount int) *layout {
	l := &layout{pools: ch.Pools(), count: newCount}
	for _, g := range ch.Genomes() {
		if g.IsNull() {
			continue
		}
		if g.SlotCount() != ch.SlotCount() || g.WindowLength() != ch.WindowLength() {
			fault.Raise(fault.Inconsistentf("reseg", "genome has %d slots of %d, chromosome %d expects %d of %d",
				g.SlotCount(), g.WindowLength(), ch.ID, ch.SlotCount(), ch.WindowLength()))
		}
		l.genomes = append(l.genomes, g)
		l.slots = append(l.slots, make([]*mutrun.Run, newCount))
	}
	return l
}

func (l *layout) pool(slot int) *mutrun.Pool {
	return l.pools.At(l.pools.PartitionOf(slot, l.count))
}

// commit installs the new arrays, switches the chromosome layout and releases
// runs that lost their last reference.
func (l *layout) commit(ch *genome.Chromosome, window int64) int {
	for i, g := range l.genomes {
		for _, r := range l.slots[i] {
			if r != nil {
				r.Retain()
			}
		}
		l.slots[i] = g.CommitLayout(l.slots[i], window)
	}
	ch.SetLayout(l.count, window)

	released := 0
	for _, old := range l.slots {
		for _, r := range old {
			if r != nil && r.Drop() == 0 {
				r.Pool().Release(r)
				released++
			}
		}
	}
	return released
}

func (s *Resegmenter) fanOut(ctx context.Context, n int, fn func(slot int) Stats) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.rc.Workers())
	for slot := 0; slot < n; slot++ {
		g.Go(func() (err error) {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer fault.Recover(&err)
			st := fn(slot)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return total, err
}

// Split doubles the slot count of ch.
func (s *Resegmenter) Split(ctx context.Context, ch *genome.Chromosome) (stats Stats, err error) {
	if !s.fresh() {
		return stats, ErrStaleTally
	}
	window := ch.WindowLength()
	if window%2 != 0 {
		return stats, ErrOddWindow
	}
	defer fault.Recover(&err)

	oldCount := ch.SlotCount()
	half := window / 2
	l := s.prepare(ch, oldCount*2)

	stats, err = s.fanOut(ctx, oldCount, func(slot int) Stats {
		var st Stats
		mid := int64(slot)*window + half
		memo := make(map[*mutrun.Run][2]*mutrun.Run)

		for i, g := range l.genomes {
			r := g.Slots()[slot]
			if r == nil {
				continue
			}
			halves, ok := memo[r]
			if !ok {
				k := cut(r, mid, s.cat)
				if r.Refs() == 1 {
					right := l.pool(2*slot + 1).Checkout()
					right.AppendSlice(r.Indices()[k:])
					r.Truncate(k)
					halves = [2]*mutrun.Run{r, right}
					st.InPlace++
					st.Created++
				} else {
					left := l.pool(2 * slot).Checkout()
					left.AppendSlice(r.Indices()[:k])
					right := l.pool(2*slot + 1).Checkout()
					right.AppendSlice(r.Indices()[k:])
					halves = [2]*mutrun.Run{left, right}
					st.Created += 2
				}
				memo[r] = halves
			}
			l.slots[i][2*slot] = halves[0]
			l.slots[i][2*slot+1] = halves[1]
		}
		return st
	})
	if err != nil {
		return stats, err
	}

	stats.Genomes = len(l.genomes)
	stats.Released = l.commit(ch, half)
	return stats, nil
}

// cut returns the offset of the first mutation at or beyond mid.
func cut(r *mutrun.Run, mid int64, p mutrun.Positioner) int {
	idx := r.Indices()
	lo, hi := 0, len(idx)
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if p.Position(idx[m]) < mid {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

// Join halves the slot count of ch.
func (s *Resegmenter) Join(ctx context.Context, ch *genome.Chromosome) (stats Stats, err error) {
	if !s.fresh() {
		return stats, ErrStaleTally
	}
	oldCount := ch.SlotCount()
	if oldCount%2 != 0 {
		return stats, ErrOddSlotCount
	}
	defer fault.Recover(&err)

	l := s.prepare(ch, oldCount/2)

	stats, err = s.fanOut(ctx, l.count, func(slot int) Stats {
		var st Stats
		dst := l.pool(slot)
		memo := make(map[[2]*mutrun.Run]*mutrun.Run)

		for i, g := range l.genomes {
			a, b := g.Slots()[2*slot], g.Slots()[2*slot+1]
			if a == nil && b == nil {
				continue
			}
			pair := [2]*mutrun.Run{a, b}
			joined, ok := memo[pair]
			if !ok {
				joined = s.join(a, b, dst, &st)
				memo[pair] = joined
			}
			l.slots[i][slot] = joined
		}
		return st
	})
	if err != nil {
		return stats, err
	}

	stats.Genomes = len(l.genomes)
	stats.Released = l.commit(ch, ch.WindowLength()*2)
	return stats, nil
}

func (s *Resegmenter) join(a, b *mutrun.Run, dst *mutrun.Pool, st *Stats) *mutrun.Run {
	switch {
	case b == nil || b.Len() == 0:
		// a may be nil, which leaves the empty marker
		return a
	case a == nil || a.Len() == 0:
		if b.Pool() == dst {
			return b
		}
		if b.Refs() == 1 {
			b.Pool().Transfer(b, dst)
			st.InPlace++
			return b
		}
		st.Created++
		return dst.Clone(b)
	case a.Refs() == 1:
		a.AppendSlice(b.Indices())
		st.InPlace++
		return a
	default:
		r := dst.Clone(a)
		r.AppendSlice(b.Indices())
		st.Created++
		return r
	}
}
