package genome

import (
	"iter"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/mutrun"
)

// Genome is one copy of a chromosome stored as an array of runs.
type Genome struct {
	chrom        *Chromosome
	id           int
	slots        []*mutrun.Run
	windowLength int64
}

// Chromosome returns the owning chromosome.
func (g *Genome) Chromosome() *Chromosome { return g.chrom }

// IsNull reports whether g has no slots.
func (g *Genome) IsNull() bool { return len(g.slots) == 0 }

// SlotCount returns the number of slots, zero for a null genome.
func (g *Genome) SlotCount() int { return len(g.slots) }

// WindowLength returns the window length, zero for a null genome.
func (g *Genome) WindowLength() int64 { return g.windowLength }

// Slots returns a read-only view of the slot array.
func (g *Genome) Slots() []*mutrun.Run { return g.slots }

func (g *Genome) checkSlot(op string, slot int) {
	if len(g.slots) == 0 {
		fault.Raise(fault.Protocolf(op, "access to slot %d of a null genome", slot))
	}
	if slot < 0 || slot >= len(g.slots) {
		fault.Raise(fault.Protocolf(op, "slot %d out of range [0,%d)", slot, len(g.slots)))
	}
}

// Run returns the run at slot, nil for the empty marker.
func (g *Genome) Run(slot int) *mutrun.Run {
	g.checkSlot("genome.Run", slot)
	return g.slots[slot]
}

// SetRun points slot at r, adjusting both reference counts. A nil r installs
// the empty marker. The previous run is not released; the collector does that
// once its count is confirmed zero.
func (g *Genome) SetRun(slot int, r *mutrun.Run) {
	g.checkSlot("genome.SetRun", slot)
	old := g.slots[slot]
	if old == r {
		return
	}
	if r != nil {
		r.Retain()
	}
	g.slots[slot] = r
	if old != nil {
		old.Drop()
	}
	g.chrom.Touch()
}

// WillModify returns a run at slot that the caller may edit in place. A run
// shared with other genomes is cloned first; the empty marker is replaced by
// a fresh run.
func (g *Genome) WillModify(slot int) *mutrun.Run {
	g.checkSlot("genome.WillModify", slot)
	r := g.slots[slot]
	switch {
	case r == nil:
		r = g.chrom.pools.ForSlot(slot).Checkout()
		g.SetRun(slot, r)
	case r.Refs() > 1:
		r = g.chrom.pools.ForSlot(slot).Clone(r)
		g.SetRun(slot, r)
	default:
		g.chrom.Touch()
	}
	return r
}

// WillCreate returns an empty run at slot that the caller may fill. The
// current run is cleared in place when g owns it exclusively.
func (g *Genome) WillCreate(slot int) *mutrun.Run {
	g.checkSlot("genome.WillCreate", slot)
	if r := g.slots[slot]; r != nil && r.Refs() == 1 {
		r.Clear()
		g.chrom.Touch()
		return r
	}
	r := g.chrom.pools.ForSlot(slot).Checkout()
	g.SetRun(slot, r)
	return r
}

func (g *Genome) dropAll() {
	for i, r := range g.slots {
		if r != nil {
			r.Drop()
			g.slots[i] = nil
		}
	}
}

// Reinitialize switches g to slotCount slots of windowLength, every one set to
// fill (nil for the empty marker). A slotCount of zero makes g null. Every
// reference held before is dropped.
func (g *Genome) Reinitialize(slotCount int, windowLength int64, fill *mutrun.Run) {
	g.dropAll()
	if slotCount == 0 {
		g.slots = nil
		g.windowLength = 0
		g.chrom.Touch()
		return
	}
	if cap(g.slots) >= slotCount {
		g.slots = g.slots[:slotCount]
	} else {
		g.slots = make([]*mutrun.Run, slotCount)
	}
	g.windowLength = windowLength
	for i := range g.slots {
		g.slots[i] = fill
		if fill != nil {
			fill.Retain()
		}
	}
	g.chrom.Touch()
}

// Reset reinitializes g to the chromosome's current layout with empty slots.
func (g *Genome) Reset() {
	g.Reinitialize(g.chrom.slotCount, g.chrom.windowLength, nil)
}

// MakeNull drops every reference and removes all slots.
func (g *Genome) MakeNull() {
	g.Reinitialize(0, 0, nil)
}

// CopyFrom makes g share every run of src.
func (g *Genome) CopyFrom(src *Genome) {
	if g == src {
		return
	}
	if src.IsNull() {
		g.MakeNull()
		return
	}
	if len(g.slots) != len(src.slots) {
		g.Reinitialize(len(src.slots), src.windowLength, nil)
	}
	g.windowLength = src.windowLength
	for i, r := range src.slots {
		g.SetRun(i, r)
	}
}

// CommitLayout installs a new slot array and returns the old one. Reference
// counts of both arrays are managed by the caller.
func (g *Genome) CommitLayout(slots []*mutrun.Run, windowLength int64) []*mutrun.Run {
	old := g.slots
	g.slots = slots
	g.windowLength = windowLength
	return old
}

// MutationCount returns the number of mutations across all slots.
func (g *Genome) MutationCount() int {
	n := 0
	for _, r := range g.slots {
		if r != nil {
			n += r.Len()
		}
	}
	return n
}

// Contains reports whether g carries idx at pos.
func (g *Genome) Contains(idx catalog.Index, pos int64, p mutrun.Positioner) bool {
	if g.IsNull() {
		return false
	}
	slot := int(pos / g.windowLength)
	if slot < 0 || slot >= len(g.slots) || g.slots[slot] == nil {
		return false
	}
	return g.slots[slot].ContainsAt(idx, pos, p)
}

// Mutations yields every mutation index of g in position order.
func (g *Genome) Mutations() iter.Seq[catalog.Index] {
	return func(yield func(catalog.Index) bool) {
		for _, r := range g.slots {
			if r == nil {
				continue
			}
			for _, idx := range r.Indices() {
				if !yield(idx) {
					return
				}
			}
		}
	}
}
