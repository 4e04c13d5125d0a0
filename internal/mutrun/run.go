package mutrun

import (
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/hash"
)

// Positioner resolves the position of a mutation.
type Positioner interface {
	Position(idx catalog.Index) int64
}

// Stacker resolves position and stacking attributes of a mutation.
type Stacker interface {
	Positioner
	StackInfo(idx catalog.Index) (group int32, policy catalog.StackPolicy)
}

// Run is a position-sorted, duplicate-free sequence of mutation indices.
type Run struct {
	pool   *Pool
	handle uint32
	muts   []catalog.Index

	refs atomic.Int32
	use  int32 // tallied; owned by the slot's worker

	epoch    uint32
	released bool
	charged  int64

	nonNeutral atomic.Pointer[nonNeutralCache]
}

type nonNeutralCache struct {
	regime uint64
	epoch  uint32
	muts   []catalog.Index
}

// Pool returns the pool that owns r.
func (r *Run) Pool() *Pool { return r.pool }

// Handle returns the pool-local handle of r. Handles are reused after release.
func (r *Run) Handle() uint32 { return r.handle }

// Len returns the number of mutations in r.
func (r *Run) Len() int { return len(r.muts) }

// At returns the i-th mutation index.
func (r *Run) At(i int) catalog.Index { return r.muts[i] }

// Indices returns a read-only view of the indices.
func (r *Run) Indices() []catalog.Index { return r.muts }

// Contains reports whether idx is in r.
func (r *Run) Contains(idx catalog.Index) bool {
	return slices.Contains(r.muts, idx)
}

// ContainsAt reports whether idx is in r, using its position to bound the scan.
func (r *Run) ContainsAt(idx catalog.Index, pos int64, p Positioner) bool {
	i := r.lowerBound(pos, p)
	for ; i < len(r.muts) && p.Position(r.muts[i]) == pos; i++ {
		if r.muts[i] == idx {
			return true
		}
	}
	return false
}

// Refs returns the eager reference count.
func (r *Run) Refs() int32 { return r.refs.Load() }

// Retain records one more genome slot pointing at r.
func (r *Run) Retain() { r.refs.Add(1) }

// Drop records one genome slot less pointing at r and returns the new count.
func (r *Run) Drop() int32 {
	n := r.refs.Add(-1)
	if n < 0 && r.pool.checks {
		fault.Raise(fault.Protocolf("mutrun.Drop", "run %d dropped below zero references", r.handle))
	}
	return n
}

// Use returns the tallied use count.
func (r *Run) Use() int32 { return r.use }

// ResetUse zeroes the tallied use count.
func (r *Run) ResetUse() { r.use = 0 }

// AddUse increments the tallied use count.
func (r *Run) AddUse() { r.use++ }

// Released reports whether r sits idle in its pool.
func (r *Run) Released() bool { return r.released }

// Epoch changes with every in-place edit.
func (r *Run) Epoch() uint32 { return r.epoch }

// Hash returns the content hash of r. It is computed on every call.
func (r *Run) Hash() uint64 { return hash.Uint32s(r.muts) }

// Identical reports whether r and o hold the same indices in the same order.
func (r *Run) Identical(o *Run) bool {
	if r == o {
		return true
	}
	return slices.Equal(r.muts, o.muts)
}

// NonNeutral returns the non-neutral mutations of r. The result is cached
// until r is edited or a different regime stamp is passed.
func (r *Run) NonNeutral(regime uint64, neutral func(catalog.Index) bool) []catalog.Index {
	if c := r.nonNeutral.Load(); c != nil && c.regime == regime && c.epoch == r.epoch {
		return c.muts
	}
	var out []catalog.Index
	for _, idx := range r.muts {
		if !neutral(idx) {
			out = append(out, idx)
		}
	}
	r.nonNeutral.Store(&nonNeutralCache{regime: regime, epoch: r.epoch, muts: out})
	return out
}

func (r *Run) willEdit(op string) {
	if r.pool.checks {
		if r.released {
			fault.Raise(fault.Protocolf(op, "edit of released run %d", r.handle))
		}
		if n := r.refs.Load(); n > 1 {
			fault.Raise(fault.Protocolf(op, "in-place edit of a run referenced by %d genomes", n))
		}
	}
	r.epoch++
	r.nonNeutral.Store(nil)
}

func (r *Run) reserve(op string, extra int) {
	need := len(r.muts) + extra
	if need <= cap(r.muts) {
		return
	}
	newCap := max(2*cap(r.muts), need, minRunCap)
	r.pool.charge(op, r, int64(newCap-cap(r.muts))*indexBytes)
	grown := make([]catalog.Index, len(r.muts), newCap)
	copy(grown, r.muts)
	r.muts = grown
}

// Append adds idx at the end. The caller guarantees position order.
func (r *Run) Append(idx catalog.Index) {
	r.willEdit("mutrun.Append")
	r.reserve("mutrun.Append", 1)
	r.muts = append(r.muts, idx)
}

// AppendSlice adds idxs at the end. The caller guarantees position order.
func (r *Run) AppendSlice(idxs []catalog.Index) {
	r.willEdit("mutrun.AppendSlice")
	r.reserve("mutrun.AppendSlice", len(idxs))
	r.muts = append(r.muts, idxs...)
}

// lowerBound returns the first offset whose position is >= pos.
func (r *Run) lowerBound(pos int64, p Positioner) int {
	lo, hi := 0, len(r.muts)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if p.Position(r.muts[mid]) < pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the first offset whose position is > pos.
func (r *Run) upperBound(pos int64, p Positioner) int {
	lo, hi := 0, len(r.muts)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if p.Position(r.muts[mid]) <= pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertSorted inserts idx after every mutation at the same or a lower position.
func (r *Run) InsertSorted(idx catalog.Index, p Positioner) {
	r.willEdit("mutrun.InsertSorted")
	r.insertAt(r.upperBound(p.Position(idx), p), idx)
}

// InsertSortedIfUnique inserts idx unless it is already present.
func (r *Run) InsertSortedIfUnique(idx catalog.Index, p Positioner) bool {
	pos := p.Position(idx)
	if r.ContainsAt(idx, pos, p) {
		return false
	}
	r.willEdit("mutrun.InsertSortedIfUnique")
	r.insertAt(r.upperBound(pos, p), idx)
	return true
}

func (r *Run) insertAt(i int, idx catalog.Index) {
	r.reserve("mutrun.Insert", 1)
	r.muts = slices.Insert(r.muts, i, idx)
}

// EnforceStackPolicy applies the stacking policy of idx's type against the
// mutations already at its position and reports whether idx may be inserted.
// Under KeepLast the resident mutations of the same stack group are removed.
func (r *Run) EnforceStackPolicy(idx catalog.Index, s Stacker) bool {
	group, policy := s.StackInfo(idx)
	if policy == catalog.StackAll {
		return true
	}
	pos := s.Position(idx)
	lo, hi := r.lowerBound(pos, s), r.upperBound(pos, s)

	clash := false
	for _, other := range r.muts[lo:hi] {
		if g, _ := s.StackInfo(other); g == group {
			clash = true
			break
		}
	}
	if !clash {
		return true
	}
	if policy == catalog.StackKeepFirst {
		return false
	}

	r.willEdit("mutrun.EnforceStackPolicy")
	out := r.muts[:lo]
	for _, other := range r.muts[lo:hi] {
		if g, _ := s.StackInfo(other); g != group {
			out = append(out, other)
		}
	}
	r.muts = append(out, r.muts[hi:]...)
	return true
}

// RemoveSet removes every index contained in set and returns how many were removed.
func (r *Run) RemoveSet(set *roaring.Bitmap) int {
	hit := false
	for _, idx := range r.muts {
		if set.Contains(uint32(idx)) {
			hit = true
			break
		}
	}
	if !hit {
		return 0
	}
	r.willEdit("mutrun.RemoveSet")
	before := len(r.muts)
	r.muts = slices.DeleteFunc(r.muts, func(idx catalog.Index) bool {
		return set.Contains(uint32(idx))
	})
	return before - len(r.muts)
}

// CopyFrom replaces the contents of r with those of src.
func (r *Run) CopyFrom(src *Run) {
	r.willEdit("mutrun.CopyFrom")
	r.muts = r.muts[:0]
	r.reserve("mutrun.CopyFrom", len(src.muts))
	r.muts = append(r.muts, src.muts...)
}

// Clear removes every mutation.
func (r *Run) Clear() {
	r.willEdit("mutrun.Clear")
	r.muts = r.muts[:0]
}

// Truncate keeps the first n mutations.
func (r *Run) Truncate(n int) {
	r.willEdit("mutrun.Truncate")
	r.muts = r.muts[:n]
}
