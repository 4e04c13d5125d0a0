// Package pool provides reusable per-slot scratch state for the parallel
// passes. Uses sync.Pool for automatic memory reuse and bitsets for efficient
// visited tracking keyed by run handle.
package pool

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const (
	// DefaultVisitedBits is the initial capacity of a visited set.
	DefaultVisitedBits = 4096

	// maxRetainedBits caps the size of sets kept for reuse.
	maxRetainedBits = DefaultVisitedBits * 256
)

// PassContext holds scratch buffers for one slot of a pass.
type PassContext struct {
	Visited *bitset.BitSet
}

var passContextPool = sync.Pool{
	New: func() interface{} {
		return &PassContext{Visited: bitset.New(DefaultVisitedBits)}
	},
}

// Get retrieves a cleared PassContext from the pool.
func Get() *PassContext {
	pc := passContextPool.Get().(*PassContext)
	pc.Visited.ClearAll()
	return pc
}

// Put returns a PassContext to the pool for reuse.
func Put(pc *PassContext) {
	if pc.Visited.Len() > maxRetainedBits {
		pc.Visited = bitset.New(DefaultVisitedBits)
	}
	passContextPool.Put(pc)
}

// MarkVisited marks handle as visited and reports whether it already was.
func (pc *PassContext) MarkVisited(handle uint32) bool {
	if pc.Visited.Test(uint(handle)) {
		return true
	}
	pc.Visited.Set(uint(handle))
	return false
}
