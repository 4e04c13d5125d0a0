package mutrun

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/resource"
)

const (
	// runOverhead approximates the bytes of a Run header.
	runOverhead = 96
	indexBytes  = 4
	minRunCap   = 4
)

// Pool recycles runs of one slot partition.
type Pool struct {
	id     int
	checks bool
	rc     *resource.Controller

	mu          sync.Mutex
	runs        []*Run // by handle; nil for a free handle
	freeHandles []uint32
	idle        []*Run
	live        int
}

// NewPool creates an empty pool. A nil controller disables memory accounting.
func NewPool(id int, rc *resource.Controller, checks bool) *Pool {
	return &Pool{id: id, rc: rc, checks: checks}
}

// ID returns the partition number of p.
func (p *Pool) ID() int { return p.id }

// Checks reports whether invariant checks are enabled.
func (p *Pool) Checks() bool { return p.checks }

func (p *Pool) charge(op string, r *Run, bytes int64) {
	if err := p.rc.AcquireMemory(bytes); err != nil {
		fault.Raise(fault.Capacityf(op, "run pool %d: %v (%d bytes in use)", p.id, err, p.rc.MemoryUsage()))
	}
	r.charged += bytes
}

// Checkout returns an empty run, recycled if one is idle.
func (p *Pool) Checkout() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r *Run
	if n := len(p.idle); n > 0 {
		r = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		r = &Run{pool: p}
		p.charge("mutrun.Checkout", r, runOverhead)
		p.adopt(r)
	}
	r.released = false
	r.use = 0
	r.epoch++
	r.nonNeutral.Store(nil)
	p.live++
	return r
}

// Clone returns a new run holding the contents of src.
func (p *Pool) Clone(src *Run) *Run {
	r := p.Checkout()
	if len(src.muts) > 0 {
		r.reserve("mutrun.Clone", len(src.muts))
		r.muts = append(r.muts, src.muts...)
	}
	return r
}

// Release returns an unreferenced run to p. Its backing array is kept.
func (p *Pool) Release(r *Run) {
	if r.pool != p {
		fault.Raise(fault.Protocolf("mutrun.Release", "run %d released to foreign pool %d", r.handle, p.id))
	}
	if n := r.refs.Load(); n != 0 {
		fault.Raise(fault.Protocolf("mutrun.Release", "release of a run referenced by %d genomes", n))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.released {
		fault.Raise(fault.Protocolf("mutrun.Release", "run %d released twice", r.handle))
	}
	r.released = true
	r.muts = r.muts[:0]
	r.nonNeutral.Store(nil)
	p.idle = append(p.idle, r)
	p.live--
}

// Transfer moves a live run into dst. The run keeps its contents and
// references and receives a new handle.
func (p *Pool) Transfer(r *Run, dst *Pool) {
	if dst == p {
		return
	}
	if r.pool != p || r.released {
		fault.Raise(fault.Protocolf("mutrun.Transfer", "run %d is not live in pool %d", r.handle, p.id))
	}

	p.mu.Lock()
	p.runs[r.handle] = nil
	p.freeHandles = append(p.freeHandles, r.handle)
	p.live--
	p.mu.Unlock()

	dst.mu.Lock()
	r.pool = dst
	dst.adopt(r)
	dst.live++
	dst.mu.Unlock()
}

// adopt assigns a handle to r. Callers hold p.mu.
func (p *Pool) adopt(r *Run) {
	if n := len(p.freeHandles); n > 0 {
		r.handle = p.freeHandles[n-1]
		p.freeHandles = p.freeHandles[:n-1]
		p.runs[r.handle] = r
		return
	}
	r.handle = uint32(len(p.runs))
	p.runs = append(p.runs, r)
}

// Live returns the number of checked-out runs.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle returns the number of runs waiting for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// HandleLimit returns an upper bound for handles currently in use.
func (p *Pool) HandleLimit() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.runs))
}

// Each calls fn for every live run. fn must not check out or release runs of p.
func (p *Pool) Each(fn func(*Run)) {
	p.mu.Lock()
	live := make([]*Run, 0, p.live)
	for _, r := range p.runs {
		if r != nil && !r.released {
			live = append(live, r)
		}
	}
	p.mu.Unlock()

	for _, r := range live {
		fn(r)
	}
}

// Sweep releases every live run without references and returns the count.
func (p *Pool) Sweep() int {
	var dead []*Run
	p.Each(func(r *Run) {
		if r.refs.Load() == 0 {
			dead = append(dead, r)
		}
	})
	for _, r := range dead {
		p.Release(r)
	}
	return len(dead)
}

// Trim discards idle runs and returns their memory to the controller.
func (p *Pool) Trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	for i, r := range p.idle {
		p.rc.ReleaseMemory(r.charged)
		p.runs[r.handle] = nil
		p.freeHandles = append(p.freeHandles, r.handle)
		p.idle[i] = nil
	}
	p.idle = p.idle[:0]
	return n
}

// Pools partitions the slot index space of one chromosome into contiguous
// ranges served by one Pool each.
type Pools struct {
	pools     []*Pool
	slotCount atomic.Int64
}

// NewPools creates n partitions for slotCount slots.
func NewPools(n, slotCount int, rc *resource.Controller, checks bool) *Pools {
	n = max(n, 1)
	ps := &Pools{pools: make([]*Pool, n)}
	for i := range ps.pools {
		ps.pools[i] = NewPool(i, rc, checks)
	}
	ps.slotCount.Store(int64(max(slotCount, 1)))
	return ps
}

// Len returns the number of partitions.
func (ps *Pools) Len() int { return len(ps.pools) }

// At returns partition i.
func (ps *Pools) At(i int) *Pool { return ps.pools[i] }

// PartitionOf returns the partition serving slot for a layout of slotCount slots.
func (ps *Pools) PartitionOf(slot, slotCount int) int {
	return slot * len(ps.pools) / slotCount
}

// ForSlot returns the pool serving slot under the current layout.
func (ps *Pools) ForSlot(slot int) *Pool {
	return ps.pools[ps.PartitionOf(slot, int(ps.slotCount.Load()))]
}

// Resize switches the layout to slotCount slots.
func (ps *Pools) Resize(slotCount int) {
	ps.slotCount.Store(int64(max(slotCount, 1)))
}

// Live returns the number of checked-out runs across partitions.
func (ps *Pools) Live() int {
	n := 0
	for _, p := range ps.pools {
		n += p.Live()
	}
	return n
}

// Idle returns the number of idle runs across partitions.
func (ps *Pools) Idle() int {
	n := 0
	for _, p := range ps.pools {
		n += p.Idle()
	}
	return n
}

// Trim discards idle runs of every partition.
func (ps *Pools) Trim() int {
	n := 0
	for _, p := range ps.pools {
		n += p.Trim()
	}
	return n
}
