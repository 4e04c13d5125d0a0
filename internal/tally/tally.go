package tally

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/hash"
	"github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/resource"
)

// ErrStaleTally is returned when an operation requires a tally that matches
// the current population.
var ErrStaleTally = errors.New("tally: stale tally")

// State is the phase of a Counter.
type State uint8

const (
	// Idle accepts Tally and Collect.
	Idle State = iota
	// Tallying is set while counts are being recomputed.
	Tallying
	// Collecting is set while lost and fixed mutations are processed.
	Collecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tallying:
		return "tallying"
	case Collecting:
		return "collecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Conditions are externally supplied overrides that influence collection.
type Conditions struct {
	// Exempt lists catalog indices that must not be converted to
	// substitutions even when fixed.
	Exempt *roaring.Bitmap
}

// Fingerprint summarizes c for the tally cache.
func (c Conditions) Fingerprint() uint32 {
	if c.Exempt == nil || c.Exempt.IsEmpty() {
		return 0
	}
	b, err := c.Exempt.ToBytes()
	if err != nil {
		return 0
	}
	return hash.CRC32C(b)
}

func (c Conditions) exempt(idx catalog.Index) bool {
	return c.Exempt != nil && c.Exempt.Contains(uint32(idx))
}

// Key identifies the inputs a tally was computed from.
type Key struct {
	Chromosomes    []uint32
	Versions       []uint64
	CatalogVersion uint64
	Fingerprint    uint32
}

// Equal reports whether k and o describe the same inputs.
func (k Key) Equal(o Key) bool {
	return k.CatalogVersion == o.CatalogVersion &&
		k.Fingerprint == o.Fingerprint &&
		slices.Equal(k.Chromosomes, o.Chromosomes) &&
		slices.Equal(k.Versions, o.Versions)
}

// Result is a completed tally.
type Result struct {
	Key Key
	// Denominators maps a chromosome id to its number of non-null genomes.
	Denominators map[uint32]int
	// Runs is the number of distinct runs referenced.
	Runs int
}

// Config configures a Counter.
type Config struct {
	// Checks verifies tallied uses against eager reference counts.
	Checks bool
	// Resource bounds the worker fan-out. May be nil.
	Resource *resource.Controller
}

// Counter drives tally and collection for one population.
type Counter struct {
	cat *catalog.Catalog
	cfg Config

	mu    sync.Mutex
	state State
	last  *Result
}

// New creates a counter over cat.
func New(cat *catalog.Catalog, cfg Config) *Counter {
	return &Counter{cat: cat, cfg: cfg}
}

// State returns the current phase.
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent tally, or nil.
func (c *Counter) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Invalidate drops the cached tally.
func (c *Counter) Invalidate() {
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
}

func (c *Counter) key(chroms []*genome.Chromosome, cond Conditions) Key {
	k := Key{
		Chromosomes:    make([]uint32, len(chroms)),
		Versions:       make([]uint64, len(chroms)),
		CatalogVersion: c.cat.Version(),
		Fingerprint:    cond.Fingerprint(),
	}
	for i, ch := range chroms {
		k.Chromosomes[i] = ch.ID
		k.Versions[i] = ch.Version()
	}
	return k
}

// Fresh reports whether the cached tally matches the current population.
func (c *Counter) Fresh(chroms []*genome.Chromosome, cond Conditions) bool {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	return last != nil && last.Key.Equal(c.key(chroms, cond))
}

func (c *Counter) enter(op string, next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fault.Protocolf(op, "counter is %s", c.state)
	}
	c.state = next
	return nil
}

func (c *Counter) leave() {
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

func (c *Counter) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Resource.Workers())
	return g, gctx
}

// Tally recomputes run uses and mutation reference counts. A cached result is
// returned with cached set when its key still matches.
func (c *Counter) Tally(ctx context.Context, chroms []*genome.Chromosome, cond Conditions) (res *Result, cached bool, err error) {
	if err := c.enter("tally.Tally", Tallying); err != nil {
		return nil, false, err
	}
	defer c.leave()

	key := c.key(chroms, cond)
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last != nil && last.Key.Equal(key) {
		return last, true, nil
	}

	// Phase 1: zero run uses in every pool and mutation refcounts.
	c.cat.ZeroRefcounts()
	g, gctx := c.group(ctx)
	for _, ch := range chroms {
		pools := ch.Pools()
		for i := 0; i < pools.Len(); i++ {
			p := pools.At(i)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p.Each(func(r *mutrun.Run) { r.ResetUse() })
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		c.Invalidate()
		return nil, false, err
	}

	// Phase 2: count uses per (chromosome, slot) and add them to refcounts.
	res = &Result{Key: key, Denominators: make(map[uint32]int, len(chroms))}
	var runs sync.Mutex
	g, gctx = c.group(ctx)
	for _, ch := range chroms {
		genomes := ch.Genomes()
		nonNull := 0
		for _, gn := range genomes {
			if !gn.IsNull() {
				nonNull++
			}
		}
		res.Denominators[ch.ID] = nonNull

		for slot := 0; slot < ch.SlotCount(); slot++ {
			g.Go(func() (err error) {
				if err := gctx.Err(); err != nil {
					return err
				}
				defer fault.Recover(&err)
				n := c.tallySlot(genomes, slot)
				runs.Lock()
				res.Runs += n
				runs.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		c.Invalidate()
		return nil, false, err
	}

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	return res, false, nil
}

// tallySlot counts one slot and returns the number of distinct runs found.
func (c *Counter) tallySlot(genomes []*genome.Genome, slot int) int {
	var distinct []*mutrun.Run
	for _, gn := range genomes {
		if gn.IsNull() {
			continue
		}
		if gn.SlotCount() <= slot {
			fault.Raise(fault.Inconsistentf("tally.Tally", "genome has %d slots, chromosome expects more than %d", gn.SlotCount(), slot))
		}
		r := gn.Slots()[slot]
		if r == nil {
			continue
		}
		if r.Use() == 0 {
			distinct = append(distinct, r)
		}
		r.AddUse()
	}
	for _, r := range distinct {
		use := r.Use()
		for _, idx := range r.Indices() {
			c.cat.AddRefcount(idx, use)
		}
	}
	return len(distinct)
}
