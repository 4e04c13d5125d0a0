package catalog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/mutrun/internal/container"
	"github.com/hupe1980/mutrun/internal/fault"
)

var (
	// ErrUnknownType is returned when a mutation names an unregistered type.
	ErrUnknownType = errors.New("catalog: unknown mutation type")
	// ErrDuplicateType is returned when a mutation type id is registered twice.
	ErrDuplicateType = errors.New("catalog: duplicate mutation type")
)

// Config bounds the catalog.
type Config struct {
	// MaxMutations caps the number of simultaneously allocated indices.
	// If 0, the catalog may grow up to the Index range.
	MaxMutations int
}

// Catalog is the process-wide store of mutation records.
type Catalog struct {
	cfg Config

	mu        sync.Mutex
	records   *container.SegmentedArray[Mutation]
	refcounts *container.SegmentedArray[int32]
	free      []Index
	next      Index // high-water mark
	live      int
	registry  *roaring.Bitmap
	subs      []Substitution

	types   atomic.Pointer[map[int32]MutationType]
	nextID  atomic.Int64
	version atomic.Uint64
}

// New creates an empty catalog.
func New(cfg Config) *Catalog {
	c := &Catalog{
		cfg:       cfg,
		records:   container.NewSegmentedArray[Mutation](),
		refcounts: container.NewSegmentedArray[int32](),
		registry:  roaring.New(),
	}
	empty := map[int32]MutationType{}
	c.types.Store(&empty)
	return c
}

// AddType registers a mutation type.
func (c *Catalog) AddType(mt MutationType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.types.Load()
	if _, ok := current[mt.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateType, mt.ID)
	}
	next := make(map[int32]MutationType, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[mt.ID] = mt
	c.types.Store(&next)
	c.version.Add(1)
	return nil
}

// SetConvertToSubstitution toggles fixation handling for a type.
func (c *Catalog) SetConvertToSubstitution(typeID int32, convert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.types.Load()
	mt, ok := current[typeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}
	next := make(map[int32]MutationType, len(current))
	for k, v := range current {
		next[k] = v
	}
	mt.ConvertToSubstitution = convert
	next[typeID] = mt
	c.types.Store(&next)
	c.version.Add(1)
	return nil
}

// Type returns the mutation type with the given id.
func (c *Catalog) Type(id int32) (MutationType, bool) {
	mt, ok := (*c.types.Load())[id]
	return mt, ok
}

// Types returns all registered mutation types.
func (c *Catalog) Types() []MutationType {
	types := *c.types.Load()
	out := make([]MutationType, 0, len(types))
	for _, mt := range types {
		out = append(out, mt)
	}
	return out
}

// Version changes whenever a setting that influences collection changes.
func (c *Catalog) Version() uint64 {
	return c.version.Load()
}

// Add allocates an index for m and inserts it into the active registry.
// The record's ID and State are assigned by the catalog.
func (c *Catalog) Add(m Mutation) (Index, error) {
	m.ID = c.nextID.Add(1)
	return c.insert(m)
}

// Restore re-inserts a mutation that keeps its original ID, as done when
// loading a snapshot.
func (c *Catalog) Restore(m Mutation) (Index, error) {
	for {
		cur := c.nextID.Load()
		if m.ID <= cur || c.nextID.CompareAndSwap(cur, m.ID) {
			break
		}
	}
	return c.insert(m)
}

func (c *Catalog) insert(m Mutation) (Index, error) {
	if _, ok := c.Type(m.Type); !ok {
		return NoIndex, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	m.State = StateSegregating

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxMutations > 0 && c.live >= c.cfg.MaxMutations {
		return NoIndex, fault.Capacityf("catalog.Add", "mutation catalog full at %d entries", c.live)
	}

	var idx Index
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		if c.next == NoIndex {
			return NoIndex, fault.Capacityf("catalog.Add", "mutation index space exhausted")
		}
		idx = c.next
		c.next++
		c.records.Grow(int(c.next))
		c.refcounts.Grow(int(c.next))
	}

	*c.records.Ptr(uint32(idx)) = m
	*c.refcounts.Ptr(uint32(idx)) = 0
	c.registry.Add(uint32(idx))
	c.live++
	return idx, nil
}

// Get returns the record at idx.
func (c *Catalog) Get(idx Index) Mutation {
	m, _ := c.records.Get(uint32(idx))
	return m
}

// Position returns the position of the mutation at idx.
func (c *Catalog) Position(idx Index) int64 {
	return c.records.Ptr(uint32(idx)).Position
}

// State returns the lifecycle state of idx.
func (c *Catalog) State(idx Index) State {
	p := c.records.Ptr(uint32(idx))
	if p == nil {
		return StateUnused
	}
	return p.State
}

// StackInfo returns the stacking attributes of the mutation at idx.
func (c *Catalog) StackInfo(idx Index) (group int32, policy StackPolicy) {
	mt, _ := c.Type(c.records.Ptr(uint32(idx)).Type)
	return mt.StackGroup, mt.StackPolicy
}

// IsActive reports whether idx is in the segregating registry.
func (c *Catalog) IsActive(idx Index) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Contains(uint32(idx))
}

// Registry returns a snapshot of the active registry.
func (c *Catalog) Registry() *roaring.Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Clone()
}

// ActiveCount returns the number of segregating mutations.
func (c *Catalog) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.registry.GetCardinality())
}

// Len returns the high-water mark of allocated indices.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.next)
}

// ZeroRefcounts resets every refcount. Must not run concurrently with a tally.
func (c *Catalog) ZeroRefcounts() {
	n := uint32(c.Len())
	for i := uint32(0); i < n; i++ {
		*c.refcounts.Ptr(i) = 0
	}
}

// AddRefcount adds n to the refcount of idx. Callers must own idx's slot.
func (c *Catalog) AddRefcount(idx Index, n int32) {
	*c.refcounts.Ptr(uint32(idx)) += n
}

// Refcount returns the tallied refcount of idx.
func (c *Catalog) Refcount(idx Index) int32 {
	return *c.refcounts.Ptr(uint32(idx))
}

// MarkLost removes idx from the registry and frees it.
func (c *Catalog) MarkLost(idx Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.records.Ptr(uint32(idx))
	if p == nil || p.State != StateSegregating {
		fault.Raise(fault.Protocolf("catalog.MarkLost", "mutation index %d is not segregating", idx))
	}
	p.State = StateLost
	c.registry.Remove(uint32(idx))
	c.free = append(c.free, idx)
	c.live--
}

// MarkFixed converts idx into a Substitution and removes it from the
// registry. The index stays allocated until Dispose is called, which must
// happen only after every run has dropped it.
func (c *Catalog) MarkFixed(idx Index, generation int64) Substitution {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.records.Ptr(uint32(idx))
	if p == nil || p.State != StateSegregating {
		fault.Raise(fault.Protocolf("catalog.MarkFixed", "mutation index %d is not segregating", idx))
	}
	p.State = StateFixed
	c.registry.Remove(uint32(idx))

	sub := Substitution{
		MutationID:         p.ID,
		Type:               p.Type,
		Chromosome:         p.Chromosome,
		Position:           p.Position,
		Effect:             p.Effect,
		OriginGeneration:   p.OriginGeneration,
		FixationGeneration: generation,
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Dispose returns a fixed mutation's index to the free list.
func (c *Catalog) Dispose(idx Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.records.Ptr(uint32(idx))
	if p == nil || p.State != StateFixed {
		fault.Raise(fault.Protocolf("catalog.Dispose", "mutation index %d is not fixed", idx))
	}
	c.free = append(c.free, idx)
	c.live--
}

// Substitutions returns a copy of all substitution records.
func (c *Catalog) Substitutions() []Substitution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Substitution, len(c.subs))
	copy(out, c.subs)
	return out
}

// RestoreSubstitution appends a substitution loaded from a snapshot.
func (c *Catalog) RestoreSubstitution(s Substitution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, s)
}
