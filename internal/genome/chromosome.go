package genome

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/mutrun"
	"github.com/hupe1980/mutrun/internal/resource"
)

// ErrInvalidConfig is returned for an unusable chromosome configuration.
var ErrInvalidConfig = errors.New("genome: invalid chromosome configuration")

// Config describes a chromosome.
type Config struct {
	ID     uint32
	Length int64
	// SlotCount is the initial number of windows.
	SlotCount int
	// WindowLength overrides the default window of ceil(Length/SlotCount),
	// as needed when restoring a layout produced by joins.
	WindowLength int64
	// Partitions is the number of run pools. Defaults to 1.
	Partitions int
	// Checks enables invariant checking on run edits.
	Checks bool
	// Resource accounts run memory. May be nil.
	Resource *resource.Controller
}

// Chromosome owns the configuration, the run pools and the genome registry of
// one chromosome.
type Chromosome struct {
	ID     uint32
	Length int64

	slotCount    int
	windowLength int64
	pools        *mutrun.Pools

	mu      sync.Mutex
	genomes []*Genome

	version atomic.Uint64
}

// NewChromosome validates cfg and creates an empty chromosome.
func NewChromosome(cfg Config) (*Chromosome, error) {
	if cfg.Length <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidConfig, cfg.Length)
	}
	if cfg.SlotCount <= 0 || int64(cfg.SlotCount) > cfg.Length {
		return nil, fmt.Errorf("%w: slot count %d for length %d", ErrInvalidConfig, cfg.SlotCount, cfg.Length)
	}
	window := (cfg.Length + int64(cfg.SlotCount) - 1) / int64(cfg.SlotCount)
	if cfg.WindowLength > 0 {
		if cfg.WindowLength < window {
			return nil, fmt.Errorf("%w: %d slots of %d do not cover length %d", ErrInvalidConfig, cfg.SlotCount, cfg.WindowLength, cfg.Length)
		}
		window = cfg.WindowLength
	}

	return &Chromosome{
		ID:           cfg.ID,
		Length:       cfg.Length,
		slotCount:    cfg.SlotCount,
		windowLength: window,
		pools:        mutrun.NewPools(cfg.Partitions, cfg.SlotCount, cfg.Resource, cfg.Checks),
	}, nil
}

// SlotCount returns the current number of slots.
func (c *Chromosome) SlotCount() int { return c.slotCount }

// WindowLength returns the current window length.
func (c *Chromosome) WindowLength() int64 { return c.windowLength }

// Pools returns the run pools of c.
func (c *Chromosome) Pools() *mutrun.Pools { return c.pools }

// SlotFor returns the slot holding position pos.
func (c *Chromosome) SlotFor(pos int64) int {
	return int(pos / c.windowLength)
}

// Version changes whenever any genome of c changes.
func (c *Chromosome) Version() uint64 { return c.version.Load() }

// Touch marks c as changed.
func (c *Chromosome) Touch() { c.version.Add(1) }

// SetLayout switches c to a new slot layout. Every registered genome must
// already have been migrated with CommitLayout.
func (c *Chromosome) SetLayout(slotCount int, windowLength int64) {
	c.slotCount = slotCount
	c.windowLength = windowLength
	c.pools.Resize(slotCount)
	c.Touch()
}

// NewGenome registers a genome with every slot set to the empty marker.
func (c *Chromosome) NewGenome() *Genome {
	g := &Genome{
		chrom:        c,
		slots:        make([]*mutrun.Run, c.slotCount),
		windowLength: c.windowLength,
	}
	c.register(g)
	return g
}

// NewNullGenome registers a genome without slots.
func (c *Chromosome) NewNullGenome() *Genome {
	g := &Genome{chrom: c}
	c.register(g)
	return g
}

func (c *Chromosome) register(g *Genome) {
	c.mu.Lock()
	g.id = len(c.genomes)
	c.genomes = append(c.genomes, g)
	c.mu.Unlock()
	c.Touch()
}

// Retire drops every reference held by g and removes it from the registry.
func (c *Chromosome) Retire(g *Genome) {
	if g.chrom != c || g.id < 0 {
		fault.Raise(fault.Protocolf("genome.Retire", "genome is not registered with chromosome %d", c.ID))
	}
	g.dropAll()
	g.slots = nil

	c.mu.Lock()
	last := len(c.genomes) - 1
	moved := c.genomes[last]
	c.genomes[g.id] = moved
	moved.id = g.id
	c.genomes[last] = nil
	c.genomes = c.genomes[:last]
	c.mu.Unlock()

	g.id = -1
	c.Touch()
}

// Genomes returns a snapshot of the registered genomes.
func (c *Chromosome) Genomes() []*Genome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Genome, len(c.genomes))
	copy(out, c.genomes)
	return out
}

// GenomeCount returns the number of registered genomes.
func (c *Chromosome) GenomeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.genomes)
}
