// Package snapshot serializes a population to a self-contained binary
// snapshot and restores it.
//
// A snapshot lists, per genome, the ordered mutation indices of every slot.
// Run sharing is not recorded: restoring builds one run per genome slot and
// the caller is expected to run the uniquer afterward to share them again.
//
// # Format
//
//	magic   [4]byte  "MRUN"
//	version uint16
//	codec   uint8    Compression
//	_       uint8
//	crc     uint32   CRC32C of body
//	length  uint64   length of body
//	body    blocks   [raw uint32][stored uint32][data]...
//
// All integers are little endian; the uncompressed body uses varints.
package snapshot

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
)

var (
	// ErrFormat is returned for malformed snapshots.
	ErrFormat = errors.New("snapshot: malformed snapshot")
	// ErrChecksum is returned when the body checksum does not match.
	ErrChecksum = errors.New("snapshot: checksum mismatch")
	// ErrVersion is returned for snapshots written by an unknown format version.
	ErrVersion = errors.New("snapshot: unsupported version")
	// ErrLayoutMismatch is returned when a genome does not match its
	// chromosome's declared slot layout.
	ErrLayoutMismatch = errors.New("snapshot: genome layout does not match chromosome")
)

// Mutation is a catalog record tagged with its snapshot-local key.
type Mutation struct {
	Key uint32
	catalog.Mutation
}

// Genome is one serialized genome. Slots holds snapshot-local mutation keys
// per slot; a nil slot is the empty marker. Null genomes have no slots.
type Genome struct {
	Null         bool
	WindowLength int64
	Slots        [][]uint32
}

// Chromosome is one serialized chromosome with its genomes.
type Chromosome struct {
	ID           uint32
	Length       int64
	SlotCount    int
	WindowLength int64
	Genomes      []Genome
}

// Snapshot is the decoded content of a snapshot.
type Snapshot struct {
	Generation    int64
	Types         []catalog.MutationType
	Mutations     []Mutation
	Substitutions []catalog.Substitution
	Chromosomes   []Chromosome
}

// Stats summarizes a snapshot's content.
type Stats struct {
	Mutations int
	Genomes   int
	Runs      int
}

// Stats counts the content of s.
func (s *Snapshot) Stats() Stats {
	st := Stats{Mutations: len(s.Mutations)}
	for _, ch := range s.Chromosomes {
		st.Genomes += len(ch.Genomes)
		for _, g := range ch.Genomes {
			for _, slot := range g.Slots {
				if slot != nil {
					st.Runs++
				}
			}
		}
	}
	return st
}

// Capture copies the state of cat and chroms into a Snapshot. Runs shared
// between genomes share their key slice in the result.
func Capture(cat *catalog.Catalog, chroms []*genome.Chromosome, generation int64) *Snapshot {
	s := &Snapshot{
		Generation:    generation,
		Types:         cat.Types(),
		Substitutions: cat.Substitutions(),
	}
	slices.SortFunc(s.Types, func(a, b catalog.MutationType) int { return cmp.Compare(a.ID, b.ID) })

	it := cat.Registry().Iterator()
	for it.HasNext() {
		idx := it.Next()
		s.Mutations = append(s.Mutations, Mutation{Key: idx, Mutation: cat.Get(catalog.Index(idx))})
	}

	for _, ch := range chroms {
		sc := Chromosome{
			ID:           ch.ID,
			Length:       ch.Length,
			SlotCount:    ch.SlotCount(),
			WindowLength: ch.WindowLength(),
		}
		keys := make(map[*mutrun.Run][]uint32)
		for _, g := range ch.Genomes() {
			if g.IsNull() {
				sc.Genomes = append(sc.Genomes, Genome{Null: true})
				continue
			}
			sg := Genome{WindowLength: g.WindowLength(), Slots: make([][]uint32, g.SlotCount())}
			for i, r := range g.Slots() {
				if r == nil {
					continue
				}
				k, ok := keys[r]
				if !ok {
					k = make([]uint32, r.Len())
					for j, idx := range r.Indices() {
						k[j] = uint32(idx)
					}
					keys[r] = k
				}
				sg.Slots[i] = k
			}
			sc.Genomes = append(sc.Genomes, sg)
		}
		s.Chromosomes = append(s.Chromosomes, sc)
	}
	return s
}

// Validate checks that every non-null genome matches its chromosome's
// declared layout and that every slot references known mutations of that
// chromosome positioned inside the slot's window.
func (s *Snapshot) Validate() error {
	known := make(map[uint32]*catalog.Mutation, len(s.Mutations))
	for i := range s.Mutations {
		known[s.Mutations[i].Key] = &s.Mutations[i].Mutation
	}
	for _, ch := range s.Chromosomes {
		for gi, g := range ch.Genomes {
			if g.Null {
				continue
			}
			if len(g.Slots) != ch.SlotCount || g.WindowLength != ch.WindowLength {
				return fmt.Errorf("%w: chromosome %d genome %d has %d slots of %d, want %d of %d",
					ErrLayoutMismatch, ch.ID, gi, len(g.Slots), g.WindowLength, ch.SlotCount, ch.WindowLength)
			}
			for slot, keys := range g.Slots {
				lo := int64(slot) * ch.WindowLength
				hi := lo + ch.WindowLength
				for _, k := range keys {
					m, ok := known[k]
					if !ok {
						return fmt.Errorf("%w: chromosome %d genome %d references unknown mutation %d", ErrFormat, ch.ID, gi, k)
					}
					if m.Chromosome != ch.ID {
						return fmt.Errorf("%w: chromosome %d genome %d references mutation %d of chromosome %d",
							ErrFormat, ch.ID, gi, k, m.Chromosome)
					}
					if m.Position < lo || m.Position >= hi {
						return fmt.Errorf("%w: chromosome %d genome %d slot %d holds mutation %d at %d outside [%d, %d)",
							ErrFormat, ch.ID, gi, slot, k, m.Position, lo, hi)
					}
				}
			}
		}
	}
	return nil
}

// ChromosomeFactory creates an empty chromosome with the given layout.
type ChromosomeFactory func(id uint32, length int64, slotCount int, windowLength int64) (*genome.Chromosome, error)

// Restore loads s into an empty catalog and returns the rebuilt chromosomes.
// Every genome slot receives its own run.
func Restore(s *Snapshot, cat *catalog.Catalog, newChromosome ChromosomeFactory) ([]*genome.Chromosome, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	for _, mt := range s.Types {
		if err := cat.AddType(mt); err != nil {
			return nil, err
		}
	}

	remap := make(map[uint32]catalog.Index, len(s.Mutations))
	for _, m := range s.Mutations {
		idx, err := cat.Restore(m.Mutation)
		if err != nil {
			return nil, err
		}
		remap[m.Key] = idx
	}
	for _, sub := range s.Substitutions {
		cat.RestoreSubstitution(sub)
	}

	chroms := make([]*genome.Chromosome, 0, len(s.Chromosomes))
	buf := make([]catalog.Index, 0, 64)
	for _, sc := range s.Chromosomes {
		ch, err := newChromosome(sc.ID, sc.Length, sc.SlotCount, sc.WindowLength)
		if err != nil {
			return nil, err
		}
		for _, sg := range sc.Genomes {
			if sg.Null {
				ch.NewNullGenome()
				continue
			}
			g := ch.NewGenome()
			for slot, keys := range sg.Slots {
				if keys == nil {
					continue
				}
				buf = buf[:0]
				for _, k := range keys {
					buf = append(buf, remap[k])
				}
				g.WillCreate(slot).AppendSlice(buf)
			}
		}
		chroms = append(chroms, ch)
	}
	return chroms, nil
}
