package snapshot

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/conv"
	"github.com/hupe1980/mutrun/internal/genome"
)

func newChromosome(id uint32, length int64, slotCount int, window int64) (*genome.Chromosome, error) {
	return genome.NewChromosome(genome.Config{ID: id, Length: length, SlotCount: slotCount, WindowLength: window, Checks: true})
}

type population struct {
	cat    *catalog.Catalog
	chroms []*genome.Chromosome
}

func buildPopulation(t *testing.T) population {
	t.Helper()
	cat := catalog.New(catalog.Config{})
	require.NoError(t, cat.AddType(catalog.MutationType{ID: 2, StackGroup: 2, StackPolicy: catalog.StackKeepLast, ConvertToSubstitution: true}))
	require.NoError(t, cat.AddType(catalog.MutationType{ID: 1}))

	ch, err := newChromosome(9, 1000, 4, 0)
	require.NoError(t, err)

	var idxs []catalog.Index
	for i, pos := range []int64{5, 40, 260, 261, 999} {
		idx, err := cat.Add(catalog.Mutation{Type: int32(1 + i%2), Chromosome: 9, Position: pos, Effect: float64(i) * 0.1, OriginGeneration: int64(i)})
		require.NoError(t, err)
		idxs = append(idxs, idx)
	}
	cat.RestoreSubstitution(catalog.Substitution{MutationID: 77, Type: 2, Chromosome: 9, Position: 3, OriginGeneration: 1, FixationGeneration: 8})

	a := ch.NewGenome()
	for _, idx := range idxs {
		a.WillModify(ch.SlotFor(cat.Position(idx))).InsertSorted(idx, cat)
	}
	b := ch.NewGenome()
	b.CopyFrom(a)
	b.WillModify(1).Truncate(1)
	ch.NewNullGenome()
	ch.NewGenome().WillModify(2)

	return population{cat: cat, chroms: []*genome.Chromosome{ch}}
}

func contents(chroms []*genome.Chromosome, cat *catalog.Catalog) [][]int64 {
	var out [][]int64
	for _, ch := range chroms {
		for _, g := range ch.Genomes() {
			var ids []int64
			for idx := range g.Mutations() {
				ids = append(ids, cat.Get(idx).ID)
			}
			out = append(out, ids)
		}
	}
	return out
}

func TestWriteRead_RoundTrip(t *testing.T) {
	pop := buildPopulation(t)
	snap := Capture(pop.cat, pop.chroms, 12)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := Write(&buf, snap, c)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)

			got, err := Read(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, snap, got)
		})
	}
}

func TestCapture_SharesKeysOfSharedRuns(t *testing.T) {
	pop := buildPopulation(t)
	snap := Capture(pop.cat, pop.chroms, 1)

	genomes := snap.Chromosomes[0].Genomes
	require.Len(t, genomes, 4)
	assert.True(t, genomes[2].Null)
	assert.Same(t, &genomes[0].Slots[0][0], &genomes[1].Slots[0][0])
	assert.Equal(t, Stats{Mutations: 5, Genomes: 4, Runs: 7}, snap.Stats())
	assert.NotNil(t, genomes[3].Slots[2], "empty run is not the empty marker")
	assert.Nil(t, genomes[3].Slots[0])
}

func TestRestore(t *testing.T) {
	pop := buildPopulation(t)
	snap := Capture(pop.cat, pop.chroms, 3)

	var buf bytes.Buffer
	_, err := Write(&buf, snap, CompressionZSTD)
	require.NoError(t, err)
	decoded, err := Read(buf.Bytes())
	require.NoError(t, err)

	cat := catalog.New(catalog.Config{})
	chroms, err := Restore(decoded, cat, newChromosome)
	require.NoError(t, err)

	assert.Equal(t, contents(pop.chroms, pop.cat), contents(chroms, cat))
	assert.Equal(t, pop.cat.Substitutions(), cat.Substitutions())
	assert.Equal(t, pop.cat.ActiveCount(), cat.ActiveCount())
	mt, ok := cat.Type(2)
	require.True(t, ok)
	assert.Equal(t, catalog.StackKeepLast, mt.StackPolicy)

	// Runs are unshared after a restore.
	gs := chroms[0].Genomes()
	assert.NotSame(t, gs[0].Run(0), gs[1].Run(0))
	assert.Equal(t, int32(1), gs[0].Run(0).Refs())

	// New mutations continue the id sequence.
	idx, err := cat.Add(catalog.Mutation{Type: 1, Chromosome: 9, Position: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(6), cat.Get(idx).ID)
}

func TestRestore_RejectsLayoutMismatch(t *testing.T) {
	pop := buildPopulation(t)
	snap := Capture(pop.cat, pop.chroms, 3)
	snap.Chromosomes[0].Genomes[0].Slots = snap.Chromosomes[0].Genomes[0].Slots[:3]

	_, err := Restore(snap, catalog.New(catalog.Config{}), newChromosome)
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	snap = Capture(pop.cat, pop.chroms, 3)
	snap.Chromosomes[0].Genomes[1].WindowLength = 125
	assert.ErrorIs(t, snap.Validate(), ErrLayoutMismatch)

	snap = Capture(pop.cat, pop.chroms, 3)
	snap.Mutations = slices.Delete(snap.Mutations, 0, 1)
	assert.ErrorIs(t, snap.Validate(), ErrFormat)
}

func TestRead_Corruption(t *testing.T) {
	pop := buildPopulation(t)
	var buf bytes.Buffer
	_, err := Write(&buf, Capture(pop.cat, pop.chroms, 1), CompressionLZ4)
	require.NoError(t, err)
	good := buf.Bytes()

	corrupt := func(fn func(b []byte) []byte) []byte {
		return fn(slices.Clone(good))
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:10], ErrFormat},
		{"magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b }), ErrFormat},
		{"version", corrupt(func(b []byte) []byte { b[4] = 9; return b }), ErrVersion},
		{"truncated body", good[:len(good)-1], ErrFormat},
		{"flipped bit", corrupt(func(b []byte) []byte { b[len(b)-1] ^= 0x40; return b }), ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("brotli")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestBlockWriter_ManyBlocks(t *testing.T) {
	raw := bytes.Repeat([]byte("mutation-run "), 10000)
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		var body bytes.Buffer
		bw := newBlockWriter(&body, c, 4096)
		_, err := bw.Write(raw)
		require.NoError(t, err)
		require.NoError(t, bw.flushBlock())

		got, err := decompressAll(body.Bytes(), c)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
}

func TestDecoder_RejectsOverflow(t *testing.T) {
	d := &decoder{buf: binary.AppendUvarint(nil, math.MaxUint32+1)}
	assert.Zero(t, d.u32("run entry"))
	require.ErrorIs(t, d.err, ErrFormat)
	assert.ErrorIs(t, d.err, conv.ErrOverflow)

	d = &decoder{buf: binary.AppendVarint(nil, math.MinInt32-1)}
	d.i32("type id")
	require.ErrorIs(t, d.err, conv.ErrOverflow)
}

func TestWriteRead_SingleEntryRuns(t *testing.T) {
	snap := &Snapshot{
		Generation: 4,
		Types:      []catalog.MutationType{{ID: 1}},
		Mutations: []Mutation{
			{Key: 5, Mutation: catalog.Mutation{ID: 1, Type: 1, Chromosome: 1, Position: 3}},
		},
		Chromosomes: []Chromosome{{
			ID: 1, Length: 100, SlotCount: 2, WindowLength: 50,
			Genomes: []Genome{
				{WindowLength: 50, Slots: [][]uint32{{5}, nil}},
				{WindowLength: 50, Slots: [][]uint32{nil, nil}},
			},
		}},
	}
	require.NoError(t, snap.Validate())

	var buf bytes.Buffer
	_, err := Write(&buf, snap, CompressionNone)
	require.NoError(t, err)

	got, err := Read(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, snap.Chromosomes, got.Chromosomes)
	assert.Equal(t, snap.Mutations, got.Mutations)
}

func TestValidate_RejectsMisplacedMutations(t *testing.T) {
	pop := buildPopulation(t)

	// Slot 0 covers [0, 250); the first key sits at position 5.
	snap := Capture(pop.cat, pop.chroms, 3)
	snap.Mutations[0].Position = 600
	err := snap.Validate()
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "outside")

	snap = Capture(pop.cat, pop.chroms, 3)
	snap.Mutations[0].Chromosome = 4
	err = snap.Validate()
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "of chromosome 4")

	_, err = Restore(snap, catalog.New(catalog.Config{}), newChromosome)
	assert.ErrorIs(t, err, ErrFormat)
}
