package mutrun

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun/blobstore"
)

const testChrom = 1

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(append([]Option{WithChecks(true)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, eng.AddMutationType(MutationType{ID: 1, ConvertToSubstitution: true}))
	require.NoError(t, eng.AddMutationType(MutationType{ID: 2, StackGroup: 7, StackPolicy: StackKeepLast}))
	_, err = eng.AddChromosome(ChromosomeConfig{ID: testChrom, Length: 1000, SlotCount: 10})
	require.NoError(t, err)
	return eng
}

func newGenomes(t *testing.T, eng *Engine, n int) []*Genome {
	t.Helper()
	out := make([]*Genome, n)
	for i := range out {
		g, err := eng.NewGenome(testChrom)
		require.NoError(t, err)
		out[i] = g
	}
	return out
}

func newMutations(t *testing.T, eng *Engine, typ int32, positions ...int64) []Index {
	t.Helper()
	out := make([]Index, len(positions))
	for i, pos := range positions {
		idx, err := eng.NewMutation(Mutation{Type: typ, Chromosome: testChrom, Position: pos, Effect: 0.01})
		require.NoError(t, err)
		out[i] = idx
	}
	return out
}

func contents(g *Genome) []Index {
	return slices.Collect(g.Mutations())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithMaxMutations(-1))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(WithResegmentPolicy(ResegmentPolicy{Interval: 1, MinMeanRunLength: 5, MaxMeanRunLength: 8}))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_Chromosomes(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.AddChromosome(ChromosomeConfig{ID: testChrom, Length: 10, SlotCount: 1})
	var exists *ErrChromosomeExists
	require.ErrorAs(t, err, &exists)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eng.AddChromosome(ChromosomeConfig{ID: 0, Length: 10, SlotCount: 20})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eng.AddChromosome(ChromosomeConfig{ID: 0, Length: 10, SlotCount: 2})
	require.NoError(t, err)

	ids := make([]uint32, 0, 2)
	for _, ch := range eng.Chromosomes() {
		ids = append(ids, ch.ID)
	}
	assert.Equal(t, []uint32{0, testChrom}, ids)

	_, err = eng.NewGenome(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_NewMutation(t *testing.T) {
	eng := newTestEngine(t)

	idx, err := eng.NewMutation(Mutation{Type: 1, Chromosome: testChrom, Position: 10})
	require.NoError(t, err)
	m := eng.Mutation(idx)
	assert.Equal(t, int64(1), m.OriginGeneration)
	assert.Equal(t, int64(10), eng.Position(idx))
	assert.True(t, eng.IsNeutral(idx))

	_, err = eng.NewMutation(Mutation{Type: 1, Chromosome: testChrom, Position: 1000})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eng.NewMutation(Mutation{Type: 99, Chromosome: testChrom, Position: 1})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = eng.NewMutation(Mutation{Type: 1, Chromosome: 5, Position: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

// addOneByOne applies muts to each genome separately, without a coordinator.
func addOneByOne(t *testing.T, eng *Engine, genomes []*Genome, muts []Index) {
	t.Helper()
	require.NoError(t, eng.Reproduce(t.Context(), func(*Reproduction) error {
		for _, g := range genomes {
			for _, idx := range muts {
				slot := g.Chromosome().SlotFor(eng.Position(idx))
				r := g.WillModify(slot)
				if r.EnforceStackPolicy(idx, eng) {
					r.InsertSortedIfUnique(idx, eng)
				}
			}
		}
		return nil
	}))
}

func TestEngine_BulkAddEquivalence(t *testing.T) {
	tests := []struct {
		name    string
		genomes int
		sources int
	}{
		{"none", 0, 1},
		{"one", 1, 1},
		{"many sharing one source", 8, 1},
		{"many sharing multiple sources", 9, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			build := func(eng *Engine) []*Genome {
				seeds := newMutations(t, eng, 1, 15, 115, 215)
				sources := newGenomes(t, eng, tt.sources)
				for i, src := range sources {
					require.NoError(t, eng.BulkAddMutations(t.Context(), []*Genome{src}, seeds[:i+1]))
				}
				genomes := newGenomes(t, eng, tt.genomes)
				for i, g := range genomes {
					g.CopyFrom(sources[i%len(sources)])
				}
				return genomes
			}

			bulkEng := newTestEngine(t)
			bulkGenomes := build(bulkEng)
			add := newMutations(t, bulkEng, 1, 10, 20, 515)
			require.NoError(t, bulkEng.BulkAddMutations(t.Context(), bulkGenomes, add))

			refEng := newTestEngine(t)
			refGenomes := build(refEng)
			addOneByOne(t, refEng, refGenomes, newMutations(t, refEng, 1, 10, 20, 515))

			for i := range bulkGenomes {
				assert.Equal(t, contents(refGenomes[i]), contents(bulkGenomes[i]), "genome %d", i)
			}

			// Genomes that shared a source still share one run per slot.
			if tt.genomes > tt.sources {
				assert.Same(t, bulkGenomes[0].Run(0), bulkGenomes[tt.sources].Run(0))
			}
			_, err := bulkEng.Audit(t.Context())
			require.NoError(t, err)
		})
	}
}

func TestEngine_BulkAddStackPolicy(t *testing.T) {
	eng := newTestEngine(t)
	genomes := newGenomes(t, eng, 2)

	first := newMutations(t, eng, 2, 50)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, first))
	second := newMutations(t, eng, 2, 50)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, second))

	for _, g := range genomes {
		assert.Equal(t, second, contents(g))
	}
}

func TestEngine_BulkRemove(t *testing.T) {
	eng := newTestEngine(t)
	genomes := newGenomes(t, eng, 4)
	muts := newMutations(t, eng, 1, 5, 6, 305)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes[:3], muts))

	require.NoError(t, eng.BulkRemoveMutations(t.Context(), genomes, muts[1:2]))

	want := []Index{muts[0], muts[2]}
	for _, g := range genomes[:3] {
		assert.Equal(t, want, contents(g))
	}
	assert.Same(t, genomes[0].Run(0), genomes[2].Run(0))
	assert.Nil(t, genomes[3].Run(0))
}

func TestEngine_BulkValidation(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.AddChromosome(ChromosomeConfig{ID: 2, Length: 100, SlotCount: 1})
	require.NoError(t, err)

	g1 := newGenomes(t, eng, 1)[0]
	g2, err := eng.NewGenome(2)
	require.NoError(t, err)
	muts := newMutations(t, eng, 1, 5)

	err = eng.BulkAddMutations(t.Context(), []*Genome{g1, g2}, muts)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = eng.BulkAddMutations(t.Context(), []*Genome{g2}, muts)
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, eng.BulkAddMutations(t.Context(), nil, muts))
	require.NoError(t, eng.Err())
}

func TestEngine_BulkOnNullGenomeFails(t *testing.T) {
	eng := newTestEngine(t)
	null, err := eng.NewNullGenome(testChrom)
	require.NoError(t, err)

	err = eng.BulkAddMutations(t.Context(), []*Genome{null}, newMutations(t, eng, 1, 5))
	require.ErrorIs(t, err, ErrProtocol)

	_, err = eng.Tally(t.Context())
	require.ErrorIs(t, err, ErrFailed)
	require.ErrorIs(t, err, ErrProtocol)
	assert.True(t, eng.Stats().Failed)
}

func TestEngine_SharedEditFailsEngine(t *testing.T) {
	var buf bytes.Buffer
	eng := newTestEngine(t, WithLogger(NewJSONLogger(&buf, slog.LevelDebug)))
	genomes := newGenomes(t, eng, 2)
	muts := newMutations(t, eng, 1, 5, 6)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, muts[:1]))

	err := eng.Reproduce(t.Context(), func(*Reproduction) error {
		genomes[0].Run(0).Append(muts[1])
		return nil
	})
	require.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "referenced by 2 genomes")

	_, err = eng.NewGenome(testChrom)
	require.ErrorIs(t, err, ErrFailed)

	var entry map[string]any
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	assert.Equal(t, "engine failed", entry["msg"])
	assert.Equal(t, "Reproduce", entry["op"])
}

func TestEngine_CapacityFailsEngine(t *testing.T) {
	eng := newTestEngine(t, WithMaxMutations(2))
	newMutations(t, eng, 1, 1, 2)

	_, err := eng.NewMutation(Mutation{Type: 1, Chromosome: testChrom, Position: 3})
	require.ErrorIs(t, err, ErrCapacity)
	require.ErrorIs(t, eng.Err(), ErrCapacity)
}

func TestEngine_ReproductionWorkerBudget(t *testing.T) {
	eng := newTestEngine(t, WithWorkers(1))

	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- eng.Reproduce(t.Context(), func(rp *Reproduction) error {
			if err := rp.AcquireWorker(t.Context()); err != nil {
				return err
			}
			defer rp.ReleaseWorker()
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// A concurrent Reproduce call shares the single slot.
	require.NoError(t, eng.Reproduce(t.Context(), func(rp *Reproduction) error {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rp.AcquireWorker(ctx), context.DeadlineExceeded)
		return nil
	}))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, eng.Reproduce(t.Context(), func(rp *Reproduction) error {
		if err := rp.AcquireWorker(t.Context()); err != nil {
			return err
		}
		rp.ReleaseWorker()
		return nil
	}))
}

func TestEngine_EndGeneration(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	eng := newTestEngine(t, WithMetricsCollector(metrics))
	genomes := newGenomes(t, eng, 4)

	muts := newMutations(t, eng, 1, 10, 20, 30)
	fixed, partial := muts[0], muts[1]
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, []Index{fixed}))
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes[:2], []Index{partial}))

	rep, err := eng.EndGeneration(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Generation)
	assert.Equal(t, 1, rep.Fixed)
	assert.Equal(t, 1, rep.Lost)
	require.Len(t, rep.Substitutions, 1)
	assert.Equal(t, int64(1), rep.Substitutions[0].FixationGeneration)
	assert.Equal(t, int64(2), eng.Generation())

	for i, g := range genomes {
		if i < 2 {
			assert.Equal(t, []Index{partial}, contents(g))
		} else {
			assert.Empty(t, contents(g))
		}
	}

	st := eng.Stats()
	assert.Equal(t, 1, st.Mutations)
	assert.Equal(t, 1, st.Substitutions)
	assert.Equal(t, 4, st.Genomes)

	ms := metrics.GetStats()
	assert.Equal(t, int64(1), ms.Generations)
	assert.Equal(t, int64(1), ms.MutationsFixed)
	assert.Equal(t, int64(1), ms.MutationsLost)
}

func TestEngine_ExemptBlocksFixation(t *testing.T) {
	eng := newTestEngine(t)
	genomes := newGenomes(t, eng, 3)
	muts := newMutations(t, eng, 1, 10)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, muts))

	_, err := eng.Tally(t.Context())
	require.NoError(t, err)
	eng.SetExempt(muts)
	res, err := eng.Tally(t.Context())
	require.NoError(t, err)
	assert.False(t, res.Cached)

	rep, err := eng.EndGeneration(t.Context())
	require.NoError(t, err)
	assert.Zero(t, rep.Fixed)
	assert.Equal(t, muts, contents(genomes[0]))
}

func TestEngine_TallyCache(t *testing.T) {
	eng := newTestEngine(t)
	genomes := newGenomes(t, eng, 2)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes, newMutations(t, eng, 1, 10)))

	res, err := eng.Tally(t.Context())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, res.Denominators[testChrom])

	res, err = eng.Tally(t.Context())
	require.NoError(t, err)
	assert.True(t, res.Cached)

	require.NoError(t, eng.SetConvertToSubstitution(1, false))
	res, err = eng.Tally(t.Context())
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestEngine_SplitJoin(t *testing.T) {
	eng := newTestEngine(t)
	genomes := newGenomes(t, eng, 3)
	muts := newMutations(t, eng, 1, 10, 60, 110, 999)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes[:2], muts))
	before := contents(genomes[0])

	st, err := eng.Split(t.Context(), testChrom)
	require.NoError(t, err)
	assert.Equal(t, 20, st.SlotCount)
	assert.Equal(t, before, contents(genomes[0]))
	assert.Same(t, genomes[0].Run(1), genomes[1].Run(1))

	st, err = eng.Join(t.Context(), testChrom)
	require.NoError(t, err)
	assert.Equal(t, 10, st.SlotCount)
	assert.Equal(t, before, contents(genomes[1]))

	_, err = eng.Audit(t.Context())
	require.NoError(t, err)

	_, err = eng.Split(t.Context(), 77)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_ResegmentPolicy(t *testing.T) {
	eng := newTestEngine(t, WithResegmentPolicy(ResegmentPolicy{Interval: 1, MaxMeanRunLength: 2}))
	genomes := newGenomes(t, eng, 2)
	require.NoError(t, eng.BulkAddMutations(t.Context(), genomes[:1], newMutations(t, eng, 1, 1, 2, 3, 4)))

	rep, err := eng.EndGeneration(t.Context())
	require.NoError(t, err)
	require.Len(t, rep.Splits, 1)
	ch, ok := eng.Chromosome(testChrom)
	require.True(t, ok)
	assert.Equal(t, 20, ch.SlotCount())
}

func TestEngine_Unique(t *testing.T) {
	eng := newTestEngine(t, WithUniqueInterval(0))
	genomes := newGenomes(t, eng, 3)
	muts := newMutations(t, eng, 1, 10)
	for _, g := range genomes {
		require.NoError(t, eng.BulkAddMutations(t.Context(), []*Genome{g}, muts))
	}
	assert.NotSame(t, genomes[0].Run(0), genomes[1].Run(0))

	st, err := eng.Unique(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Repointed)
	assert.Same(t, genomes[0].Run(0), genomes[2].Run(0))

	st, err = eng.Unique(t.Context())
	require.NoError(t, err)
	assert.Zero(t, st.Repointed)
}

func TestEngine_SaveLoad(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			store := blobstore.NewMemoryStore()
			eng := newTestEngine(t, WithStore(store), WithCompression(c))
			genomes := newGenomes(t, eng, 3)
			_, err := eng.NewNullGenome(testChrom)
			require.NoError(t, err)
			muts := newMutations(t, eng, 1, 10, 510)
			require.NoError(t, eng.BulkAddMutations(t.Context(), genomes[:2], muts))
			_, err = eng.EndGeneration(t.Context())
			require.NoError(t, err)

			name, err := eng.Save(t.Context(), "")
			require.NoError(t, err)
			assert.Contains(t, name, "gen-00000002")

			restored := newTestEngineNoSetup(t, WithStore(store))
			require.NoError(t, restored.Load(t.Context(), ""))
			st := restored.Stats()
			assert.Equal(t, int64(2), st.Generation)
			assert.Equal(t, 4, st.Genomes)
			assert.Equal(t, 1, st.NullGenomes)
			assert.Equal(t, 2, st.Mutations)

			ch, ok := restored.Chromosome(testChrom)
			require.True(t, ok)
			var carriers []*Genome
			for _, g := range ch.Genomes() {
				if !g.IsNull() && g.MutationCount() > 0 {
					carriers = append(carriers, g)
				}
			}
			require.Len(t, carriers, 2)
			assert.Same(t, carriers[0].Run(0), carriers[1].Run(0))

			_, err = restored.Audit(t.Context())
			require.NoError(t, err)
		})
	}
}

func newTestEngineNoSetup(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(append([]Option{WithChecks(true)}, opts...)...)
	require.NoError(t, err)
	return eng
}

func TestEngine_LoadErrors(t *testing.T) {
	eng := newTestEngineNoSetup(t)
	require.ErrorIs(t, eng.Load(t.Context(), ""), ErrNoStore)
	_, err := eng.Save(t.Context(), "")
	require.ErrorIs(t, err, ErrNoStore)

	store := blobstore.NewMemoryStore()
	eng = newTestEngineNoSetup(t, WithStore(store))
	require.ErrorIs(t, eng.Load(t.Context(), ""), ErrNotFound)

	require.NoError(t, store.Put(context.Background(), "bad", []byte("not a snapshot")))
	require.ErrorIs(t, eng.Load(t.Context(), "bad"), ErrFormat)
	require.NoError(t, eng.Err())
}
