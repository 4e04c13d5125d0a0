package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mutrun"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.RecordTally(10, false, time.Millisecond, nil)
	c.RecordTally(10, true, time.Microsecond, nil)
	c.RecordCollect(3, 2, 5, time.Millisecond, nil)
	c.RecordCollect(1, 1, 1, time.Millisecond, errors.New("boom"))
	c.RecordUnique(4, 1, time.Millisecond, nil)
	c.RecordResegment("split", 8, time.Millisecond, nil)
	c.RecordSnapshot("save", 1024, time.Millisecond, nil)
	c.RecordGeneration(mutrun.Stats{Generation: 7, Genomes: 100, LiveRuns: 40, Mutations: 12, MemoryBytes: 4096}, time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(c.tallyCached), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.passes.WithLabelValues("tally", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.passes.WithLabelValues("collect", "error")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.mutations.WithLabelValues("lost")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.mutations.WithLabelValues("fixed")), 0)
	assert.InDelta(t, 6, testutil.ToFloat64(c.runs.WithLabelValues("released")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(c.runs.WithLabelValues("repointed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.resegments.WithLabelValues("split")), 0)
	assert.InDelta(t, 1024, testutil.ToFloat64(c.snapshotIO.WithLabelValues("save")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(c.generation), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(c.liveRuns), 0)
	assert.InDelta(t, 4096, testutil.ToFloat64(c.memory), 0)
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	var are prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &are)
}

func TestCollector_WithEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	eng, err := mutrun.New(mutrun.WithMetricsCollector(c))
	require.NoError(t, err)
	require.NoError(t, eng.AddMutationType(mutrun.MutationType{ID: 1}))
	_, err = eng.AddChromosome(mutrun.ChromosomeConfig{ID: 1, Length: 100, SlotCount: 4})
	require.NoError(t, err)
	_, err = eng.NewGenome(1)
	require.NoError(t, err)

	_, err = eng.EndGeneration(t.Context())
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(c.generation), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.genomes), 0)
	n, err := testutil.GatherAndCount(reg, "mutrun_pass_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)
}
