package mutrun

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// prommetrics package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordTally is called after each tally. cached reports a reused result.
	RecordTally(runs int, cached bool, duration time.Duration, err error)

	// RecordCollect is called after each collection.
	RecordCollect(lost, fixed, released int, duration time.Duration, err error)

	// RecordUnique is called after each uniquing pass.
	RecordUnique(repointed, released int, duration time.Duration, err error)

	// RecordResegment is called after each split or join. op is "split" or "join".
	RecordResegment(op string, created int, duration time.Duration, err error)

	// RecordSnapshot is called after each save or load. op is "save" or "load".
	RecordSnapshot(op string, bytes int64, duration time.Duration, err error)

	// RecordGeneration is called at the end of each generation.
	RecordGeneration(stats Stats, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordTally(int, bool, time.Duration, error)        {}
func (NoopMetricsCollector) RecordCollect(int, int, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordUnique(int, int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordResegment(string, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordSnapshot(string, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordGeneration(Stats, time.Duration)              {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	TallyCount      atomic.Int64
	TallyCached     atomic.Int64
	TallyErrors     atomic.Int64
	TallyTotalNanos atomic.Int64
	CollectCount    atomic.Int64
	CollectErrors   atomic.Int64
	MutationsLost   atomic.Int64
	MutationsFixed  atomic.Int64
	RunsReleased    atomic.Int64
	UniqueCount     atomic.Int64
	RunsRepointed   atomic.Int64
	SplitCount      atomic.Int64
	JoinCount       atomic.Int64
	ResegmentErrors atomic.Int64
	SnapshotSaves   atomic.Int64
	SnapshotLoads   atomic.Int64
	SnapshotErrors  atomic.Int64
	SnapshotBytes   atomic.Int64
	Generations     atomic.Int64
	GenerationNanos atomic.Int64
	LastLiveRuns    atomic.Int64
	LastMemoryBytes atomic.Int64
}

// RecordTally implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTally(_ int, cached bool, duration time.Duration, err error) {
	b.TallyCount.Add(1)
	b.TallyTotalNanos.Add(duration.Nanoseconds())
	if cached {
		b.TallyCached.Add(1)
	}
	if err != nil {
		b.TallyErrors.Add(1)
	}
}

// RecordCollect implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCollect(lost, fixed, released int, _ time.Duration, err error) {
	b.CollectCount.Add(1)
	if err != nil {
		b.CollectErrors.Add(1)
		return
	}
	b.MutationsLost.Add(int64(lost))
	b.MutationsFixed.Add(int64(fixed))
	b.RunsReleased.Add(int64(released))
}

// RecordUnique implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUnique(repointed, released int, _ time.Duration, err error) {
	b.UniqueCount.Add(1)
	if err != nil {
		return
	}
	b.RunsRepointed.Add(int64(repointed))
	b.RunsReleased.Add(int64(released))
}

// RecordResegment implements MetricsCollector.
func (b *BasicMetricsCollector) RecordResegment(op string, _ int, _ time.Duration, err error) {
	if err != nil {
		b.ResegmentErrors.Add(1)
		return
	}
	switch op {
	case "split":
		b.SplitCount.Add(1)
	case "join":
		b.JoinCount.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(op string, bytes int64, _ time.Duration, err error) {
	if err != nil {
		b.SnapshotErrors.Add(1)
		return
	}
	if op == "load" {
		b.SnapshotLoads.Add(1)
	} else {
		b.SnapshotSaves.Add(1)
	}
	b.SnapshotBytes.Add(bytes)
}

// RecordGeneration implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGeneration(stats Stats, duration time.Duration) {
	b.Generations.Add(1)
	b.GenerationNanos.Add(duration.Nanoseconds())
	b.LastLiveRuns.Store(int64(stats.LiveRuns))
	b.LastMemoryBytes.Store(stats.MemoryBytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		TallyCount:         b.TallyCount.Load(),
		TallyCached:        b.TallyCached.Load(),
		TallyErrors:        b.TallyErrors.Load(),
		TallyAvgNanos:      avg(b.TallyTotalNanos.Load(), b.TallyCount.Load()),
		CollectCount:       b.CollectCount.Load(),
		CollectErrors:      b.CollectErrors.Load(),
		MutationsLost:      b.MutationsLost.Load(),
		MutationsFixed:     b.MutationsFixed.Load(),
		RunsReleased:       b.RunsReleased.Load(),
		UniqueCount:        b.UniqueCount.Load(),
		RunsRepointed:      b.RunsRepointed.Load(),
		SplitCount:         b.SplitCount.Load(),
		JoinCount:          b.JoinCount.Load(),
		ResegmentErrors:    b.ResegmentErrors.Load(),
		SnapshotSaves:      b.SnapshotSaves.Load(),
		SnapshotLoads:      b.SnapshotLoads.Load(),
		SnapshotErrors:     b.SnapshotErrors.Load(),
		SnapshotBytes:      b.SnapshotBytes.Load(),
		Generations:        b.Generations.Load(),
		GenerationAvgNanos: avg(b.GenerationNanos.Load(), b.Generations.Load()),
		LastLiveRuns:       b.LastLiveRuns.Load(),
		LastMemoryBytes:    b.LastMemoryBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	TallyCount         int64
	TallyCached        int64
	TallyErrors        int64
	TallyAvgNanos      int64
	CollectCount       int64
	CollectErrors      int64
	MutationsLost      int64
	MutationsFixed     int64
	RunsReleased       int64
	UniqueCount        int64
	RunsRepointed      int64
	SplitCount         int64
	JoinCount          int64
	ResegmentErrors    int64
	SnapshotSaves      int64
	SnapshotLoads      int64
	SnapshotErrors     int64
	SnapshotBytes      int64
	Generations        int64
	GenerationAvgNanos int64
	LastLiveRuns       int64
	LastMemoryBytes    int64
}
