// Package prommetrics implements mutrun.MetricsCollector with Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, _ := prommetrics.New(reg)
//	eng, _ := mutrun.New(mutrun.WithMetricsCollector(mc))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/mutrun"
)

const namespace = "mutrun"

// Collector exports pass latencies, collection outcomes and population gauges.
type Collector struct {
	passLatency *prometheus.HistogramVec
	passes      *prometheus.CounterVec
	tallyCached prometheus.Counter
	mutations   *prometheus.CounterVec
	runs        *prometheus.CounterVec
	resegments  *prometheus.CounterVec
	snapshotIO  *prometheus.CounterVec

	generation  prometheus.Gauge
	genomes     prometheus.Gauge
	liveRuns    prometheus.Gauge
	idleRuns    prometheus.Gauge
	segregating prometheus.Gauge
	memory      prometheus.Gauge
}

var _ mutrun.MetricsCollector = (*Collector)(nil)

// New creates a collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		passLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Latency of engine passes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"pass", "status"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Total engine passes",
		}, []string{"pass", "status"}),
		tallyCached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tally_cache_hits_total",
			Help:      "Tallies answered from the tally cache",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_collected_total",
			Help:      "Mutations removed by collection",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs released or repointed by passes",
		}, []string{"event"}),
		resegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resegments_total",
			Help:      "Chromosome splits and joins",
		}, []string{"op"}),
		snapshotIO: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_total",
			Help:      "Snapshot bytes written and read",
		}, []string{"op"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Current generation",
		}),
		genomes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "genomes",
			Help:      "Registered genomes",
		}),
		liveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_runs",
			Help:      "Runs checked out of their pools",
		}),
		idleRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_runs",
			Help:      "Released runs kept for reuse",
		}),
		segregating: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segregating_mutations",
			Help:      "Mutations in the active registry",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_memory_bytes",
			Help:      "Bytes charged for run storage",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.passLatency, c.passes, c.tallyCached, c.mutations, c.runs, c.resegments, c.snapshotIO,
		c.generation, c.genomes, c.liveRuns, c.idleRuns, c.segregating, c.memory,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) observe(pass string, d time.Duration, err error) {
	s := status(err)
	c.passLatency.WithLabelValues(pass, s).Observe(d.Seconds())
	c.passes.WithLabelValues(pass, s).Inc()
}

// RecordTally implements mutrun.MetricsCollector.
func (c *Collector) RecordTally(_ int, cached bool, d time.Duration, err error) {
	c.observe("tally", d, err)
	if cached {
		c.tallyCached.Inc()
	}
}

// RecordCollect implements mutrun.MetricsCollector.
func (c *Collector) RecordCollect(lost, fixed, released int, d time.Duration, err error) {
	c.observe("collect", d, err)
	if err != nil {
		return
	}
	c.mutations.WithLabelValues("lost").Add(float64(lost))
	c.mutations.WithLabelValues("fixed").Add(float64(fixed))
	c.runs.WithLabelValues("released").Add(float64(released))
}

// RecordUnique implements mutrun.MetricsCollector.
func (c *Collector) RecordUnique(repointed, released int, d time.Duration, err error) {
	c.observe("unique", d, err)
	if err != nil {
		return
	}
	c.runs.WithLabelValues("repointed").Add(float64(repointed))
	c.runs.WithLabelValues("released").Add(float64(released))
}

// RecordResegment implements mutrun.MetricsCollector.
func (c *Collector) RecordResegment(op string, _ int, d time.Duration, err error) {
	c.observe(op, d, err)
	if err == nil {
		c.resegments.WithLabelValues(op).Inc()
	}
}

// RecordSnapshot implements mutrun.MetricsCollector.
func (c *Collector) RecordSnapshot(op string, bytes int64, d time.Duration, err error) {
	c.observe("snapshot_"+op, d, err)
	if err == nil {
		c.snapshotIO.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordGeneration implements mutrun.MetricsCollector.
func (c *Collector) RecordGeneration(st mutrun.Stats, d time.Duration) {
	c.observe("generation", d, nil)
	c.generation.Set(float64(st.Generation))
	c.genomes.Set(float64(st.Genomes))
	c.liveRuns.Set(float64(st.LiveRuns))
	c.idleRuns.Set(float64(st.IdleRuns))
	c.segregating.Set(float64(st.Mutations))
	c.memory.Set(float64(st.MemoryBytes))
}
