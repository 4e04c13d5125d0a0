package mutrun

import (
	"log/slog"

	"github.com/hupe1980/mutrun/blobstore"
	"github.com/hupe1980/mutrun/internal/snapshot"
)

// Compression selects the snapshot block codec.
type Compression = snapshot.Compression

const (
	CompressionNone = snapshot.CompressionNone
	CompressionLZ4  = snapshot.CompressionLZ4
	CompressionZSTD = snapshot.CompressionZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return snapshot.ParseCompression(s)
}

// ResegmentPolicy decides when EndGeneration splits or joins a chromosome.
// A chromosome is split when its mean run length exceeds MaxMeanRunLength and
// joined when it falls below MinMeanRunLength. Zero disables that direction.
type ResegmentPolicy struct {
	// Interval evaluates the policy every Interval generations. Zero disables it.
	Interval         int
	MaxMeanRunLength float64
	MinMeanRunLength float64
}

type options struct {
	partitions       int
	workers          int
	maxMutations     int
	memoryLimit      int64
	ioLimit          int64
	checks           bool
	uniqueInterval   int
	resegment        ResegmentPolicy
	store            blobstore.Store
	compression      Compression
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures an Engine.
type Option func(*options)

// WithPartitions sets the number of run pools per chromosome. Slots are
// mapped onto pools in contiguous ranges.
func WithPartitions(n int) Option {
	return func(o *options) {
		o.partitions = n
	}
}

// WithWorkers bounds the number of concurrent work items in a pass and the
// number of worker slots Reproduction.AcquireWorker hands out.
// If n <= 0, GOMAXPROCS is used.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMaxMutations caps the number of simultaneously allocated mutations.
// Exceeding it is a fatal capacity error.
func WithMaxMutations(n int) Option {
	return func(o *options) {
		o.maxMutations = n
	}
}

// WithMemoryLimit caps run storage in bytes. Exceeding it is a fatal capacity error.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithIOLimit throttles snapshot writes to bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithChecks enables invariant checking: exclusivity on every run edit, the
// tally checkback and an audit after every generation.
func WithChecks(enabled bool) Option {
	return func(o *options) {
		o.checks = enabled
	}
}

// WithUniqueInterval runs the uniquer every n generations. Zero disables it.
func WithUniqueInterval(n int) Option {
	return func(o *options) {
		o.uniqueInterval = n
	}
}

// WithResegmentPolicy enables automatic splits and joins.
func WithResegmentPolicy(p ResegmentPolicy) Option {
	return func(o *options) {
		o.resegment = p
	}
}

// WithStore configures the blob store used by Save and Load.
//
// Example:
//
//	eng, _ := mutrun.New(mutrun.WithStore(blobstore.NewLocalStore("./snapshots")))
func WithStore(s blobstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithCompression sets the snapshot block codec. Defaults to LZ4.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring passes.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &mutrun.BasicMetricsCollector{}
//	eng, _ := mutrun.New(mutrun.WithMetricsCollector(metrics))
//	// ... run generations ...
//	fmt.Println(metrics.GetStats().MutationsFixed)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(nil, level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(nil, level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		partitions:       1,
		uniqueInterval:   1,
		compression:      CompressionLZ4,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.partitions < 1 {
		o.partitions = 1
	}
	return o
}
