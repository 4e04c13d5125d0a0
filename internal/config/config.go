// Package config loads the mutrun CLI configuration from a YAML file,
// MUTRUN_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
)

// Config is the top-level configuration.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// EngineConfig holds storage engine knobs.
type EngineConfig struct {
	Partitions     int             `mapstructure:"partitions"`
	Workers        int             `mapstructure:"workers"`
	MaxMutations   int             `mapstructure:"max_mutations"`
	MemoryLimit    string          `mapstructure:"memory_limit"`
	IOLimit        string          `mapstructure:"io_limit"`
	Checks         bool            `mapstructure:"checks"`
	UniqueInterval int             `mapstructure:"unique_interval"`
	Resegment      ResegmentConfig `mapstructure:"resegment"`
}

// ResegmentConfig holds the automatic split/join policy.
type ResegmentConfig struct {
	Interval         int     `mapstructure:"interval"`
	MaxMeanRunLength float64 `mapstructure:"max_mean_run_length"`
	MinMeanRunLength float64 `mapstructure:"min_mean_run_length"`
}

// SimulationConfig holds the toy Wright-Fisher model.
type SimulationConfig struct {
	Seed              uint64  `mapstructure:"seed"`
	Population        int     `mapstructure:"population"`
	Generations       int     `mapstructure:"generations"`
	ChromosomeLength  int64   `mapstructure:"chromosome_length"`
	SlotCount         int     `mapstructure:"slot_count"`
	MutationRate      float64 `mapstructure:"mutation_rate"`
	RecombinationRate float64 `mapstructure:"recombination_rate"`
	SelectedFraction  float64 `mapstructure:"selected_fraction"`
	EffectScale       float64 `mapstructure:"effect_scale"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	// Kind is one of memory, local, s3, s3-dynamodb or minio.
	Kind        string `mapstructure:"kind"`
	Path        string `mapstructure:"path"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	Table       string `mapstructure:"table"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Secure      bool   `mapstructure:"secure"`
	Compression string `mapstructure:"compression"`
	// SaveEvery saves a snapshot every SaveEvery generations. Zero saves only at the end.
	SaveEvery int `mapstructure:"save_every"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreLocal    = "local"
	StoreS3       = "s3"
	StoreS3DDB    = "s3-dynamodb"
	StoreMinIO    = "minio"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Sentinel errors for configuration validation.
var (
	// ErrInvalidPartitions indicates a partition count below one.
	ErrInvalidPartitions = errors.New("engine.partitions must be positive")
	// ErrInvalidWorkers indicates the workers value is negative.
	ErrInvalidWorkers = errors.New("engine.workers must be non-negative")
	// ErrInvalidMaxMutations indicates a negative catalog cap.
	ErrInvalidMaxMutations = errors.New("engine.max_mutations must be non-negative")
	// ErrInvalidSize indicates a size that go-humanize cannot parse.
	ErrInvalidSize = errors.New("invalid size")
	// ErrInvalidUniqueInterval indicates a negative uniquing interval.
	ErrInvalidUniqueInterval = errors.New("engine.unique_interval must be non-negative")
	// ErrInvalidResegment indicates resegment bounds that would oscillate.
	ErrInvalidResegment = errors.New("engine.resegment.min_mean_run_length must be below half of max_mean_run_length")
	// ErrInvalidPopulation indicates a population below one.
	ErrInvalidPopulation = errors.New("simulation.population must be positive")
	// ErrInvalidLayout indicates an unusable chromosome layout.
	ErrInvalidLayout = errors.New("simulation.slot_count must be between 1 and chromosome_length")
	// ErrInvalidRate indicates a negative rate.
	ErrInvalidRate = errors.New("simulation rates must be non-negative")
	// ErrInvalidFraction indicates a fraction outside [0, 1].
	ErrInvalidFraction = errors.New("simulation.selected_fraction must be between 0 and 1")
	// ErrInvalidStoreKind indicates an unknown store kind.
	ErrInvalidStoreKind = errors.New("store.kind must be memory, local, s3, s3-dynamodb or minio")
	// ErrMissingStoreField indicates a store kind without its required fields.
	ErrMissingStoreField = errors.New("store is missing a required field")
	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("log.level must be debug, info, warn or error")
	// ErrInvalidLogFormat indicates an unknown log format.
	ErrInvalidLogFormat = errors.New("log.format must be text or json")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateSimulation(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateLog()
}

func (c *Config) validateEngine() error {
	e := c.Engine
	if e.Partitions < 1 {
		return ErrInvalidPartitions
	}
	if e.Workers < 0 {
		return ErrInvalidWorkers
	}
	if e.MaxMutations < 0 {
		return ErrInvalidMaxMutations
	}
	if _, err := e.MemoryLimitBytes(); err != nil {
		return err
	}
	if _, err := e.IOLimitBytes(); err != nil {
		return err
	}
	if e.UniqueInterval < 0 {
		return ErrInvalidUniqueInterval
	}
	r := e.Resegment
	if r.MinMeanRunLength > 0 && r.MaxMeanRunLength > 0 && r.MinMeanRunLength*2 >= r.MaxMeanRunLength {
		return ErrInvalidResegment
	}
	return nil
}

func (c *Config) validateSimulation() error {
	s := c.Simulation
	if s.Population < 1 {
		return ErrInvalidPopulation
	}
	if s.SlotCount < 1 || int64(s.SlotCount) > s.ChromosomeLength {
		return ErrInvalidLayout
	}
	if s.MutationRate < 0 || s.RecombinationRate < 0 || s.EffectScale < 0 {
		return ErrInvalidRate
	}
	if s.SelectedFraction < 0 || s.SelectedFraction > 1 {
		return ErrInvalidFraction
	}
	return nil
}

func (c *Config) validateStore() error {
	s := c.Store
	switch s.Kind {
	case StoreMemory:
	case StoreLocal:
		if s.Path == "" {
			return fmt.Errorf("%w: store.path", ErrMissingStoreField)
		}
	case StoreS3, StoreMinIO:
		if s.Bucket == "" {
			return fmt.Errorf("%w: store.bucket", ErrMissingStoreField)
		}
		if s.Kind == StoreMinIO && s.Endpoint == "" {
			return fmt.Errorf("%w: store.endpoint", ErrMissingStoreField)
		}
	case StoreS3DDB:
		if s.Bucket == "" || s.Table == "" {
			return fmt.Errorf("%w: store.bucket and store.table", ErrMissingStoreField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreKind, s.Kind)
	}
	return nil
}

func (c *Config) validateLog() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
}

// MemoryLimitBytes parses MemoryLimit. Empty means unlimited.
func (e EngineConfig) MemoryLimitBytes() (int64, error) {
	return parseSize("engine.memory_limit", e.MemoryLimit)
}

// IOLimitBytes parses IOLimit as bytes per second. Empty means unlimited.
func (e EngineConfig) IOLimitBytes() (int64, error) {
	return parseSize("engine.io_limit", e.IOLimit)
}

func parseSize(key, s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %w", ErrInvalidSize, key, s, err)
	}
	return int64(n), nil
}

// SlogLevel maps Level to a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	return lvl, nil
}
