package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// configName is the config file name without extension.
	configName = "mutrun"
	configType = "yaml"
	// envPrefix is the environment variable prefix, e.g. MUTRUN_ENGINE_WORKERS.
	envPrefix       = "MUTRUN"
	envKeySeparator = "_"
)

// Defaults.
const (
	DefaultPartitions        = 4
	DefaultUniqueInterval    = 10
	DefaultPopulation        = 500
	DefaultGenerations       = 200
	DefaultChromosomeLength  = 1_000_000
	DefaultSlotCount         = 64
	DefaultMutationRate      = 1.0
	DefaultRecombinationRate = 1.0
	DefaultSelectedFraction  = 0.1
	DefaultEffectScale       = 0.01
	DefaultStoreKind         = StoreMemory
	DefaultCompression       = "lz4"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = LogFormatText
)

// Load loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, mutrun.yaml is searched in CWD and $HOME.
// A missing config file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.partitions", DefaultPartitions)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.max_mutations", 0)
	v.SetDefault("engine.memory_limit", "")
	v.SetDefault("engine.io_limit", "")
	v.SetDefault("engine.checks", false)
	v.SetDefault("engine.unique_interval", DefaultUniqueInterval)
	v.SetDefault("engine.resegment.interval", 0)
	v.SetDefault("engine.resegment.max_mean_run_length", 0.0)
	v.SetDefault("engine.resegment.min_mean_run_length", 0.0)

	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.population", DefaultPopulation)
	v.SetDefault("simulation.generations", DefaultGenerations)
	v.SetDefault("simulation.chromosome_length", DefaultChromosomeLength)
	v.SetDefault("simulation.slot_count", DefaultSlotCount)
	v.SetDefault("simulation.mutation_rate", DefaultMutationRate)
	v.SetDefault("simulation.recombination_rate", DefaultRecombinationRate)
	v.SetDefault("simulation.selected_fraction", DefaultSelectedFraction)
	v.SetDefault("simulation.effect_scale", DefaultEffectScale)

	v.SetDefault("store.kind", DefaultStoreKind)
	v.SetDefault("store.path", "")
	v.SetDefault("store.bucket", "")
	v.SetDefault("store.prefix", "")
	v.SetDefault("store.region", "")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.table", "")
	v.SetDefault("store.access_key", "")
	v.SetDefault("store.secret_key", "")
	v.SetDefault("store.secure", true)
	v.SetDefault("store.compression", DefaultCompression)
	v.SetDefault("store.save_every", 0)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("metrics.addr", "")
}
