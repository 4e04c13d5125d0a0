package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPartitions, cfg.Engine.Partitions)
	assert.Equal(t, DefaultPopulation, cfg.Simulation.Population)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, "lz4", cfg.Store.Compression)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
engine:
  partitions: 8
  memory_limit: 2GiB
  resegment:
    interval: 5
    max_mean_run_length: 64
simulation:
  population: 1000
store:
  kind: local
  path: /tmp/snaps
log:
  format: json
`)
	t.Setenv("MUTRUN_SIMULATION_GENERATIONS", "42")
	t.Setenv("MUTRUN_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Partitions)
	assert.Equal(t, 5, cfg.Engine.Resegment.Interval)
	assert.InDelta(t, 64.0, cfg.Engine.Resegment.MaxMeanRunLength, 0)
	assert.Equal(t, 1000, cfg.Simulation.Population)
	assert.Equal(t, 42, cfg.Simulation.Generations)
	assert.Equal(t, "/tmp/snaps", cfg.Store.Path)
	assert.Equal(t, LogFormatJSON, cfg.Log.Format)

	mem, err := cfg.Engine.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), mem)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"partitions", "engine:\n  partitions: 0\n", ErrInvalidPartitions},
		{"size", "engine:\n  memory_limit: lots\n", ErrInvalidSize},
		{"resegment", "engine:\n  resegment:\n    min_mean_run_length: 10\n    max_mean_run_length: 12\n", ErrInvalidResegment},
		{"layout", "simulation:\n  slot_count: 0\n", ErrInvalidLayout},
		{"fraction", "simulation:\n  selected_fraction: 2\n", ErrInvalidFraction},
		{"store kind", "store:\n  kind: ftp\n", ErrInvalidStoreKind},
		{"local path", "store:\n  kind: local\n", ErrMissingStoreField},
		{"ddb table", "store:\n  kind: s3-dynamodb\n  bucket: b\n", ErrMissingStoreField},
		{"log level", "log:\n  level: loud\n", ErrInvalidLogLevel},
		{"log format", "log:\n  format: xml\n", ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [\n"))
	require.Error(t, err)
}
