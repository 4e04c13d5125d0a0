// Package commands implements the mutrun CLI commands.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/mutrun"
	"github.com/hupe1980/mutrun/blobstore"
	"github.com/hupe1980/mutrun/blobstore/minio"
	"github.com/hupe1980/mutrun/blobstore/s3"
	"github.com/hupe1980/mutrun/internal/config"
)

// Chromosome and mutation type created by simulate.
const (
	simChromosome = 1
	simType       = 1
)

// newStore opens the snapshot store selected by cfg.
func newStore(ctx context.Context, cfg config.StoreConfig) (blobstore.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return blobstore.NewMemoryStore(), nil
	case config.StoreLocal:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return blobstore.NewLocalStore(cfg.Path), nil
	case config.StoreS3, config.StoreS3DDB:
		opts := []s3.Option{s3.WithPrefix(cfg.Prefix)}
		if cfg.Region != "" {
			opts = append(opts, s3.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.Endpoint, true))
		}
		if cfg.Kind == config.StoreS3DDB {
			return s3.NewWithDynamoDB(ctx, cfg.Bucket, cfg.Table, opts...)
		}
		return s3.New(ctx, cfg.Bucket, opts...)
	case config.StoreMinIO:
		return minio.New(minio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
			Region:    cfg.Region,
		}, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreKind, cfg.Kind)
	}
}

// newLogger builds the engine logger writing to w.
func newLogger(cfg config.LogConfig, w io.Writer) (*mutrun.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if cfg.Format == config.LogFormatJSON {
		return mutrun.NewJSONLogger(w, lvl), nil
	}
	return mutrun.NewTextLogger(w, lvl), nil
}

// engineOptions maps the engine section of cfg onto engine options.
func engineOptions(cfg *config.Config, store blobstore.Store, logger *mutrun.Logger) ([]mutrun.Option, error) {
	mem, err := cfg.Engine.MemoryLimitBytes()
	if err != nil {
		return nil, err
	}
	ioLimit, err := cfg.Engine.IOLimitBytes()
	if err != nil {
		return nil, err
	}
	comp, err := mutrun.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return nil, err
	}
	r := cfg.Engine.Resegment
	return []mutrun.Option{
		mutrun.WithPartitions(cfg.Engine.Partitions),
		mutrun.WithWorkers(cfg.Engine.Workers),
		mutrun.WithMaxMutations(cfg.Engine.MaxMutations),
		mutrun.WithMemoryLimit(mem),
		mutrun.WithIOLimit(ioLimit),
		mutrun.WithChecks(cfg.Engine.Checks),
		mutrun.WithUniqueInterval(cfg.Engine.UniqueInterval),
		mutrun.WithResegmentPolicy(mutrun.ResegmentPolicy{
			Interval:         r.Interval,
			MaxMeanRunLength: r.MaxMeanRunLength,
			MinMeanRunLength: r.MinMeanRunLength,
		}),
		mutrun.WithStore(store),
		mutrun.WithCompression(comp),
		mutrun.WithLogger(logger),
	}, nil
}
