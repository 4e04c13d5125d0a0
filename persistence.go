package mutrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/mutrun/blobstore"
	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/resource"
	"github.com/hupe1980/mutrun/internal/snapshot"
)

// SnapshotPrefix is the blob name prefix of snapshots saved without a name.
const SnapshotPrefix = "snapshots/"

// SnapshotName returns the default blob name for a snapshot of generation gen.
func SnapshotName(gen int64) string {
	return fmt.Sprintf("%sgen-%08d-%s.mrun", SnapshotPrefix, gen, uuid.NewString())
}

// Save writes a snapshot of the population to the configured store and points
// CURRENT at it. An empty name selects SnapshotName. It returns the blob name.
func (e *Engine) Save(ctx context.Context, name string) (string, error) {
	if err := e.alive(); err != nil {
		return "", err
	}
	store := e.opts.store
	if store == nil {
		return "", ErrNoStore
	}

	start := time.Now()
	e.mu.Lock()
	if name == "" {
		name = SnapshotName(e.generation)
	}
	s := snapshot.Capture(e.cat, e.chroms, e.generation)
	e.mu.Unlock()

	n, err := e.write(ctx, store, name, s)
	e.metrics.RecordSnapshot("save", n, time.Since(start), err)
	e.logger.LogSnapshot(ctx, "save", name, n, err)
	if err != nil {
		return "", translateError(err)
	}
	return name, nil
}

func (e *Engine) write(ctx context.Context, store blobstore.Store, name string, s *snapshot.Snapshot) (int64, error) {
	w, err := store.Create(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := snapshot.Write(resource.NewRateLimitedWriter(ctx, w, e.rc), s, e.opts.compression)
	if err != nil {
		return n, errors.Join(err, w.Abort())
	}
	if err := w.Sync(); err != nil {
		return n, errors.Join(err, w.Abort())
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, blobstore.WriteCurrent(ctx, store, name)
}

// Load replaces the population with a snapshot read from the configured
// store. An empty name loads the snapshot CURRENT points at. Restored runs are
// deduplicated before Load returns.
func (e *Engine) Load(ctx context.Context, name string) (err error) {
	if err := e.alive(); err != nil {
		return err
	}
	store := e.opts.store
	if store == nil {
		return ErrNoStore
	}

	start := time.Now()
	var size int64
	defer func() {
		e.metrics.RecordSnapshot("load", size, time.Since(start), err)
		e.logger.LogSnapshot(ctx, "load", name, size, err)
	}()

	if name == "" {
		if name, err = blobstore.ReadCurrent(ctx, store); err != nil {
			return translateError(err)
		}
	}
	s, size, err := read(ctx, store, name)
	if err != nil {
		return translateError(err)
	}

	cat := catalog.New(catalog.Config{MaxMutations: e.opts.maxMutations})
	chroms, err := e.restore(s, cat)
	if err != nil {
		return e.check(ctx, "Load", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.chroms
	e.install(cat, chroms)
	e.generation = s.Generation
	discard(old)
	_, err = e.unique(ctx)
	return err
}

// discard retires every genome of chroms and returns their run memory.
func discard(chroms []*genome.Chromosome) {
	for _, ch := range chroms {
		for _, g := range ch.Genomes() {
			ch.Retire(g)
		}
		ps := ch.Pools()
		for i := 0; i < ps.Len(); i++ {
			ps.At(i).Sweep()
		}
		ps.Trim()
	}
}

func read(ctx context.Context, store blobstore.Store, name string) (*snapshot.Snapshot, int64, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	defer b.Close()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return nil, 0, err
	}
	s, err := snapshot.Read(data)
	return s, int64(len(data)), err
}

func (e *Engine) restore(s *snapshot.Snapshot, cat *catalog.Catalog) (chroms []*genome.Chromosome, err error) {
	defer fault.Recover(&err)
	return snapshot.Restore(s, cat, func(id uint32, length int64, slotCount int, window int64) (*genome.Chromosome, error) {
		return e.newChromosome(id, length, slotCount, window)
	})
}
