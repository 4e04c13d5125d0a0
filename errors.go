package mutrun

import (
	"errors"
	"fmt"

	"github.com/hupe1980/mutrun/blobstore"
	"github.com/hupe1980/mutrun/internal/catalog"
	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/reseg"
	"github.com/hupe1980/mutrun/internal/snapshot"
	"github.com/hupe1980/mutrun/internal/tally"
)

var (
	// ErrProtocol matches fatal protocol violations, such as an in-place edit
	// of a shared run or a bulk operation opened twice.
	ErrProtocol = fault.ErrProtocol
	// ErrCapacity matches fatal capacity errors (mutation catalog or run memory exhausted).
	ErrCapacity = fault.ErrCapacity
	// ErrConsistency matches fatal consistency-check failures.
	ErrConsistency = fault.ErrConsistency

	// ErrFailed is returned by every call after a fatal error. It wraps the first fault.
	ErrFailed = errors.New("mutrun: engine failed")
	// ErrInvalidArgument is returned for malformed arguments.
	ErrInvalidArgument = errors.New("mutrun: invalid argument")
	// ErrNotFound is returned when a chromosome, mutation type or snapshot does not exist.
	ErrNotFound = errors.New("mutrun: not found")
	// ErrStaleTally is returned when an operation needs a tally of the current population.
	ErrStaleTally = errors.New("mutrun: stale tally")
	// ErrFormat is returned when a snapshot cannot be decoded.
	ErrFormat = errors.New("mutrun: invalid snapshot")
	// ErrNoStore is returned by Save and Load when no blob store is configured.
	ErrNoStore = errors.New("mutrun: no snapshot store configured")
)

// ErrChromosomeExists indicates a chromosome id registered twice.
type ErrChromosomeExists struct {
	ID uint32
}

func (e *ErrChromosomeExists) Error() string {
	return fmt.Sprintf("chromosome %d already exists", e.ID)
}

func (e *ErrChromosomeExists) Unwrap() error { return ErrInvalidArgument }

// ErrUnknownChromosome indicates an operation naming a chromosome the engine does not have.
type ErrUnknownChromosome struct {
	ID uint32
}

func (e *ErrUnknownChromosome) Error() string {
	return fmt.Sprintf("unknown chromosome %d", e.ID)
}

func (e *ErrUnknownChromosome) Unwrap() error { return ErrNotFound }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case fault.IsFatal(err):
		return err
	case errors.Is(err, tally.ErrStaleTally), errors.Is(err, reseg.ErrStaleTally):
		return fmt.Errorf("%w: %w", ErrStaleTally, err)
	case errors.Is(err, reseg.ErrOddWindow), errors.Is(err, reseg.ErrOddSlotCount),
		errors.Is(err, genome.ErrInvalidConfig),
		errors.Is(err, catalog.ErrUnknownType), errors.Is(err, catalog.ErrDuplicateType):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, snapshot.ErrFormat), errors.Is(err, snapshot.ErrChecksum),
		errors.Is(err, snapshot.ErrVersion), errors.Is(err, snapshot.ErrLayoutMismatch):
		return fmt.Errorf("%w: %w", ErrFormat, err)
	case errors.Is(err, blobstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
