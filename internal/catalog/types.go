package catalog

import (
	"fmt"
	"math"
)

// Index addresses a mutation record in the catalog.
type Index uint32

// NoIndex is never handed out by the catalog.
const NoIndex Index = math.MaxUint32

// State is the lifecycle state of a catalog entry.
type State uint8

const (
	// StateUnused marks a free index.
	StateUnused State = iota
	// StateSegregating marks a mutation present in the active registry.
	StateSegregating
	// StateLost marks a mutation that dropped to zero references.
	StateLost
	// StateFixed marks a mutation converted to a Substitution.
	StateFixed
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateSegregating:
		return "segregating"
	case StateLost:
		return "lost"
	case StateFixed:
		return "fixed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// StackPolicy decides what happens when a mutation is added at a position
// already carrying a mutation of the same stack group.
type StackPolicy uint8

const (
	// StackAll keeps every mutation at a position.
	StackAll StackPolicy = iota
	// StackKeepFirst rejects the incoming mutation.
	StackKeepFirst
	// StackKeepLast replaces the resident mutations.
	StackKeepLast
)

// MutationType holds per-type attributes the storage engine consults.
type MutationType struct {
	ID          int32
	StackGroup  int32
	StackPolicy StackPolicy
	// ConvertToSubstitution enables fixation handling for mutations of this type.
	ConvertToSubstitution bool
}

// Mutation is an immutable mutation record. State is managed by the catalog.
type Mutation struct {
	ID               int64
	Type             int32
	Chromosome       uint32
	Position         int64
	Effect           float64
	OriginGeneration int64
	State            State
}

// Neutral reports whether the mutation has no fitness effect.
func (m Mutation) Neutral() bool {
	return m.Effect == 0
}

// Substitution records a mutation that reached fixation.
type Substitution struct {
	MutationID         int64
	Type               int32
	Chromosome         uint32
	Position           int64
	Effect             float64
	OriginGeneration   int64
	FixationGeneration int64
}
