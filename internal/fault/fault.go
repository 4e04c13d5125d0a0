// Package fault defines the fatal error taxonomy of the run storage engine.
//
// Three classes of failure exist and none of them is recoverable locally:
//
//   - Protocol violations: unmatched bulk-operation begin/end, editing a shared
//     run without copying it first, touching the slots of a null genome.
//   - Capacity errors: the mutation catalog or a run pool cannot grow further.
//   - Consistency failures: an audit found a broken tally or registry invariant.
//
// Hot paths report violations by panicking with an *Error. Entry points of the
// engine convert such panics back into returned errors with Recover.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol matches every protocol violation.
	ErrProtocol = errors.New("protocol violation")
	// ErrCapacity matches every capacity error.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrConsistency matches every consistency-check failure.
	ErrConsistency = errors.New("consistency check failed")
)

// Kind classifies a fault.
type Kind uint8

const (
	// KindProtocol is a programming error in the caller's use of the engine.
	KindProtocol Kind = iota + 1
	// KindCapacity is an exhausted catalog or pool.
	KindCapacity
	// KindConsistency is a broken invariant found by an audit.
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCapacity:
		return "capacity"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindCapacity:
		return ErrCapacity
	case KindConsistency:
		return ErrConsistency
	default:
		return nil
	}
}

// Error describes a fatal fault. Op names the operation that detected it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind.sentinel(), e.Op, e.Msg)
}

// Is reports whether target is the sentinel for the fault's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Protocolf builds a protocol violation.
func Protocolf(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Capacityf builds a capacity error.
func Capacityf(op, format string, args ...any) *Error {
	return &Error{Kind: KindCapacity, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Inconsistentf builds a consistency-check failure.
func Inconsistentf(op, format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Raise panics with err. It never returns.
func Raise(err *Error) {
	panic(err)
}

// Recover converts a panic carrying an *Error into *errp. Any other panic is
// re-raised. It must be called directly by a deferred statement.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*Error); ok {
		*errp = fe
		return
	}
	panic(r)
}

// IsFatal reports whether err belongs to the fatal taxonomy.
func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}
