// Package bulk implements the coordinator that applies one edit to many
// genomes while preserving run sharing.
//
// When the same edit is applied to every genome sharing a run, the first
// genome pays for the copy and the edit; every other genome sharing the same
// original receives the memoized result. A session is scoped to one operation
// id and one slot and must be bracketed by Begin and End.
//
//	op := bulk.NextOperationID()
//	if err := co.Begin(op, slot); err != nil {
//	    return err
//	}
//	for _, g := range targets {
//	    run, first, err := co.ApplyOrFetch(op, slot, g)
//	    if err != nil {
//	        return err
//	    }
//	    if first {
//	        edit(run)
//	    }
//	}
//	return co.End(op, slot)
//
// A Coordinator is owned by one worker and must not be shared by concurrent
// sessions.
package bulk

import (
	"sync/atomic"

	"github.com/hupe1980/mutrun/internal/fault"
	"github.com/hupe1980/mutrun/internal/genome"
	"github.com/hupe1980/mutrun/internal/mutrun"
)

var operationCounter atomic.Int64

// NextOperationID returns a process-wide unique operation id.
func NextOperationID() int64 {
	return operationCounter.Add(1)
}

// Coordinator memoizes original → result runs for one session at a time.
type Coordinator struct {
	open bool
	op   int64
	slot int

	memo map[*mutrun.Run]*mutrun.Run
	// result for the empty marker, which has no map key
	emptyResult *mutrun.Run
}

// New returns an idle coordinator.
func New() *Coordinator {
	return &Coordinator{memo: make(map[*mutrun.Run]*mutrun.Run)}
}

// Open reports whether a session is in progress.
func (c *Coordinator) Open() bool { return c.open }

// Begin opens a session for op on slot.
func (c *Coordinator) Begin(op int64, slot int) error {
	if c.open {
		return fault.Protocolf("bulk.Begin", "operation %d on slot %d begun while operation %d on slot %d is open", op, slot, c.op, c.slot)
	}
	c.open = true
	c.op = op
	c.slot = slot
	return nil
}

func (c *Coordinator) check(opName string, op int64, slot int) error {
	if !c.open {
		return fault.Protocolf(opName, "no open operation (got operation %d on slot %d)", op, slot)
	}
	if op != c.op {
		return fault.Protocolf(opName, "operation id %d does not match open operation %d", op, c.op)
	}
	if slot != c.slot {
		return fault.Protocolf(opName, "slot %d does not match open slot %d", slot, c.slot)
	}
	return nil
}

// ApplyOrFetch makes g's run at slot editable. If the original run was
// already handled in this session the memoized result is installed and first
// is false. Otherwise the run is copied on write, the pair is recorded and
// first is true; the caller must then perform the edit on run.
func (c *Coordinator) ApplyOrFetch(op int64, slot int, g *genome.Genome) (run *mutrun.Run, first bool, err error) {
	if err := c.check("bulk.ApplyOrFetch", op, slot); err != nil {
		return nil, false, err
	}
	defer fault.Recover(&err)

	original := g.Run(slot)
	if original == nil {
		if c.emptyResult != nil {
			g.SetRun(slot, c.emptyResult)
			return c.emptyResult, false, nil
		}
	} else if result, ok := c.memo[original]; ok {
		g.SetRun(slot, result)
		return result, false, nil
	}

	result := g.WillModify(slot)
	if original == nil {
		c.emptyResult = result
	} else {
		c.memo[original] = result
	}
	// a genome visited twice must not be edited twice
	c.memo[result] = result
	return result, true, nil
}

// End closes the session and clears the memo.
func (c *Coordinator) End(op int64, slot int) error {
	if err := c.check("bulk.End", op, slot); err != nil {
		return err
	}
	clear(c.memo)
	c.emptyResult = nil
	c.open = false
	return nil
}
