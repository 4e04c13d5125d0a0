// Package mutrun provides the mutation-run storage engine of a forward-time
// population genetics simulator.
//
// A genome is an array of runs, one per slot of its chromosome. A run is a
// pooled, reference-counted, position-sorted list of mutation indices that
// many genomes share. Runs are copy-on-write: a run referenced by more than
// one genome is never edited in place.
//
// # Quick Start
//
//	eng, _ := mutrun.New(mutrun.WithPartitions(4))
//	_ = eng.AddMutationType(mutrun.MutationType{ID: 1, ConvertToSubstitution: true})
//	_, _ = eng.AddChromosome(mutrun.ChromosomeConfig{ID: 1, Length: 1_000_000, SlotCount: 100})
//
//	g, _ := eng.NewGenome(1)
//	idx, _ := eng.NewMutation(mutrun.Mutation{Type: 1, Chromosome: 1, Position: 4711})
//	_ = eng.BulkAddMutations(ctx, []*mutrun.Genome{g}, []mutrun.Index{idx})
//
//	rep, _ := eng.EndGeneration(ctx)
//	fmt.Println(rep.Lost, rep.Fixed)
//
// # Reproduction
//
// Reproduction runs inside Reproduce, concurrently with other reproduction
// work but never with a pass. A worker owns the child genomes it builds:
//
//	err := eng.Reproduce(ctx, func(rp *mutrun.Reproduction) error {
//	    child.SetRun(slot, parent.Run(slot))  // share
//	    idx, _ := rp.NewMutation(m)
//	    r := child.WillModify(other)          // copy on write
//	    r.InsertSorted(idx, eng)
//	    return nil
//	})
//
// A raw run pointer must not be kept across WillModify; the call may replace it.
//
// # Generations
//
// EndGeneration tallies the population, releases unreferenced runs, drops
// lost mutations, converts fixed ones into substitutions, and then, on the
// configured intervals, deduplicates runs and applies the resegment policy.
//
// # Errors
//
// Protocol violations, capacity exhaustion and consistency failures are
// fatal. The first one fails the engine; every later call returns ErrFailed
// wrapping it.
//
//	if errors.Is(err, mutrun.ErrProtocol) { ... }
//
// # Snapshots
//
// Save and Load persist the population through a blobstore.Store:
//
//	eng, _ := mutrun.New(mutrun.WithStore(blobstore.NewLocalStore("./snapshots")))
//	name, _ := eng.Save(ctx, "")
//	_ = eng.Load(ctx, "")  // loads CURRENT
package mutrun
