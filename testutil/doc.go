// Package testutil provides testing utilities for mutrun.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random number generator and builders for
// populations with controlled run sharing.
//
// # Random Positions
//
//	rng := testutil.NewRNG(seed)
//	pos := rng.Positions(10, 1_000_000) // sorted, distinct
//
// # Populations
//
//	genomes := testutil.NewPopulation(t, eng, rng, testutil.PopulationConfig{
//	    Chromosome: 1,
//	    Genomes:    100,
//	    Founders:   5,
//	    MutationsPerFounder: 20,
//	})
//
// # Ground Truth
//
//	counts := testutil.BruteForceCounts(genomes)
package testutil
