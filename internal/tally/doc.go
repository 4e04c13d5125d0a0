// Package tally implements the per-generation population tally and the
// collector that acts on it.
//
// Tallying recomputes, independently of the eager reference counts kept by
// genome writes, how many genome slots use each run and how many genomes carry
// each mutation. Collecting then:
//
//   - verifies tallied uses against eager references (when checks are on)
//   - marks mutations carried by no genome as lost
//   - converts mutations carried by every genome into substitutions and
//     removes them from every run
//   - releases runs no genome references
//
// A tally is cached and reused while the population, the catalog settings and
// the externally supplied conditions are all unchanged.
package tally
