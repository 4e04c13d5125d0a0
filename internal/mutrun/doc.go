// Package mutrun implements mutation runs and the pools that own them.
//
// A Run is an ordered, duplicate-free sequence of catalog indices covering
// one window ("slot") of a chromosome. Runs are shared between genomes by
// reference and are copy-on-write: a run referenced by more than one genome
// slot is immutable, a run referenced by exactly one may be edited in place.
//
// # Reference Counting
//
// Every genome slot write adjusts the target run's reference count eagerly
// (Retain / Drop). The population tally recomputes a second, independent
// count (Use) once per generation. Both must agree after tallying; a run
// whose count fell to zero is a candidate for release and is handed back to
// its Pool by the collector.
//
// # Pools
//
// Pools recycle run structs together with their backing arrays. A chromosome
// owns one Pools value, which partitions the slot index space into contiguous
// ranges with one Pool each, so parallel per-slot passes contend only within
// a partition.
//
// # Invariant Checks
//
// When a pool is created with checks enabled, every edit verifies that the
// run is exclusively owned and panics with a protocol fault otherwise.
// Without checks the caller is trusted.
package mutrun
