// Package catalog is the interned store of mutation records.
//
// Runs never hold mutation data; they hold Index values into a Catalog. The
// catalog allocates indices from a free list over a segmented arena, keeps a
// parallel refcount buffer written by the population tally, and maintains the
// registry of currently segregating mutations as a roaring bitmap.
//
// Allocation and registry updates run inside a short mutex critical section.
// Record reads and refcount updates are lock-free: records are written once
// before their index is published, and each refcount is owned by exactly one
// tally worker (a mutation lives in a single slot window of one chromosome).
package catalog
