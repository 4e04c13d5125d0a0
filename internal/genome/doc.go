// Package genome implements the array-of-runs genome and the chromosome that
// owns a population of genomes.
//
// A genome divides its chromosome into SlotCount windows of WindowLength
// positions. Each slot holds either a shared *mutrun.Run or nil, the explicit
// empty marker. A null genome has no slots at all; touching its slots is a
// protocol violation.
//
// Writers must pass through WillModify or WillCreate before editing a slot's
// run. WillModify clones the run when other genomes share it, so an edit never
// leaks into another genome.
package genome
