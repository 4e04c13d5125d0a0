// Package conv provides checked integer narrowing for values read from
// snapshots.
//
// Varints decode to 64 bits; catalog keys, type ids, chromosome ids and slot
// counts are narrower. A value that does not fit signals corrupt input and
// must not be truncated silently.
package conv
