// Package hash provides the checksums and content hashes used by the engine.
//
// CRC32C (Castagnoli) guards snapshot bodies, S3 part uploads and the tally
// condition fingerprint:
//
//	sum := hash.CRC32C(data)
//
// Uint32s hashes a sequence of mutation indices with xxHash64. The uniquer
// groups runs by this hash and then compares them element by element, so a
// collision never merges different runs.
package hash
