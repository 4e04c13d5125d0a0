package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Uint32s returns the 64-bit xxHash of vals encoded as little-endian words.
// Equal sequences always hash equal; unequal sequences may collide.
func Uint32s[T ~uint32](vals []T) uint64 {
	var buf [256]byte

	d := xxhash.New()
	for len(vals) > 0 {
		n := min(len(vals), len(buf)/4)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(vals[i]))
		}
		_, _ = d.Write(buf[:n*4])
		vals = vals[n:]
	}
	return d.Sum64()
}
