package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Known answer from RFC 3720 (32 bytes of zeros).
	assert.Equal(t, uint32(0x8a9136aa), CRC32C(make([]byte, 32)))
	assert.NotEqual(t, CRC32C([]byte("hello")), CRC32C([]byte("hellp")))
}

func TestUint32s(t *testing.T) {
	type index uint32

	a := []index{1, 2, 3}
	b := []index{1, 2, 3}
	c := []index{3, 2, 1}

	assert.Equal(t, Uint32s(a), Uint32s(b))
	assert.NotEqual(t, Uint32s(a), Uint32s(c))
	assert.Equal(t, Uint32s[index](nil), Uint32s([]index{}))

	// Longer than one staging buffer.
	long := make([]uint32, 1000)
	for i := range long {
		long[i] = uint32(i)
	}
	h1 := Uint32s(long)
	long[999]++
	assert.NotEqual(t, h1, Uint32s(long))
}
