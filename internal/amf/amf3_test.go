package amf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncUI29SingleByteFormRoundTrips(t *testing.T) {
	values := []uint32{0, 1, 0x7F}
	for _, n := range values {
		stream := NewDecodingStream(encUI29(n))
		assert.Equal(t, n, stream.decUI29())
	}
}

func TestEncUI29FourByteFormUsesAndMask(t *testing.T) {
	// Regression test for the OR-vs-AND mask bug: the last two
	// bytes of the 4-byte U29 form must mask their low 7
	// bits with & 0x7F, not unconditionally set them with | 0x7F.
	encoded := encUI29(0x200000)
	assert.Len(t, encoded, 4)
	assert.Equal(t, byte(0x00), encoded[2]&0x80, "continuation byte must not force its top bit on")
	assert.Equal(t, byte(0x00), encoded[3]&0x80, "continuation byte must not force its top bit on")

	// A value whose bit pattern would previously have been corrupted by
	// the | 0x7F bug produces distinguishable encodings for distinct
	// inputs once masked correctly with &.
	a := encUI29(0x200000)
	b := encUI29(0x280000)
	assert.NotEqual(t, a, b)
}
