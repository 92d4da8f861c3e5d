package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBasicHeaderSmallCID(t *testing.T) {
	out := BuildBasicHeader(Type0, 5)
	require.Len(t, out, 1)
	assert.Equal(t, byte(5), out[0]&0x3f)
}

func TestBuildBasicHeaderOneByteExtension(t *testing.T) {
	out := BuildBasicHeader(Type1, 100)
	require.Len(t, out, 2)
	cid := DecodeBasicHeaderCID(out, 2)
	assert.Equal(t, uint32(100), cid)
}

func TestBuildBasicHeaderTwoByteExtensionRoundTrips(t *testing.T) {
	// cid values that exercise the >64+255 path, including ones that would
	// be corrupted by the cid-64>>8 precedence bug (>>  binds tighter than
	// the infix -, so cid-64>>8 evaluates as cid-(64>>8) == cid).
	cids := []uint32{320, 500, 1000, 65599}

	for _, cid := range cids {
		out := BuildBasicHeader(Type0, cid)
		require.Len(t, out, 3)
		decoded := DecodeBasicHeaderCID(out, 3)
		assert.Equal(t, cid, decoded, "cid %d did not round-trip through the basic header", cid)
	}
}

func TestBasicHeaderSizeMatchesFirstByteEncoding(t *testing.T) {
	assert.Equal(t, 1, BasicHeaderSize(byte(Type0<<6)|5))
	assert.Equal(t, 2, BasicHeaderSize(byte(Type1<<6)))
	assert.Equal(t, 3, BasicHeaderSize(byte(Type0<<6)|1))
}

func TestCreateChunksSplitsAtChunkSize(t *testing.T) {
	p := NewPacket()
	p.Header.Fmt = Type0
	p.Header.CID = ChannelVideo
	p.Header.PacketType = TypeVideo
	p.Payload = make([]byte, 300)
	for i := range p.Payload {
		p.Payload[i] = byte(i)
	}
	p.Header.Length = uint32(len(p.Payload))

	chunks := p.CreateChunks(128)
	assert.NotEmpty(t, chunks)
	// 300 bytes of payload at chunk size 128 needs 2 continuation (type-3)
	// basic headers in addition to the initial type-0 header.
	assert.Greater(t, len(chunks), len(p.Payload))
}
