package handshake

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateResponseBasicHandshakeEchoesClientSignature(t *testing.T) {
	clientSig := make([]byte, SignatureSz)
	_, err := rand.Read(clientSig)
	require.NoError(t, err)

	resp, err := GenerateResponse(clientSig)
	require.NoError(t, err)

	require.Len(t, resp, 1+SignatureSz*2)
	assert.Equal(t, byte(Version), resp[0])
	// Basic (non-digest) handshake echoes C1 back as both S1 and S2.
	assert.Equal(t, clientSig, resp[1:1+SignatureSz])
	assert.Equal(t, clientSig, resp[1+SignatureSz:])
}

func TestDigestOffsetsStayWithinSignatureBounds(t *testing.T) {
	buf := []byte{10, 20, 30, 40}
	co := ClientDigestOffset(buf)
	so := ServerDigestOffset(buf)

	assert.Less(t, co+32, uint32(SignatureSz))
	assert.Less(t, so+32, uint32(SignatureSz))
	assert.NotEqual(t, co, so)
}
