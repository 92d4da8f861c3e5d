package media

import "encoding/binary"

// FlvTag wraps an arbitrary payload in the FLV tag framing used by
// RTMP_TYPE_AUDIO/RTMP_TYPE_VIDEO/RTMP_TYPE_METADATA packets, as consumed by
// HTTP-FLV style delivery. It mirrors FLV's own previous-tag-size trailer so
// consecutive tags can be concatenated directly onto a stream.
func FlvTag(packetType uint32, timestamp int64, payload []byte) []byte {
	length := uint32(len(payload))
	previousTagSize := 11 + length
	b := make([]byte, previousTagSize+4)

	b[0] = byte(packetType)

	aux := make([]byte, 4)
	binary.BigEndian.PutUint32(aux, length)
	b[1] = aux[1]
	b[2] = aux[2]
	b[3] = aux[3]

	b[4] = byte(timestamp>>16) & 0xff
	b[5] = byte(timestamp>>8) & 0xff
	b[6] = byte(timestamp) & 0xff
	b[7] = byte(timestamp>>24) & 0xff

	b[8] = 0
	b[9] = 0
	b[10] = 0

	copy(b[11:11+length], payload)

	aux2 := make([]byte, 4)
	binary.BigEndian.PutUint32(aux2, previousTagSize)
	copy(b[previousTagSize:previousTagSize+4], aux2)

	return b
}

// FlvHeader builds the 9-byte FLV file header plus its leading
// previous-tag-size-zero field, advertising audio and/or video presence.
func FlvHeader(hasAudio, hasVideo bool) []byte {
	flags := byte(0)
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}

	return []byte{
		'F', 'L', 'V',
		1, // version
		flags,
		0, 0, 0, 9, // header size
		0, 0, 0, 0, // previous tag size 0
	}
}
