package chunk

import "encoding/binary"

// Header is the metadata of one RTMP message, reconstructed from one or
// more wire chunks sharing a chunk-stream id.
type Header struct {
	Timestamp  int64
	Fmt        uint32
	CID        uint32
	PacketType uint32
	StreamID   uint32
	Length     uint32
}

// Packet is a whole (possibly still-assembling) RTMP message.
type Packet struct {
	Header   Header
	Clock    int64 // running clock, derived from timestamp/delta chunks
	Capacity uint32
	Bytes    uint32 // bytes of payload received so far
	Handled  bool
	Payload  []byte
}

func NewPacket() *Packet {
	return &Packet{Payload: []byte{}}
}

// BasicHeaderSize returns how many bytes a chunk's basic header occupies
// given its first byte, so the reader knows how many more bytes to pull off
// the wire before it has the whole basic header.
func BasicHeaderSize(firstByte byte) int {
	switch firstByte & 0x3f {
	case 0:
		return 2
	case 1:
		return 3
	default:
		return 1
	}
}

// MessageHeaderSize returns the byte-length of the message header that
// follows the basic header, for the given chunk format (0-3).
func MessageHeaderSize(fmtID uint32) uint32 {
	return headerSizeByFormat[fmtID]
}

// BuildBasicHeader serializes a chunk basic header for fmtID/cid. Chunk
// stream ids below 64 fit in the low 6 bits of the first byte; ids up to
// 64+255 use a 1-byte extension; larger ids use a 2-byte little-endian
// extension added to 64. The 2-byte extension must compute (cid-64)>>8,
// not cid-(64>>8) — Go's >> binds tighter than its infix -, so writing the
// expression without the parens silently drops the subtraction.
func BuildBasicHeader(fmtID uint32, cid uint32) []byte {
	var out []byte

	if cid > 64+255 {
		out = make([]byte, 3)
		out[0] = byte(fmtID<<6) | 1
		out[1] = byte((cid - 64) & 0xff)
		out[2] = byte(((cid - 64) >> 8) & 0xff)
	} else if cid >= 64 {
		out = make([]byte, 2)
		out[0] = byte(fmtID << 6)
		out[1] = byte((cid - 64) & 0xff)
	} else {
		out = make([]byte, 1)
		out[0] = byte(fmtID<<6) | byte(cid)
	}

	return out
}

// DecodeBasicHeaderCID recovers the chunk-stream id from a basic header,
// given how many bytes BasicHeaderSize said to read. The 3-byte form's
// extra byte is the high half of (cid-64), so it must be shifted left
// before being added in, not after the whole sum is shifted.
func DecodeBasicHeaderCID(header []byte, basicBytes int) uint32 {
	switch basicBytes {
	case 2:
		return 64 + uint32(header[1])
	case 3:
		return 64 + uint32(header[1]) + (uint32(header[2]) << 8)
	default:
		return uint32(header[0] & 0x3f)
	}
}

// BuildMessageHeader serializes the message header following the basic
// header, for fmt types 0-2 (timestamp/delta), 0-1 (length+type) and 0
// (stream id), per the RTMP chunk format.
func BuildMessageHeader(p *Packet) []byte {
	out := make([]byte, 0, 11)

	if p.Header.Fmt <= Type2 {
		b := make([]byte, 4)
		if p.Header.Timestamp >= TimestampRollover {
			binary.BigEndian.PutUint32(b, TimestampRollover)
		} else {
			binary.BigEndian.PutUint32(b, uint32(p.Header.Timestamp))
		}
		out = append(out, b[1:]...)
	}

	if p.Header.Fmt <= Type1 {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, p.Header.Length)
		out = append(out, b[1:]...)
		out = append(out, byte(p.Header.PacketType))
	}

	if p.Header.Fmt == Type0 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, p.Header.StreamID)
		out = append(out, b...)
	}

	return out
}

// CreateChunks splits the packet's payload into wire chunks of at most
// outChunkSize bytes, using a type-3 (no header) basic header for every
// continuation chunk after the first, per RTMP chunk-stream multiplexing.
func (p *Packet) CreateChunks(outChunkSize int) []byte {
	basicHeader := BuildBasicHeader(p.Header.Fmt, p.Header.CID)
	basicHeader3 := BuildBasicHeader(Type3, p.Header.CID)
	messageHeader := BuildMessageHeader(p)

	useExtendedTimestamp := p.Header.Timestamp >= TimestampRollover

	headerSize := len(basicHeader) + len(messageHeader)
	payloadSize := int(p.Header.Length)
	if useExtendedTimestamp {
		headerSize += 4
	}

	n := headerSize + payloadSize + (payloadSize / outChunkSize)
	if useExtendedTimestamp {
		n += (payloadSize / outChunkSize) * 4
	}
	if payloadSize > 0 && (payloadSize%outChunkSize) == 0 {
		n--
		if useExtendedTimestamp {
			n -= 4
		}
	}

	chunks := make([]byte, n)
	offset := 0

	copy(chunks[offset:], basicHeader)
	offset += len(basicHeader)

	copy(chunks[offset:], messageHeader)
	offset += len(messageHeader)

	if useExtendedTimestamp {
		binary.BigEndian.PutUint32(chunks[offset:offset+4], uint32(p.Header.Timestamp))
		offset += 4
	}

	payloadOffset := 0
	for payloadSize > 0 {
		if payloadSize > outChunkSize {
			copy(chunks[offset:], p.Payload[payloadOffset:payloadOffset+outChunkSize])
			payloadSize -= outChunkSize
			offset += outChunkSize
			payloadOffset += outChunkSize

			copy(chunks[offset:], basicHeader3)
			offset += len(basicHeader3)

			if useExtendedTimestamp {
				binary.BigEndian.PutUint32(chunks[offset:offset+4], uint32(p.Header.Timestamp))
				offset += 4
			}
		} else {
			copy(chunks[offset:], p.Payload[payloadOffset:payloadOffset+payloadSize])
			offset += payloadSize
			payloadOffset += payloadSize
			payloadSize = 0
		}
	}

	return chunks
}
