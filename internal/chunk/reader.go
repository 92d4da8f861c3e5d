package chunk

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Reader incrementally reassembles RTMP chunks read off a connection into
// whole Packets, one chunk-stream id at a time. State for a partially
// received message on a given chunk-stream id persists across calls to
// ReadChunk, matching the per-cid continuation chunks lets an RTMP encoder
// send.
type Reader struct {
	conn        net.Conn
	br          *bufio.Reader
	inPackets   map[uint32]*Packet
	InChunkSize uint32
	ReadTimeout time.Duration

	// OnMessageStart, if set, is invoked with the running clock value
	// whenever a new message begins arriving on some chunk-stream id
	// (i.e. before its payload is read), mirroring the session-level
	// clock bookkeeping the teacher's ReadChunk wires inline.
	OnMessageStart func(clock int64)
}

func NewReader(conn net.Conn, br *bufio.Reader) *Reader {
	return &Reader{
		conn:        conn,
		br:          br,
		inPackets:   make(map[uint32]*Packet),
		InChunkSize: DefaultChunkSize,
		ReadTimeout: 30 * time.Second,
	}
}

// ReadChunk reads exactly one wire chunk and folds it into the packet that
// owns its chunk-stream id. It returns the owning packet and true once that
// packet's whole payload has arrived; otherwise it returns (nil, false) and
// the caller should call ReadChunk again for the next chunk.
func (cr *Reader) ReadChunk() (*Packet, bool, error) {
	if err := cr.conn.SetReadDeadline(time.Now().Add(cr.ReadTimeout)); err != nil {
		return nil, false, err
	}
	startByte, err := cr.br.ReadByte()
	if err != nil {
		return nil, false, err
	}

	header := []byte{startByte}

	basicBytes := BasicHeaderSize(startByte)
	if basicBytes > 1 {
		rest := make([]byte, basicBytes-1)
		if err := cr.conn.SetReadDeadline(time.Now().Add(cr.ReadTimeout)); err != nil {
			return nil, false, err
		}
		if _, err := io.ReadFull(cr.br, rest); err != nil {
			return nil, false, fmt.Errorf("reading chunk basic header: %w", err)
		}
		header = append(header, rest...)
	}

	msgHeaderSize := int(MessageHeaderSize(uint32(header[0] >> 6)))
	if msgHeaderSize > 0 {
		rest := make([]byte, msgHeaderSize)
		if err := cr.conn.SetReadDeadline(time.Now().Add(cr.ReadTimeout)); err != nil {
			return nil, false, err
		}
		if _, err := io.ReadFull(cr.br, rest); err != nil {
			return nil, false, fmt.Errorf("reading chunk message header: %w", err)
		}
		header = append(header, rest...)
	}

	fmtID := uint32(header[0] >> 6)
	cid := DecodeBasicHeaderCID(header, basicBytes)

	p, exists := cr.inPackets[cid]
	if !exists {
		p = NewPacket()
		cr.inPackets[cid] = p
	} else if p.Handled {
		p.Handled = false
		p.Payload = make([]byte, 0)
		p.Bytes = 0
	}

	p.Header.CID = cid
	p.Header.Fmt = fmtID

	offset := basicBytes

	if p.Header.Fmt <= Type2 {
		p.Header.Timestamp = int64(be24(header[offset : offset+3]))
		offset += 3
	}

	if p.Header.Fmt <= Type1 {
		p.Header.Length = be24(header[offset : offset+3])
		p.Header.PacketType = uint32(header[offset+3])
		offset += 4
	}

	if p.Header.Fmt == Type0 {
		p.Header.StreamID = binary.LittleEndian.Uint32(header[offset : offset+4])
	}

	if p.Header.PacketType > TypeMetadata {
		return nil, false, fmt.Errorf("invalid packet type %d", p.Header.PacketType)
	}

	var extendedTimestamp int64
	if p.Header.Timestamp == TimestampRollover {
		ts := make([]byte, 4)
		if err := cr.conn.SetReadDeadline(time.Now().Add(cr.ReadTimeout)); err != nil {
			return nil, false, err
		}
		if _, err := io.ReadFull(cr.br, ts); err != nil {
			return nil, false, fmt.Errorf("reading extended timestamp: %w", err)
		}
		extendedTimestamp = int64(binary.BigEndian.Uint32(ts))
	} else {
		extendedTimestamp = p.Header.Timestamp
	}

	if p.Bytes == 0 {
		if p.Header.Fmt == Type0 {
			p.Clock = extendedTimestamp
		} else {
			p.Clock += extendedTimestamp
		}

		if cr.OnMessageStart != nil {
			cr.OnMessageStart(p.Clock)
		}

		if p.Capacity < p.Header.Length {
			p.Capacity = 1024 + p.Header.Length
		}
	}

	sizeToRead := cr.InChunkSize - (p.Bytes % cr.InChunkSize)
	if sizeToRead > p.Header.Length-p.Bytes {
		sizeToRead = p.Header.Length - p.Bytes
	}

	if sizeToRead > 0 {
		buf := make([]byte, sizeToRead)
		if err := cr.conn.SetReadDeadline(time.Now().Add(cr.ReadTimeout)); err != nil {
			return nil, false, err
		}
		if _, err := io.ReadFull(cr.br, buf); err != nil {
			return nil, false, fmt.Errorf("reading chunk payload: %w", err)
		}
		p.Bytes += sizeToRead
		p.Payload = append(p.Payload, buf...)
	}

	if p.Bytes >= p.Header.Length {
		p.Handled = true
		if p.Clock <= 0xffffffff {
			return p, true, nil
		}
	}

	return nil, false, nil
}

func be24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}
