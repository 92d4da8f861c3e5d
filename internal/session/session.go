// Package session implements one RTMP connection's state machine: handshake,
// chunk read loop, command dispatch, and the broker.Subscriber delivery
// hooks a publish or play binds it to.
package session

import (
	"bufio"
	"math"
	"net"
	"sync"
	"time"

	"github.com/streamforge/rtmp-ingest/internal/amf"
	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/chunk"
	"github.com/streamforge/rtmp-ingest/internal/config"
	"github.com/streamforge/rtmp-ingest/internal/control"
	"github.com/streamforge/rtmp-ingest/internal/handshake"
	"github.com/streamforge/rtmp-ingest/internal/media"
	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
)

// bitRateCache tracks bytes-received over a sliding window to derive a
// displayed bitrate, matching the teacher's BitRateCache.
type bitRateCache struct {
	intervalMs int64
	lastUpdate int64
	bytes      uint64
}

// Registry is the capability a Session needs from whatever owns every
// connection on the process: the shared broker and optional control-plane
// collaborators.
type Registry struct {
	Broker      *broker.Broker
	Config      *config.Config
	Coordinator *control.Coordinator
	Log         *rtmplog.Logger
}

// Session is one accepted TCP connection's RTMP state. It implements
// broker.Subscriber so the broker can fan out to it without knowing its
// concrete type.
type Session struct {
	reg *Registry

	conn net.Conn
	id   uint64
	ip   string

	mu        sync.Mutex
	publishMu sync.Mutex

	reader *chunk.Reader

	outChunkSize uint32

	ackSize   uint32
	inAckSize uint32
	inLastAck uint32

	objectEncoding uint32
	connectTime    int64

	playStreamID    uint32
	publishStreamID uint32
	streams         uint32

	receiveAudio bool
	receiveVideo bool

	channel  string
	key      string
	streamID string

	isConnected  bool
	isPublishing bool
	isPlaying    bool
	isIdling     bool
	isPause      bool

	gopPlaySkip  bool
	gopPlayClear bool

	metaData          []byte
	audioCodec        uint32
	videoCodec        uint32
	aacSequenceHeader []byte
	avcSequenceHeader []byte

	clock int64

	bitRate      uint64
	bitRateCache bitRateCache

	stopped bool
}

// New builds a Session for a freshly accepted connection. id must be unique
// for the lifetime of the process.
func New(reg *Registry, id uint64, ip string, conn net.Conn) *Session {
	return &Session{
		reg:          reg,
		conn:         conn,
		id:           id,
		ip:           ip,
		outChunkSize: reg.Config.ChunkSize,
		receiveAudio: true,
		receiveVideo: true,
		bitRateCache: bitRateCache{intervalMs: 1000},
	}
}

func (s *Session) ID() uint64    { return s.id }
func (s *Session) IP() string    { return s.ip }
func (s *Session) Key() string   { return s.key }
func (s *Session) Channel() string { return s.channel }
func (s *Session) StreamID() string { return s.streamID }

// sendSync writes raw bytes to the socket, serialized against concurrent
// writers (the fan-out goroutine and this session's own read loop both call
// it).
func (s *Session) sendSync(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.conn.Write(b)
}

// Kill closes the underlying connection, unblocking the read loop, and marks
// the session as externally stopped so a connect in flight can abort instead
// of completing.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	_ = s.conn.Close()
}

// Stopped reports whether Kill has been called on this session.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StreamPath returns the /<channel>/<key> path this session is associated
// with, for logging.
func (s *Session) StreamPath() string {
	return "/" + s.channel + "/" + s.key
}

// Run performs the handshake and then reads chunks until the connection
// closes or a fatal protocol error occurs. It always cleans up broker state
// before returning.
func (s *Session) Run() {
	defer s.onClose()

	readTimeout := time.Duration(s.reg.Config.PingTimeout) * time.Second
	br := bufio.NewReaderSize(s.conn, 4096)

	if err := handshake.Perform(s.conn, br, readTimeout); err != nil {
		s.reg.Log.DebugSession(s.id, s.ip, "handshake failed: "+err.Error())
		return
	}

	s.reader = chunk.NewReader(s.conn, br)
	s.reader.InChunkSize = chunk.DefaultChunkSize
	s.reader.ReadTimeout = readTimeout
	s.reader.OnMessageStart = func(clock int64) { s.clock = clock }

	for {
		pkt, complete, err := s.reader.ReadChunk()
		if err != nil {
			s.reg.Log.DebugSession(s.id, s.ip, "read error: "+err.Error())
			return
		}
		if !complete {
			continue
		}
		if !s.handlePacket(pkt) {
			return
		}
	}
}

func (s *Session) onClose() {
	if s.playStreamID > 0 {
		s.deleteStream(s.playStreamID)
	}
	if s.publishStreamID > 0 {
		s.deleteStream(s.publishStreamID)
	}
	wasConnected := s.isConnected
	s.isConnected = false

	if wasConnected {
		s.reg.Broker.Emit("doneConnect", s.id, map[string]string{"channel": s.channel})
	}
}

// handlePacket dispatches one fully-reassembled RTMP message by its packet
// type, mirroring the teacher's HandlePacket switch.
func (s *Session) handlePacket(p *chunk.Packet) bool {
	switch p.Header.PacketType {
	case chunk.TypeSetChunkSize:
		if len(p.Payload) >= 4 {
			s.reader.InChunkSize = beUint32(p.Payload)
		}
	case chunk.TypeWindowAckSize:
		if len(p.Payload) >= 4 {
			s.ackSize = beUint32(p.Payload)
		}
	case chunk.TypeAudio:
		return s.handleAudioPacket(p)
	case chunk.TypeVideo:
		return s.handleVideoPacket(p)
	case chunk.TypeFlexMessage:
		return s.handleInvoke(p, true)
	case chunk.TypeInvoke:
		return s.handleInvoke(p, false)
	case chunk.TypeData:
		return s.handleDataPacket(p.Payload)
	case chunk.TypeFlexStream:
		if len(p.Payload) > 1 {
			return s.handleDataPacket(p.Payload[1:])
		}
	}

	s.trackAck(p)
	return true
}

func (s *Session) handleInvoke(p *chunk.Packet, isFlex bool) bool {
	payload := p.Payload
	if isFlex && len(payload) > 0 {
		payload = payload[1:]
	}

	cmd := amf.DecodeCommand(payload)
	s.reg.Log.Request(s.id, s.ip, "INVOKE "+cmd.String())

	ok := true
	switch cmd.Name {
	case "connect":
		ok = s.handleConnect(&cmd)
	case "createStream":
		ok = s.handleCreateStream(&cmd)
	case "publish":
		ok = s.handlePublish(&cmd, p)
	case "play":
		ok = s.handlePlay(&cmd, p)
	case "pause":
		ok = s.handlePause(&cmd)
	case "deleteStream":
		ok = s.handleDeleteStream(&cmd)
	case "closeStream":
		ok = s.handleCloseStream(p)
	case "receiveAudio":
		s.receiveAudio = cmd.Arg(0).GetBool()
	case "receiveVideo":
		s.receiveVideo = cmd.Arg(0).GetBool()
	}

	s.trackAck(p)
	return ok
}

func (s *Session) handleDataPacket(payload []byte) bool {
	data := amf.DecodeData(payload)
	if data.Tag == "@setDataFrame" {
		out := amf.Data{Tag: "onMetaData", Values: []*amf.Value{data.Object()}}
		metaData := amf.EncodeData(out.Tag, out.Values...)
		s.metaData = metaData
		if s.isPublishing {
			s.reg.Broker.SetMetaData(s.channel, metaData)
		}
	}
	return true
}

func (s *Session) trackAck(p *chunk.Packet) {
	read := chunk.MaxChunkHeader + p.Header.Length
	s.inAckSize += read
	if s.inAckSize >= 0xf0000000 {
		s.inAckSize = 0
		s.inLastAck = 0
	}
	if s.ackSize > 0 && s.inAckSize-s.inLastAck >= s.ackSize {
		s.inLastAck = s.inAckSize
		s.sendACK(s.inAckSize)
	}

	now := time.Now().UnixMilli()
	s.bitRateCache.bytes += uint64(read)
	diff := now - s.bitRateCache.lastUpdate
	if diff >= s.bitRateCache.intervalMs {
		s.bitRate = uint64(math.Round(float64(s.bitRateCache.bytes) * 8 / float64(diff)))
		s.bitRateCache.bytes = 0
		s.bitRateCache.lastUpdate = now
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
