package session

import (
	"encoding/binary"

	"github.com/streamforge/rtmp-ingest/internal/amf"
	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/chunk"
)

func (s *Session) sendACK(size uint32) {
	s.sendProtocolControl(chunk.TypeAcknowledgement, size)
}

func (s *Session) sendWindowACK(size uint32) {
	s.sendProtocolControl(chunk.TypeWindowAckSize, size)
}

func (s *Session) sendProtocolControl(packetType uint32, size uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	s.sendControlPacket(packetType, payload)
}

func (s *Session) setPeerBandwidth(size uint32, limitType byte) {
	payload := make([]byte, 5)
	binary.BigEndian.PutUint32(payload, size)
	payload[4] = limitType
	s.sendControlPacket(chunk.TypeSetPeerBandwidth, payload)
}

func (s *Session) setChunkSize(size uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	s.sendControlPacket(chunk.TypeSetChunkSize, payload)
	s.outChunkSize = size
}

func (s *Session) sendControlPacket(packetType uint32, payload []byte) {
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelProtocol,
			PacketType: packetType, Length: uint32(len(payload)),
		},
		Payload: payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendStreamStatus(event uint16, streamID uint32) {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], event)
	binary.BigEndian.PutUint32(payload[2:6], streamID)

	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelProtocol,
			PacketType: chunk.TypeUserControlEvent, Length: uint32(len(payload)),
		},
		Payload: payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendInvokeMessage(streamID uint32, payload []byte) {
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelInvoke,
			PacketType: chunk.TypeInvoke, StreamID: streamID, Length: uint32(len(payload)),
		},
		Payload: payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendDataMessage(streamID uint32, payload []byte) {
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelData,
			PacketType: chunk.TypeData, StreamID: streamID, Length: uint32(len(payload)),
		},
		Payload: payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendStatusMessage(streamID uint32, level, code, description string) {
	info := amf.NewObject()
	info.Set("level", amf.NewString(level))
	info.Set("code", amf.NewString(code))
	if description != "" {
		info.Set("description", amf.NewString(description))
	}

	payload := amf.EncodeCommand("onStatus", 0, amf.NewNull(), amf.NewObjectValue(info))
	s.sendInvokeMessage(streamID, payload)
}

func (s *Session) sendSampleAccess(streamID uint32) {
	payload := amf.EncodeData("|RtmpSampleAccess", amf.NewBool(false), amf.NewBool(false))
	s.sendDataMessage(streamID, payload)
}

func (s *Session) respondConnect(transID int64, hasObjectEncoding bool) {
	cmdObj := amf.NewObject()
	cmdObj.Set("fmsVer", amf.NewString("FMS/3,0,1,123"))
	cmdObj.Set("capabilities", amf.NewNumber(31))

	info := amf.NewObject()
	info.Set("level", amf.NewString("status"))
	info.Set("code", amf.NewString("NetConnection.Connect.Success"))
	info.Set("description", amf.NewString("Connection succeeded."))
	if hasObjectEncoding {
		info.Set("objectEncoding", amf.NewNumber(float64(s.objectEncoding)))
	} else {
		info.Set("objectEncoding", amf.New(amf.Amf0TypeUndefined))
	}

	payload := amf.EncodeCommand("_result", float64(transID), amf.NewObjectValue(cmdObj), amf.NewObjectValue(info))
	s.sendInvokeMessage(0, payload)
}

func (s *Session) respondCreateStream(transID int64) {
	s.streams++
	payload := amf.EncodeCommand("_result", float64(transID), amf.NewNull(), amf.NewNumber(float64(s.streams)))
	s.sendInvokeMessage(0, payload)
}

func (s *Session) respondPlay() {
	s.sendStreamStatus(streamBegin, s.playStreamID)
	s.sendStatusMessage(s.playStreamID, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	s.sendStatusMessage(s.playStreamID, "status", "NetStream.Play.Start", "Started playing stream.")
	s.sendSampleAccess(0)
}

func (s *Session) sendMetadata(metaData []byte, timestamp int64) {
	if len(metaData) == 0 {
		return
	}
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelData, PacketType: chunk.TypeData,
			StreamID: s.playStreamID, Timestamp: timestamp, Length: uint32(len(metaData)),
		},
		Payload: metaData,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendAudioCodecHeader(codec uint32, header []byte, timestamp int64) {
	if len(header) == 0 || (codec != 10 && codec != 13) {
		return
	}
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelAudio, PacketType: chunk.TypeAudio,
			StreamID: s.playStreamID, Timestamp: timestamp, Length: uint32(len(header)),
		},
		Payload: header,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendVideoCodecHeader(codec uint32, header []byte, timestamp int64) {
	if len(header) == 0 || (codec != 7 && codec != 12) {
		return
	}
	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelVideo, PacketType: chunk.TypeVideo,
			StreamID: s.playStreamID, Timestamp: timestamp, Length: uint32(len(header)),
		},
		Payload: header,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

// SendPingRequest sends a PingRequest user-control event carrying elapsed
// time since connect, for the server's periodic keepalive loop.
func (s *Session) SendPingRequest() {
	if !s.isConnected {
		return
	}

	elapsed := uint32(nowMillis() - s.connectTime)
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], 6)
	binary.BigEndian.PutUint32(payload[2:6], elapsed)

	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: chunk.ChannelProtocol,
			PacketType: chunk.TypeUserControlEvent, Timestamp: int64(elapsed), Length: uint32(len(payload)),
		},
		Payload: payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

// DeliverChunks implements broker.Subscriber: it re-frames a cached/live
// packet for this session's own chunk size and stream id before writing it.
// Delivery is gated exactly as the teacher's fan-out loop gates it: the
// subscriber must be playing, not paused, and have its receive-audio/
// receive-video gate open for this packet's media type.
func (s *Session) DeliverChunks(cp *broker.CachedPacket) {
	if !s.isPlaying || s.isPause {
		return
	}
	if cp.PacketType == chunk.TypeAudio && !s.receiveAudio {
		return
	}
	if cp.PacketType == chunk.TypeVideo && !s.receiveVideo {
		return
	}

	cid := uint32(chunk.ChannelAudio)
	if cp.PacketType == chunk.TypeVideo {
		cid = chunk.ChannelVideo
	}

	p := &chunk.Packet{
		Header: chunk.Header{
			Fmt: chunk.Type0, CID: cid, PacketType: cp.PacketType,
			StreamID: s.playStreamID, Timestamp: cp.Timestamp, Length: uint32(len(cp.Payload)),
		},
		Payload: cp.Payload,
	}
	s.sendSync(p.CreateChunks(int(s.outChunkSize)))
}

// DeliverTag implements broker.Subscriber: side-channel deliveries (codec
// headers, metadata, stream-status events, status replies) the broker sends
// outside the ordinary chunk fan-out path.
func (s *Session) DeliverTag(kind broker.TagKind, payload interface{}) {
	switch kind {
	case broker.TagMetadata:
		v := payload.(broker.MetadataPayload)
		s.sendMetadata(v.Data, v.Clock)
	case broker.TagAudioCodecHeader:
		v := payload.(broker.CodecHeaderPayload)
		s.sendAudioCodecHeader(v.Codec, v.Header, v.Clock)
	case broker.TagVideoCodecHeader:
		v := payload.(broker.CodecHeaderPayload)
		s.sendVideoCodecHeader(v.Codec, v.Header, v.Clock)
	case broker.TagStatusMessage:
		// The broker doesn't know this subscriber's own play stream id, so
		// side-channel status deliveries always target this session's own.
		v := payload.(broker.StatusMessagePayload)
		s.sendStatusMessage(s.playStreamID, v.Level, v.Code, v.Description)
	case broker.TagStreamStatus:
		v := payload.(broker.StreamStatusPayload)
		s.sendStreamStatus(uint16(v.Event), s.playStreamID)
	}
}
