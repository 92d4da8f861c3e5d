package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/rtmp-ingest/internal/amf"
	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/chunk"
	"github.com/streamforge/rtmp-ingest/internal/control"
	"github.com/streamforge/rtmp-ingest/internal/media"
)

// postPublishDelay matches the spec's requirement that listeners observe the
// codec fields once at least one media frame has arrived rather than at the
// instant the publish command is accepted.
const postPublishDelay = 200 * time.Millisecond

func (s *Session) handleConnect(cmd *amf.Command) bool {
	app := cmd.CmdObject.GetProperty("app").GetString()
	channel := strings.TrimPrefix(app, "/")

	s.reg.Broker.Emit("preConnect", s.id, map[string]string{"channel": channel})
	if s.Stopped() {
		return false
	}

	s.channel = channel

	if !validateStreamIDString(s.channel) {
		s.reg.Log.Request(s.id, s.ip, "INVALID CHANNEL '"+s.channel+"'")
		return false
	}

	objectEncodingVal := cmd.CmdObject.GetProperty("objectEncoding")
	s.objectEncoding = uint32(objectEncodingVal.GetInteger())
	s.connectTime = nowMillis()
	s.bitRateCache = bitRateCache{intervalMs: 1000, lastUpdate: s.connectTime}
	s.isConnected = true

	s.reg.Log.Request(s.id, s.ip, "CONNECT '"+s.channel+"'")

	s.sendWindowACK(5000000)
	s.setPeerBandwidth(5000000, 2)
	s.setChunkSize(s.outChunkSize)
	s.respondConnect(int64(cmd.TransactionID), !objectEncodingVal.IsUndefined())

	s.reg.Broker.Emit("postConnect", s.id, map[string]string{"channel": s.channel})

	return true
}

func (s *Session) handleCreateStream(cmd *amf.Command) bool {
	s.respondCreateStream(int64(cmd.TransactionID))
	return true
}

func (s *Session) handlePublish(cmd *amf.Command, p *chunk.Packet) bool {
	sKeyPath := cmd.Arg(0).GetString()
	parts := strings.SplitN(sKeyPath, "?", 2)
	s.key = parts[0]

	if s.key == "" || !s.isConnected {
		return true
	}

	if !validateStreamIDString(s.key) {
		s.sendStatusMessage(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
		return false
	}

	s.publishStreamID = p.Header.StreamID

	s.reg.Broker.Emit("prePublish", s.id, map[string]string{"channel": s.channel, "key": s.key, "path": s.StreamPath()})
	if s.Stopped() {
		return false
	}

	if s.isPublishing {
		s.sendStatusMessage(s.publishStreamID, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return true
	}

	if s.reg.Broker.IsPublishing(s.channel) {
		s.sendStatusMessage(s.publishStreamID, "error", "NetStream.Publish.BadName", "Stream already publishing")
		return false
	}

	if !s.authorizePublish(parts) {
		s.sendStatusMessage(s.publishStreamID, "error", "NetStream.publish.Unauthorized", "Invalid publish signature")
		return false
	}

	s.reg.Log.Request(s.id, s.ip, "PUBLISH ("+strconv.Itoa(int(s.publishStreamID))+") '"+s.channel+"'")

	if s.reg.Coordinator != nil && s.reg.Coordinator.Enabled() {
		accepted, streamID := s.reg.Coordinator.RequestPublish(s.channel, s.key, s.ip)
		if !accepted {
			s.reg.Log.Request(s.id, s.ip, "Error: invalid streaming key provided")
			s.sendStatusMessage(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
		s.streamID = streamID
	} else {
		ok, streamID := control.SendStart(s.callbackConfig(), control.StartEvent{
			Channel: s.channel, Key: s.key, ClientIP: s.ip,
		}, s.reg.Log)
		if !ok {
			s.reg.Log.Request(s.id, s.ip, "Error: invalid streaming key provided")
			s.sendStatusMessage(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
		if streamID == "" {
			// No coordinator and no callback-assigned id: generate one
			// locally so the session still carries the instance id
			// SPEC_FULL.md's data model requires.
			streamID = uuid.NewString()
		}
		s.streamID = streamID
	}

	s.isPublishing = true
	s.reg.Broker.SetPublisher(s.channel, s.key, s.streamID, s.id)

	s.sendStatusMessage(s.publishStreamID, "status", "NetStream.Publish.Start", s.StreamPath()+" is now published.")

	s.reg.Broker.StartIdlePlayers(s.channel, s.key)

	go func(b *broker.Broker, id uint64, ctx map[string]string) {
		time.Sleep(postPublishDelay)
		b.Emit("postPublish", id, ctx)
	}(s.reg.Broker, s.id, map[string]string{"channel": s.channel, "key": s.key, "path": s.StreamPath()})

	return true
}

func (s *Session) handlePlay(cmd *amf.Command, p *chunk.Packet) bool {
	sKeyPath := cmd.Arg(0).GetString()
	parts := strings.SplitN(sKeyPath, "?", 2)
	s.key = parts[0]

	opts := broker.PlayOptions{}
	if len(parts) > 1 {
		params := parseQueryParams(parts[1])
		s.gopPlaySkip = params["cache"] == "no"
		s.gopPlayClear = params["cache"] == "clear"
		opts.SkipCache = s.gopPlaySkip
		opts.ClearCacheAfter = s.gopPlayClear
	}

	if s.key == "" || !s.isConnected {
		return true
	}

	s.playStreamID = p.Header.StreamID

	s.reg.Broker.Emit("prePlay", s.id, map[string]string{"channel": s.channel, "key": s.key, "path": s.StreamPath()})
	if s.Stopped() {
		return false
	}

	if s.isIdling || s.isPlaying {
		s.sendStatusMessage(s.playStreamID, "error", "NetStream.Play.BadConnection", "Connection already playing")
		return true
	}

	if !s.canPlay() {
		s.sendStatusMessage(s.playStreamID, "error", "NetStream.Play.BadName", "Your net address is not whitelisted for playing")
		return false
	}

	if !s.authorizePlay(parts) {
		s.sendStatusMessage(s.playStreamID, "error", "NetStream.Play.Unauthorized", "Invalid play signature")
		return false
	}

	s.reg.Log.Request(s.id, s.ip, "PLAY ("+strconv.Itoa(int(s.playStreamID))+") '"+s.channel+"'")

	s.respondPlay()

	idle, err := s.reg.Broker.AddPlayer(s.channel, s.key, s)
	if err != nil {
		s.reg.Log.Request(s.id, s.ip, "Error: invalid streaming key provided")
		s.sendStatusMessage(s.playStreamID, "error", "NetStream.Play.BadName", "Invalid stream key provided")
		return false
	}

	s.isIdling = idle
	s.isPlaying = !idle

	if !idle {
		s.reg.Broker.StartPlayer(s.channel, s, opts)
	} else {
		s.reg.Log.Request(s.id, s.ip, "PLAY IDLE '"+s.channel+"'")
	}

	s.reg.Broker.Emit("postPlay", s.id, map[string]string{"channel": s.channel, "key": s.key, "path": s.StreamPath()})

	return true
}

func (s *Session) handlePause(cmd *amf.Command) bool {
	if !s.isPlaying {
		return true
	}

	s.isPause = cmd.Arg(0).GetBool()

	if s.isPause {
		s.sendStreamStatus(streamEOF, s.playStreamID)
		s.sendStatusMessage(s.playStreamID, "status", "NetStream.Pause.Notify", "Paused live")
	} else {
		s.sendStreamStatus(streamBegin, s.playStreamID)
		s.reg.Broker.ResumePlayer(s.channel, s)
		s.sendStatusMessage(s.playStreamID, "status", "NetStream.Unpause.Notify", "Unpaused live")
	}

	return true
}

func (s *Session) handleDeleteStream(cmd *amf.Command) bool {
	streamID := uint32(cmd.Arg(0).GetInteger())
	s.deleteStreamCommand(streamID)
	return true
}

func (s *Session) handleCloseStream(p *chunk.Packet) bool {
	s.deleteStreamCommand(p.Header.StreamID)
	return true
}

// deleteStreamCommand is the request-driven path (sends status replies);
// deleteStream (called from onClose) is the same teardown without them.
func (s *Session) deleteStreamCommand(streamID uint32) {
	if streamID == s.playStreamID && s.playStreamID > 0 {
		s.reg.Log.Request(s.id, s.ip, "PLAY STOP '"+s.channel+"'")
		s.reg.Broker.RemovePlayer(s.channel, s.id)
		s.sendStatusMessage(s.playStreamID, "status", "NetStream.Play.Stop", "Stopped playing stream.")
		s.playStreamID = 0
		s.isPlaying = false
		s.isIdling = false
		s.reg.Broker.Emit("donePlay", s.id, map[string]string{"channel": s.channel, "key": s.key})
	}

	if streamID == s.publishStreamID && s.publishStreamID > 0 {
		if s.isPublishing {
			s.endPublish()
			s.reg.Broker.Emit("donePublish", s.id, map[string]string{"channel": s.channel, "key": s.key})
		}
		s.publishStreamID = 0
	}
}

func (s *Session) deleteStream(streamID uint32) {
	if streamID == s.playStreamID {
		s.reg.Broker.RemovePlayer(s.channel, s.id)
		s.playStreamID = 0
		s.isPlaying = false
		s.isIdling = false
		s.reg.Broker.Emit("donePlay", s.id, map[string]string{"channel": s.channel, "key": s.key})
	}
	if streamID == s.publishStreamID {
		if s.isPublishing {
			s.endPublish()
			s.reg.Broker.Emit("donePublish", s.id, map[string]string{"channel": s.channel, "key": s.key})
		}
		s.publishStreamID = 0
	}
}

// endPublish clears the broker's publisher entry and notifies the
// control-plane collaborators that the stream ended.
func (s *Session) endPublish() {
	s.isPublishing = false
	idled := s.reg.Broker.RemovePublisher(s.channel)
	for _, p := range idled {
		p.DeliverTag(broker.TagStatusMessage, broker.StatusMessagePayload{
			Level: "status", Code: "NetStream.Play.UnpublishNotify", Description: "Stream ended",
		})
		p.DeliverTag(broker.TagStreamStatus, broker.StreamStatusPayload{Event: streamEOF})
	}

	if s.reg.Coordinator != nil && s.reg.Coordinator.Enabled() {
		s.reg.Coordinator.PublishEnd(s.channel, s.streamID)
	} else {
		control.SendStop(s.callbackConfig(), control.StopEvent{
			Channel: s.channel, Key: s.key, StreamID: s.streamID, ClientIP: s.ip,
		}, s.reg.Log)
	}
}

func (s *Session) callbackConfig() control.CallbackConfig {
	return control.CallbackConfig{
		URL: s.reg.Config.CallbackURL, Secret: s.reg.Config.JWTSecret, Subject: s.reg.Config.CustomJWTSubject,
	}
}

func (s *Session) handleAudioPacket(p *chunk.Packet) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if !s.isPublishing || len(p.Payload) < 2 {
		s.trackAck(p)
		return true
	}

	soundFormat := uint32((p.Payload[0] >> 4) & 0x0f)
	if s.audioCodec == 0 {
		s.audioCodec = soundFormat
	}

	isHeader := (soundFormat == 10 || soundFormat == 13) && p.Payload[1] == 0
	if isHeader {
		s.aacSequenceHeader = p.Payload
		s.reg.Broker.SetAudioCodecHeader(s.channel, soundFormat, p.Payload)
	} else {
		s.reg.Broker.PushPacket(s.channel, &broker.CachedPacket{
			PacketType: chunk.TypeAudio, Timestamp: s.clock, Payload: p.Payload,
		}, false)
	}

	s.trackAck(p)
	return true
}

func (s *Session) handleVideoPacket(p *chunk.Packet) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if !s.isPublishing || len(p.Payload) < 2 {
		s.trackAck(p)
		return true
	}

	frameType := (p.Payload[0] >> 4) & 0x0f
	codecID := uint32(p.Payload[0] & 0x0f)
	isKeyframe := (codecID == 7 || codecID == 12) && frameType == 1

	isHeader := isKeyframe && p.Payload[1] == 0
	if isHeader {
		s.avcSequenceHeader = p.Payload
		s.reg.Broker.SetVideoCodecHeader(s.channel, codecID, p.Payload)
	}

	if s.videoCodec == 0 {
		s.videoCodec = codecID
	}

	if !isHeader {
		// byte 1 == 1 on a keyframe marks a new IDR: the GOP cache must
		// restart here so a late joiner's first cached chunk decodes.
		newIDR := isKeyframe && p.Payload[1] == 1
		s.reg.Broker.PushPacket(s.channel, &broker.CachedPacket{
			PacketType: chunk.TypeVideo, Timestamp: s.clock, Payload: p.Payload,
		}, newIDR)
	}

	s.trackAck(p)
	return true
}

// decodedCodecSummary exercises the media package's codec-header parsers,
// recovering the human-readable profile/resolution fields the spec's
// Session attributes call for (audio codec name/sample rate/channels;
// video codec name/width/height).
func (s *Session) decodedCodecSummary() (audio string, video string) {
	if len(s.aacSequenceHeader) > 6 {
		info := media.ReadAACSpecificConfig(s.aacSequenceHeader)
		audio = media.GetAACProfileName(info)
	}
	if len(s.avcSequenceHeader) > 6 {
		info := media.ReadAVCSpecificConfig(s.avcSequenceHeader)
		video = media.GetAVCProfileName(info)
	}
	return audio, video
}
