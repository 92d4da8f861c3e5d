package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtmp-ingest/internal/amf"
	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/chunk"
	"github.com/streamforge/rtmp-ingest/internal/config"
	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
)

// fakeConn is a minimal net.Conn whose writes land in a buffer, for tests
// that only care what a session sends, not an actual socket round-trip.
type fakeConn struct {
	out bytes.Buffer
}

func (c *fakeConn) Read([]byte) (int, error)         { return 0, net.ErrClosed }
func (c *fakeConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) LocalAddr() net.Addr               { return dummyAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr              { return dummyAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error       { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "127.0.0.1:0" }

func newTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	reg := &Registry{
		Broker: broker.New(64 << 20),
		Config: &config.Config{ChunkSize: chunk.DefaultChunkSize},
		Log:    rtmplog.Nop(),
	}
	s := New(reg, 1, "203.0.113.9", conn)
	return s, conn
}

func TestHandleConnectSetsChannelAndRespondsSuccess(t *testing.T) {
	s, conn := newTestSession(t)

	cmdObj := amf.NewObject()
	cmdObj.Set("app", amf.NewString("live"))
	cmdObj.Set("objectEncoding", amf.NewNumber(0))
	cmd := &amf.Command{Name: "connect", TransactionID: 1, CmdObject: amf.NewObjectValue(cmdObj)}

	ok := s.handleConnect(cmd)
	require.True(t, ok)
	assert.Equal(t, "live", s.channel)
	assert.True(t, s.isConnected)
	assert.Greater(t, conn.out.Len(), 0)
}

func TestHandleConnectRejectsInvalidChannel(t *testing.T) {
	s, _ := newTestSession(t)

	cmdObj := amf.NewObject()
	cmdObj.Set("app", amf.NewString("live/with/slash"))
	cmd := &amf.Command{Name: "connect", TransactionID: 1, CmdObject: amf.NewObjectValue(cmdObj)}

	ok := s.handleConnect(cmd)
	assert.False(t, ok)
}

func TestHandlePublishRejectsSecondPublisherOnSameChannel(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	cmd1 := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("a")}}
	ok := s.handlePublish(cmd1, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	require.True(t, ok)
	assert.True(t, s.isPublishing)

	s2, _ := newTestSession(t)
	s2.reg.Broker = s.reg.Broker
	s2.isConnected = true
	s2.channel = "live"

	cmd2 := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("b")}}
	ok = s2.handlePublish(cmd2, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	assert.False(t, ok)
	assert.False(t, s2.isPublishing)
}

func TestHandlePublishRejectsEmptyKey(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	cmd := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("")}}
	ok := s.handlePublish(cmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	assert.True(t, ok)
	assert.False(t, s.isPublishing)
}

func TestHandlePlayIdlesWithoutPublisher(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	cmd := &amf.Command{Name: "play", Extra: []*amf.Value{amf.NewString("a")}}
	ok := s.handlePlay(cmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	require.True(t, ok)
	assert.True(t, s.isIdling)
	assert.False(t, s.isPlaying)
}

func TestHandlePlayParsesCacheNoQueryArg(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	cmd := &amf.Command{Name: "play", Extra: []*amf.Value{amf.NewString("a?cache=no")}}
	ok := s.handlePlay(cmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	require.True(t, ok)
	assert.Equal(t, "a", s.key)
	assert.True(t, s.gopPlaySkip)
}

func TestDeliverChunksFramesPayloadForSubscriberChunkSize(t *testing.T) {
	s, conn := newTestSession(t)
	s.playStreamID = 1
	s.isPlaying = true
	s.receiveVideo = true

	s.DeliverChunks(&broker.CachedPacket{PacketType: chunk.TypeVideo, Timestamp: 10, Payload: []byte{1, 2, 3}})
	assert.Greater(t, conn.out.Len(), 0)
}

func TestDeliverChunksSkipsWhenNotPlaying(t *testing.T) {
	s, conn := newTestSession(t)
	s.playStreamID = 1

	s.DeliverChunks(&broker.CachedPacket{PacketType: chunk.TypeVideo, Timestamp: 10, Payload: []byte{1, 2, 3}})
	assert.Equal(t, 0, conn.out.Len())
}

func TestDeliverChunksSkipsWhenPaused(t *testing.T) {
	s, conn := newTestSession(t)
	s.playStreamID = 1
	s.isPlaying = true
	s.isPause = true

	s.DeliverChunks(&broker.CachedPacket{PacketType: chunk.TypeVideo, Timestamp: 10, Payload: []byte{1, 2, 3}})
	assert.Equal(t, 0, conn.out.Len())
}

func TestDeliverChunksSkipsWhenReceiveGateClosed(t *testing.T) {
	s, conn := newTestSession(t)
	s.playStreamID = 1
	s.isPlaying = true
	s.receiveAudio = false

	s.DeliverChunks(&broker.CachedPacket{PacketType: chunk.TypeAudio, Timestamp: 10, Payload: []byte{1, 2, 3}})
	assert.Equal(t, 0, conn.out.Len())
}

func TestDeliverTagStreamStatusUsesOwnPlayStreamID(t *testing.T) {
	s, conn := newTestSession(t)
	s.playStreamID = 42

	s.DeliverTag(broker.TagStreamStatus, broker.StreamStatusPayload{Event: streamEOF})
	assert.Greater(t, conn.out.Len(), 0)
}

func TestTrackAckSendsACKOnceThresholdReached(t *testing.T) {
	s, conn := newTestSession(t)
	s.ackSize = 10

	s.trackAck(&chunk.Packet{Header: chunk.Header{Length: 20}})
	assert.Greater(t, conn.out.Len(), 0)
	assert.Equal(t, s.inAckSize, s.inLastAck)
}

func TestValidateStreamIDString(t *testing.T) {
	assert.True(t, validateStreamIDString("my-stream_key.1"))
	assert.False(t, validateStreamIDString(""))
	assert.False(t, validateStreamIDString("has/slash"))
}

func TestAuthorizePublishExemptsLoopbackPeers(t *testing.T) {
	s, _ := newTestSession(t)
	s.reg.Config.AuthPublish = true
	s.reg.Config.AuthSecret = "secret"
	s.ip = "127.0.0.1"

	assert.True(t, s.authorizePublish(nil))
}

func TestAuthorizePublishRejectsMissingSignWhenRequired(t *testing.T) {
	s, _ := newTestSession(t)
	s.reg.Config.AuthPublish = true
	s.reg.Config.AuthSecret = "secret"
	s.ip = "203.0.113.9"

	assert.False(t, s.authorizePublish([]string{"key"}))
}

func TestHandleConnectEmitsPreAndPostConnect(t *testing.T) {
	s, _ := newTestSession(t)

	var events []string
	s.reg.Broker.On("preConnect", func(uint64, map[string]string) { events = append(events, "pre") })
	s.reg.Broker.On("postConnect", func(uint64, map[string]string) { events = append(events, "post") })

	cmdObj := amf.NewObject()
	cmdObj.Set("app", amf.NewString("live"))
	cmd := &amf.Command{Name: "connect", TransactionID: 1, CmdObject: amf.NewObjectValue(cmdObj)}

	require.True(t, s.handleConnect(cmd))
	assert.Equal(t, []string{"pre", "post"}, events)
}

func TestHandleConnectAbortsWhenKilledByPreConnectHandler(t *testing.T) {
	s, _ := newTestSession(t)
	s.reg.Broker.On("preConnect", func(uint64, map[string]string) { s.Kill() })

	cmdObj := amf.NewObject()
	cmdObj.Set("app", amf.NewString("live"))
	cmd := &amf.Command{Name: "connect", TransactionID: 1, CmdObject: amf.NewObjectValue(cmdObj)}

	assert.False(t, s.handleConnect(cmd))
	assert.False(t, s.isConnected)
}

func TestHandlePublishEmitsPrePublish(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	var got map[string]string
	s.reg.Broker.On("prePublish", func(_ uint64, ctx map[string]string) { got = ctx })

	cmd := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("a")}}
	ok := s.handlePublish(cmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	require.True(t, ok)
	assert.Equal(t, "live", got["channel"])
	assert.Equal(t, "a", got["key"])
}

func TestHandlePlayEmitsPrePlayAndPostPlay(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	var events []string
	s.reg.Broker.On("prePlay", func(uint64, map[string]string) { events = append(events, "pre") })
	s.reg.Broker.On("postPlay", func(uint64, map[string]string) { events = append(events, "post") })

	cmd := &amf.Command{Name: "play", Extra: []*amf.Value{amf.NewString("a")}}
	ok := s.handlePlay(cmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}})
	require.True(t, ok)
	assert.Equal(t, []string{"pre", "post"}, events)
}

func TestDeleteStreamEmitsDonePublishAndDonePlay(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.channel = "live"

	var events []string
	s.reg.Broker.On("donePublish", func(uint64, map[string]string) { events = append(events, "donePublish") })
	s.reg.Broker.On("donePlay", func(uint64, map[string]string) { events = append(events, "donePlay") })

	pubCmd := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("a")}}
	require.True(t, s.handlePublish(pubCmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}}))

	playCmd := &amf.Command{Name: "play", Extra: []*amf.Value{amf.NewString("a")}}
	require.True(t, s.handlePlay(playCmd, &chunk.Packet{Header: chunk.Header{StreamID: 2}}))

	s.deleteStream(1)
	s.deleteStream(2)

	assert.ElementsMatch(t, []string{"donePublish", "donePlay"}, events)
}

func TestHandleVideoPacketClearsGopCacheOnNewIDR(t *testing.T) {
	s, _ := newTestSession(t)
	s.isConnected = true
	s.isPublishing = true
	s.channel = "live"
	require.True(t, s.reg.Broker.SetPublisher("live", "k", "s1", s.id))

	// AVC sequence header (byte 1 == 0): recorded, never cached.
	require.True(t, s.handleVideoPacket(&chunk.Packet{Payload: []byte{0x17, 0, 0, 0, 0}}))
	assert.Equal(t, 0, s.reg.Broker.GopCacheLen("live"))

	// Two P-frames (byte 1 == 1, frame type 2): appended to the cache.
	require.True(t, s.handleVideoPacket(&chunk.Packet{Payload: []byte{0x27, 1, 0, 0, 0}}))
	require.True(t, s.handleVideoPacket(&chunk.Packet{Payload: []byte{0x27, 1, 0, 0, 0}}))
	assert.Equal(t, 2, s.reg.Broker.GopCacheLen("live"))

	// A new IDR (byte 1 == 1, frame type 1) must restart the cache.
	require.True(t, s.handleVideoPacket(&chunk.Packet{Payload: []byte{0x17, 1, 0, 0, 0}}))
	assert.Equal(t, 1, s.reg.Broker.GopCacheLen("live"))
}

func TestPausedPlayerStopsReceivingFrames(t *testing.T) {
	pub, _ := newTestSession(t)
	pub.isConnected = true
	pub.channel = "live"

	pubCmd := &amf.Command{Name: "publish", Extra: []*amf.Value{amf.NewString("k")}}
	require.True(t, pub.handlePublish(pubCmd, &chunk.Packet{Header: chunk.Header{StreamID: 1}}))

	sub, subConn := newTestSession(t)
	sub.reg.Broker = pub.reg.Broker
	sub.isConnected = true
	sub.channel = "live"

	playCmd := &amf.Command{Name: "play", Extra: []*amf.Value{amf.NewString("k")}}
	require.True(t, sub.handlePlay(playCmd, &chunk.Packet{Header: chunk.Header{StreamID: 2}}))
	require.True(t, sub.isPlaying)

	pauseCmd := &amf.Command{Extra: []*amf.Value{amf.NewBool(true)}}
	require.True(t, sub.handlePause(pauseCmd))

	subConn.out.Reset()
	require.True(t, pub.handleVideoPacket(&chunk.Packet{Payload: []byte{0x27, 1, 0, 0, 0}}))
	assert.Equal(t, 0, subConn.out.Len())
}

func TestOnCloseEmitsDoneConnectOnlyWhenConnected(t *testing.T) {
	s, _ := newTestSession(t)

	fired := false
	s.reg.Broker.On("doneConnect", func(uint64, map[string]string) { fired = true })

	s.onClose()
	assert.False(t, fired)

	s.isConnected = true
	s.onClose()
	assert.True(t, fired)
}
