package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id       uint64
	ip, key  string
	chunks   []*CachedPacket
	tags     []TagKind
	killed   bool
}

func (f *fakeSubscriber) ID() uint64  { return f.id }
func (f *fakeSubscriber) IP() string  { return f.ip }
func (f *fakeSubscriber) Key() string { return f.key }
func (f *fakeSubscriber) DeliverChunks(p *CachedPacket) { f.chunks = append(f.chunks, p) }
func (f *fakeSubscriber) DeliverTag(kind TagKind, _ interface{}) { f.tags = append(f.tags, kind) }
func (f *fakeSubscriber) Kill() { f.killed = true }

func TestSetPublisherRejectsSecondPublisherOnSameChannel(t *testing.T) {
	b := New(1024)

	ok := b.SetPublisher("live/a", "k", "s1", 1)
	require.True(t, ok)

	ok = b.SetPublisher("live/a", "k2", "s2", 2)
	assert.False(t, ok)
}

func TestAddPlayerIdlesUntilPublisherArrives(t *testing.T) {
	b := New(1024)
	sub := &fakeSubscriber{id: 1, key: "k"}

	idling, err := b.AddPlayer("live/a", "k", sub)
	require.NoError(t, err)
	assert.True(t, idling)

	require.True(t, b.SetPublisher("live/a", "k", "s1", 99))
	b.StartIdlePlayers("live/a", "k")

	assert.Contains(t, sub.tags, TagMetadata)
	assert.Contains(t, sub.tags, TagAudioCodecHeader)
	assert.Contains(t, sub.tags, TagVideoCodecHeader)
	assert.False(t, sub.killed)
}

func TestAddPlayerWithBadKeyIsKilledOnPromotion(t *testing.T) {
	b := New(1024)
	sub := &fakeSubscriber{id: 1, key: "wrong"}

	_, err := b.AddPlayer("live/a", "wrong", sub)
	require.NoError(t, err)

	require.True(t, b.SetPublisher("live/a", "right", "s1", 99))
	b.StartIdlePlayers("live/a", "right")

	assert.True(t, sub.killed)
}

func TestAddPlayerRejectsMismatchedKeyWhileAlreadyPublishing(t *testing.T) {
	b := New(1024)
	require.True(t, b.SetPublisher("live/a", "right", "s1", 99))

	sub := &fakeSubscriber{id: 1, key: "wrong"}
	_, err := b.AddPlayer("live/a", "wrong", sub)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPushPacketFansOutToLivePlayersOnly(t *testing.T) {
	b := New(1024)

	// Attached before any publisher exists, so it starts out idling and is
	// never promoted: it must not receive live packets.
	idle := &fakeSubscriber{id: 3, key: "k"}
	idling, err := b.AddPlayer("live/a", "k", idle)
	require.NoError(t, err)
	require.True(t, idling)

	require.True(t, b.SetPublisher("live/a", "k", "s1", 1))

	live := &fakeSubscriber{id: 2, key: "k"}
	_, err = b.AddPlayer("live/a", "k", live)
	require.NoError(t, err)
	b.StartPlayer("live/a", live, PlayOptions{})

	pkt := &CachedPacket{PacketType: 9, Payload: []byte{1, 2, 3}}
	b.PushPacket("live/a", pkt, false)

	assert.Len(t, live.chunks, 1)
	assert.Empty(t, idle.chunks)
}

func TestGopCacheEvictsOldestPacketsPastLimit(t *testing.T) {
	b := New(10) // 10-byte budget

	require.True(t, b.SetPublisher("live/a", "k", "s1", 1))

	b.PushPacket("live/a", &CachedPacket{Payload: make([]byte, 6)}, false)
	assert.Equal(t, 1, b.GopCacheLen("live/a"))

	b.PushPacket("live/a", &CachedPacket{Payload: make([]byte, 6)}, false)
	// second packet pushes total to 12 > 10, oldest evicted, 1 remains
	assert.Equal(t, 1, b.GopCacheLen("live/a"))
}

func TestPushPacketWithNewGOPClearsExistingCache(t *testing.T) {
	b := New(1024)
	require.True(t, b.SetPublisher("live/a", "k", "s1", 1))

	b.PushPacket("live/a", &CachedPacket{Payload: []byte{1}}, false)
	b.PushPacket("live/a", &CachedPacket{Payload: []byte{2}}, false)
	require.Equal(t, 2, b.GopCacheLen("live/a"))

	// A new IDR must discard whatever was cached before it, so a late
	// joiner's first replayed chunk is always a keyframe.
	b.PushPacket("live/a", &CachedPacket{Payload: []byte{3}}, true)
	assert.Equal(t, 1, b.GopCacheLen("live/a"))
}

func TestRemovePublisherIdlesPlayersAndClearsCache(t *testing.T) {
	b := New(1024)
	require.True(t, b.SetPublisher("live/a", "k", "s1", 1))
	b.PushPacket("live/a", &CachedPacket{Payload: []byte{1}}, false)
	assert.Equal(t, 1, b.GopCacheLen("live/a"))

	player := &fakeSubscriber{id: 2, key: "k"}
	_, _ = b.AddPlayer("live/a", "k", player)
	b.StartPlayer("live/a", player, PlayOptions{})

	idled := b.RemovePublisher("live/a")
	require.Len(t, idled, 1)
	assert.Equal(t, 0, b.GopCacheLen("live/a"))
}

func TestChannelIsGarbageCollectedOnceEmpty(t *testing.T) {
	b := New(1024)
	require.True(t, b.SetPublisher("live/a", "k", "s1", 1))
	b.RemovePublisher("live/a")

	assert.False(t, b.IsPublishing("live/a"))
	assert.Empty(t, b.channels)
}
