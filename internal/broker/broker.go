// Package broker tracks publishers and subscribers per stream channel,
// replays a bounded GOP cache to newly attached players, and fans chunks out
// from a publisher to its players. A Broker holds no package-level state: a
// caller constructs one per server instance (or one per test) and every
// method hangs off that value.
package broker

import (
	"container/list"
	"crypto/subtle"
	"errors"
	"sync"
)

// ErrInvalidKey is returned by AddPlayer when a channel is being published
// under a different stream key than the one the subscriber presented.
var ErrInvalidKey = errors.New("invalid stream key")

// Subscriber is the delivery capability a broker fans packets out to. The
// concrete session type implements both methods; the broker never reaches
// into session internals directly, only through this interface.
type Subscriber interface {
	ID() uint64
	IP() string
	Key() string

	// DeliverChunks sends a raw media packet (audio, video or data) to the
	// subscriber, re-encoded at whatever chunk size that subscriber's
	// connection currently uses.
	DeliverChunks(p *CachedPacket)

	// DeliverTag sends a side-channel event not carried as a media packet:
	// codec headers, metadata, stream-status events and status replies.
	DeliverTag(kind TagKind, payload interface{})

	Kill()
}

// TagKind identifies what DeliverTag is being asked to deliver.
type TagKind int

const (
	TagMetadata TagKind = iota
	TagAudioCodecHeader
	TagVideoCodecHeader
	TagStatusMessage
	TagStreamStatus
)

// MetadataPayload is passed to DeliverTag with TagMetadata.
type MetadataPayload struct {
	Data  []byte
	Clock int64
}

// CodecHeaderPayload is passed to DeliverTag with TagAudioCodecHeader or
// TagVideoCodecHeader.
type CodecHeaderPayload struct {
	Codec  uint32
	Header []byte
	Clock  int64
}

// StatusMessagePayload is passed to DeliverTag with TagStatusMessage.
type StatusMessagePayload struct {
	StreamID    uint32
	Level       string
	Code        string
	Description string
}

// StreamStatusPayload is passed to DeliverTag with TagStreamStatus.
type StreamStatusPayload struct {
	Event    uint32
	StreamID uint32
}

// CachedPacket is one GOP-cache entry, or a live packet being fanned out.
// It is intentionally decoupled from the chunk package's wire Packet: the
// broker only needs to know what the packet is, not how it is framed.
type CachedPacket struct {
	PacketType uint32
	Timestamp  int64
	Payload    []byte
}

func (p *CachedPacket) size() int64 { return int64(len(p.Payload)) }

// channel holds every piece of per-stream state that must be read and
// mutated together: publisher identity, codec headers, GOP cache and the
// player set. A single mutex per channel keeps a publish and a concurrent
// play/pause/unpublish from racing.
type channel struct {
	mu sync.Mutex

	name         string
	key          string
	streamID     string
	publisherID  uint64
	isPublishing bool

	players map[uint64]Subscriber
	idling  map[uint64]bool

	clock             int64
	metaData          []byte
	audioCodec        uint32
	aacSequenceHeader []byte
	videoCodec        uint32
	avcSequenceHeader []byte

	gopCache       *list.List
	gopCacheSize   int64
	gopCacheClosed bool // disabled after a "clear" player consumed it once
}

// Broker is the publisher/subscriber registry and GOP cache owner for one
// server instance. Zero value is not usable; construct with New.
type Broker struct {
	mu       sync.Mutex
	channels map[string]*channel

	// GopCacheLimit bounds, per publisher, the total payload bytes kept in
	// its GOP cache. The oldest cached packet is evicted first once the
	// bound is exceeded. Zero disables the GOP cache outright.
	GopCacheLimit int64

	events eventBus
}

func New(gopCacheLimit int64) *Broker {
	return &Broker{
		channels:      make(map[string]*channel),
		GopCacheLimit: gopCacheLimit,
	}
}

func (b *Broker) getOrCreate(name string) *channel {
	c := b.channels[name]
	if c == nil {
		c = &channel{
			name:     name,
			players:  make(map[uint64]Subscriber),
			idling:   make(map[uint64]bool),
			gopCache: list.New(),
		}
		b.channels[name] = c
	}
	return c
}

func (b *Broker) gc(name string, c *channel) {
	if !c.isPublishing && len(c.players) == 0 {
		delete(b.channels, name)
	}
}

// IsPublishing reports whether channel currently has an active publisher.
func (b *Broker) IsPublishing(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.channels[name]
	return c != nil && c.isPublishing
}

// SetPublisher claims channel for subscriberID under key/streamID. It
// fails if the channel already has an active publisher.
func (b *Broker) SetPublisher(name, key, streamID string, subscriberID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isPublishing {
		return false
	}

	c.key = key
	c.streamID = streamID
	c.isPublishing = true
	c.publisherID = subscriberID
	c.gopCacheClosed = false

	return true
}

// RemovePublisher clears channel's publisher, moving every attached player
// back to idle, and discards the GOP cache.
func (b *Broker) RemovePublisher(name string) []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.channels[name]
	if c == nil {
		return nil
	}

	c.mu.Lock()
	idled := make([]Subscriber, 0, len(c.players))
	for id, p := range c.players {
		c.idling[id] = true
		idled = append(idled, p)
	}
	c.publisherID = 0
	c.isPublishing = false
	c.gopCache = list.New()
	c.gopCacheSize = 0
	c.mu.Unlock()

	b.gc(name, c)

	return idled
}

// AddPlayer attaches a subscriber to channel. The returned bool reports
// whether the player starts out idling (no active publisher yet). When a
// publisher is active and uses a different key than the one the subscriber
// presented, the player is not added and ErrInvalidKey is returned.
func (b *Broker) AddPlayer(name, key string, s Subscriber) (idling bool, err error) {
	b.mu.Lock()
	c := b.getOrCreate(name)
	b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isPublishing {
		if subtle.ConstantTimeCompare([]byte(key), []byte(c.key)) != 1 {
			return false, ErrInvalidKey
		}
		idling = false
	} else {
		idling = true
	}

	c.players[s.ID()] = s
	c.idling[s.ID()] = idling

	return idling, nil
}

// RemovePlayer detaches a subscriber from channel.
func (b *Broker) RemovePlayer(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.channels[name]
	if c == nil {
		return
	}

	c.mu.Lock()
	delete(c.players, id)
	delete(c.idling, id)
	c.mu.Unlock()

	b.gc(name, c)
}

// IdlePlayers returns every subscriber on channel currently waiting for a
// publisher to show up (or resume).
func (b *Broker) IdlePlayers(name string) []Subscriber {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Subscriber, 0, len(c.idling))
	for id := range c.idling {
		if c.idling[id] {
			out = append(out, c.players[id])
		}
	}
	return out
}

// Players returns every subscriber on channel currently receiving the
// live feed (i.e. not idling).
func (b *Broker) Players(name string) []Subscriber {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Subscriber, 0, len(c.players))
	for id, p := range c.players {
		if !c.idling[id] {
			out = append(out, p)
		}
	}
	return out
}

// StartPlayer begins (or re-begins) delivery to a single player: codec
// headers, GOP replay and then live packets. opts controls the GOP replay
// behavior the player's own play-command query string requested.
func (b *Broker) StartPlayer(name string, player Subscriber, opts PlayOptions) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isPublishing {
		c.idling[player.ID()] = true
		return
	}

	player.DeliverTag(TagMetadata, MetadataPayload{Data: c.metaData})
	player.DeliverTag(TagAudioCodecHeader, CodecHeaderPayload{Codec: c.audioCodec, Header: c.aacSequenceHeader})
	player.DeliverTag(TagVideoCodecHeader, CodecHeaderPayload{Codec: c.videoCodec, Header: c.avcSequenceHeader})

	if !opts.SkipCache {
		for e := c.gopCache.Front(); e != nil; e = e.Next() {
			player.DeliverChunks(e.Value.(*CachedPacket))
		}
	}

	c.idling[player.ID()] = false

	if opts.ClearCacheAfter {
		c.gopCache = list.New()
		c.gopCacheSize = 0
		c.gopCacheClosed = true
	}
}

// PlayOptions mirrors the ?cache=no / ?cache=clear query parameters a
// player's play command may carry.
type PlayOptions struct {
	SkipCache       bool
	ClearCacheAfter bool
}

// StartIdlePlayers promotes every idling player whose presented key
// matches the (now active) publisher's key, killing the rest for
// presenting a bad key. Call once a publish succeeds.
func (b *Broker) StartIdlePlayers(name string, publisherKey string) {
	idle := b.IdlePlayers(name)

	for _, p := range idle {
		if subtle.ConstantTimeCompare([]byte(p.Key()), []byte(publisherKey)) == 1 {
			b.StartPlayer(name, p, PlayOptions{})
		} else {
			p.DeliverTag(TagStatusMessage, StatusMessagePayload{
				Level: "error", Code: "NetStream.Play.BadName", Description: "Invalid stream key provided",
			})
			p.Kill()
		}
	}
}

// ResumePlayer re-sends codec headers (but not a GOP replay) to a paused
// player that has resumed, stamped at the publisher's current clock.
func (b *Broker) ResumePlayer(name string, player Subscriber) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	player.DeliverTag(TagAudioCodecHeader, CodecHeaderPayload{Codec: c.audioCodec, Header: c.aacSequenceHeader, Clock: c.clock})
	player.DeliverTag(TagVideoCodecHeader, CodecHeaderPayload{Codec: c.videoCodec, Header: c.avcSequenceHeader, Clock: c.clock})
}

// SetClock records the publisher's current stream clock.
func (b *Broker) SetClock(name string, clock int64) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	c.clock = clock
	c.mu.Unlock()
}

// SetMetaData records the publisher's current @setDataFrame payload and
// pushes it to every live player.
func (b *Broker) SetMetaData(name string, metaData []byte) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	if !c.isPublishing {
		c.mu.Unlock()
		return
	}
	c.metaData = metaData
	players := make([]Subscriber, 0, len(c.players))
	for id, p := range c.players {
		if !c.idling[id] {
			players = append(players, p)
		}
	}
	c.mu.Unlock()

	for _, p := range players {
		p.DeliverTag(TagMetadata, MetadataPayload{Data: metaData})
	}
}

// SetAudioCodecHeader records the publisher's AAC sequence header.
func (b *Broker) SetAudioCodecHeader(name string, codec uint32, header []byte) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.audioCodec = codec
	c.aacSequenceHeader = header
	c.mu.Unlock()
}

// SetVideoCodecHeader records the publisher's AVC/HEVC sequence header.
func (b *Broker) SetVideoCodecHeader(name string, codec uint32, header []byte) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.videoCodec = codec
	c.avcSequenceHeader = header
	c.mu.Unlock()
}

// PushPacket fans a live audio/video packet out to every attached player
// and, unless caching has been closed for this publisher (see
// PlayOptions.ClearCacheAfter) or disabled globally, appends it to the GOP
// cache, evicting the oldest entries first once GopCacheLimit is exceeded.
// Sequence headers are never passed to PushPacket: they are recorded via
// SetAudioCodecHeader/SetVideoCodecHeader and replayed explicitly, so they
// can never be evicted out from under a cache that's otherwise full.
//
// newGOP marks p as a new IDR (a video keyframe that is not itself a
// sequence header): the existing GOP cache is discarded before p is
// appended, so the cache always starts on a keyframe and a late joiner's
// first replayed chunk is always decodable.
func (b *Broker) PushPacket(name string, p *CachedPacket, newGOP bool) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	players := make([]Subscriber, 0, len(c.players))
	for id, sub := range c.players {
		if !c.idling[id] {
			players = append(players, sub)
		}
	}

	if b.GopCacheLimit > 0 && !c.gopCacheClosed {
		if newGOP {
			c.gopCache = list.New()
			c.gopCacheSize = 0
		}
		c.gopCache.PushBack(p)
		c.gopCacheSize += p.size()
		for c.gopCacheSize > b.GopCacheLimit && c.gopCache.Len() > 0 {
			front := c.gopCache.Front()
			c.gopCacheSize -= front.Value.(*CachedPacket).size()
			c.gopCache.Remove(front)
		}
	}
	c.mu.Unlock()

	for _, sub := range players {
		sub.DeliverChunks(p)
	}
}

// PublisherInfo returns the subscriber id and stream id of channel's active
// publisher, for a server-level registry to resolve which live session a
// control-plane kill command names.
func (b *Broker) PublisherInfo(name string) (subscriberID uint64, streamID string, ok bool) {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return 0, "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isPublishing {
		return 0, "", false
	}
	return c.publisherID, c.streamID, true
}

// GopCacheLen reports how many packets are currently cached for channel,
// for tests to assert eviction behavior without reaching into internals.
func (b *Broker) GopCacheLen(name string) int {
	b.mu.Lock()
	c := b.channels[name]
	b.mu.Unlock()
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gopCache.Len()
}
