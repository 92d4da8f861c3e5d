// Package control implements the server's optional collaborators: a
// coordinator reached over WebSocket RPC, a Redis pub/sub command
// subscriber, and signed HTTP start/stop callbacks. All three are
// best-effort — their absence or failure never prevents the RTMP listener
// itself from serving traffic standalone.
package control

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
)

// PublisherKiller is the capability the coordinator and Redis command
// receivers need from whatever owns publisher sessions: look one up by
// channel and, optionally, its reported stream id, and kill its socket.
type PublisherKiller interface {
	KillPublisher(channel, streamID string)
	KillAllPublishers()
}

type pendingPublish struct {
	waiter chan publishResponse
}

type publishResponse struct {
	accepted bool
	streamID string
}

// Coordinator maintains a reconnecting WebSocket RPC connection to an
// external admission-control service: publish requests are forwarded to
// it and awaited before a publish is allowed to proceed, and it may push
// STREAM-KILL at any time.
type Coordinator struct {
	log    *rtmplog.Logger
	owner  PublisherKiller
	secret string

	connectionURL string

	mu            sync.Mutex
	conn          *websocket.Conn
	nextRequestID uint64
	requests      map[string]*pendingPublish

	enabled bool
}

// NewCoordinator builds a Coordinator for baseURL, or a disabled one if
// baseURL is empty or unparsable. secret signs the connection's auth
// token; leave empty to send none.
func NewCoordinator(baseURL, secret string, owner PublisherKiller, log *rtmplog.Logger) *Coordinator {
	c := &Coordinator{
		log:      log,
		owner:    owner,
		secret:   secret,
		requests: make(map[string]*pendingPublish),
	}

	if baseURL == "" {
		log.Warn("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		return c
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		log.Warn("invalid CONTROL_BASE_URL, running stand-alone: " + err.Error())
		return c
	}
	path, _ := url.Parse("/ws/control/rtmp")
	c.connectionURL = base.ResolveReference(path).String()
	c.enabled = true

	return c
}

func (c *Coordinator) Enabled() bool { return c.enabled }

// Start begins the connect loop and heartbeat loop. It returns
// immediately; both loops run in their own goroutines until the process
// exits.
func (c *Coordinator) Start() {
	if !c.enabled {
		return
	}
	go c.connect()
	go c.heartbeatLoop()
}

func (c *Coordinator) authToken() string {
	if c.secret == "" {
		return ""
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "rtmp-control"})
	signed, err := token.SignedString([]byte(c.secret))
	if err != nil {
		c.log.Error(fmt.Errorf("signing control auth token: %w", err))
		return ""
	}
	return signed
}

func (c *Coordinator) connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}

	c.log.Info("[WS-CONTROL] Connecting to " + c.connectionURL)

	headers := http.Header{}
	if tok := c.authToken(); tok != "" {
		headers.Set("x-control-auth-token", tok)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.connectionURL, headers)
	if err != nil {
		c.mu.Unlock()
		c.log.Error(fmt.Errorf("[WS-CONTROL] connection error: %w", err))
		go c.reconnect()
		return
	}

	c.conn = conn
	c.mu.Unlock()

	// The coordinator assumes it lost track of every local publisher while
	// we were disconnected: they must re-publish and re-request admission.
	c.owner.KillAllPublishers()

	go c.readLoop(conn)
}

func (c *Coordinator) reconnect() {
	time.Sleep(10 * time.Second)
	c.connect()
}

func (c *Coordinator) onDisconnect(err error) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.log.Info("[WS-CONTROL] disconnected: " + err.Error())
	go c.connect()
}

func (c *Coordinator) send(msg messages.RPCMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg.Serialize())) == nil
}

func (c *Coordinator) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextRequestID
	c.nextRequestID++
	return id
}

func (c *Coordinator) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			conn.Close()
			c.onDisconnect(err)
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.onDisconnect(err)
			return
		}

		msg := messages.ParseRPCMessage(string(raw))
		c.handleMessage(&msg)
	}
}

func (c *Coordinator) handleMessage(msg *messages.RPCMessage) {
	switch msg.Method {
	case "PUBLISH-ACCEPT":
		c.resolvePublish(msg.GetParam("Request-Id"), true, msg.GetParam("Stream-Id"))
	case "PUBLISH-DENY":
		c.resolvePublish(msg.GetParam("Request-Id"), false, "")
	case "STREAM-KILL":
		streamID := msg.GetParam("Stream-Id")
		if streamID == "*" {
			streamID = ""
		}
		c.owner.KillPublisher(msg.GetParam("Stream-Channel"), streamID)
	case "ERROR":
		c.log.Error(fmt.Errorf("[WS-CONTROL] remote error: %s %s", msg.GetParam("Error-Code"), msg.GetParam("Error-Message")))
	}
}

func (c *Coordinator) resolvePublish(requestID string, accepted bool, streamID string) {
	c.mu.Lock()
	req := c.requests[requestID]
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.waiter <- publishResponse{accepted: accepted, streamID: streamID}
}

func (c *Coordinator) heartbeatLoop() {
	for {
		time.Sleep(20 * time.Second)
		c.send(messages.RPCMessage{Method: "HEARTBEAT"})
	}
}

// RequestPublish asks the coordinator whether channel/key may publish
// from userIP, blocking up to 20s for a reply. A disabled coordinator
// always accepts (stand-alone mode).
func (c *Coordinator) RequestPublish(channel, key, userIP string) (accepted bool, streamID string) {
	if !c.enabled {
		return true, ""
	}

	requestID := fmt.Sprint(c.nextID())
	req := &pendingPublish{waiter: make(chan publishResponse)}

	c.mu.Lock()
	c.requests[requestID] = req
	c.mu.Unlock()

	ok := c.send(messages.RPCMessage{
		Method: "PUBLISH-REQUEST",
		Params: map[string]string{
			"Request-ID":     requestID,
			"Stream-Channel": channel,
			"Stream-Key":     key,
			"User-IP":        userIP,
		},
	})
	if !ok {
		c.mu.Lock()
		delete(c.requests, requestID)
		c.mu.Unlock()
		return false, ""
	}

	time.AfterFunc(20*time.Second, func() {
		select {
		case req.waiter <- publishResponse{accepted: false}:
		default:
		}
	})

	res := <-req.waiter

	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()

	return res.accepted, res.streamID
}

// PublishEnd fire-and-forgets a PUBLISH-END notification.
func (c *Coordinator) PublishEnd(channel, streamID string) bool {
	if !c.enabled {
		return false
	}
	return c.send(messages.RPCMessage{
		Method: "PUBLISH-END",
		Params: map[string]string{"Stream-Channel": channel, "Stream-ID": streamID},
	})
}
