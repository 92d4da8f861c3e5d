// Package server owns process-wide state no single session can: the set of
// live sessions (for ping fan-out and control-plane kill commands), IP
// concurrency limiting, and the TCP/TLS accept loops that hand connections
// off to the session package.
package server

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/config"
	"github.com/streamforge/rtmp-ingest/internal/control"
	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
	"github.com/streamforge/rtmp-ingest/internal/session"
)

// Server accepts RTMP/RTMPS connections, tracks every live session, and
// implements control.PublisherKiller so a coordinator or Redis command can
// resolve a channel+streamID kill request back to an actual socket.
type Server struct {
	cfg    *config.Config
	broker *broker.Broker
	coord  *control.Coordinator
	log    *rtmplog.Logger
	limiter *broker.IPLimiter

	mu       sync.Mutex
	sessions map[uint64]*session.Session
	nextID   uint64

	listener       net.Listener
	secureListener net.Listener

	closed bool
}

// New wires a Server around an already-constructed broker and optional
// coordinator; it does not yet listen on any socket.
func New(cfg *config.Config, b *broker.Broker, coord *control.Coordinator, log *rtmplog.Logger) *Server {
	limiter := broker.NewIPLimiter(cfg.MaxConnsPerIP)
	if cfg.ConcurrencyWhitelist != "" {
		limiter.Exempt = splitCSV(cfg.ConcurrencyWhitelist)
	}

	return &Server{
		cfg:      cfg,
		broker:   b,
		coord:    coord,
		log:      log,
		limiter:  limiter,
		sessions: make(map[uint64]*session.Session),
	}
}

// SetCoordinator attaches the control-plane coordinator once it's
// constructed (it needs srv itself as its PublisherKiller, so it can't be
// passed into New before srv exists). Must be called before Run.
func (srv *Server) SetCoordinator(coord *control.Coordinator) {
	srv.coord = coord
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Listen opens the plain TCP listener (and, when cfg.HasTLS(), the RTMPS
// listener) without yet accepting connections.
func (srv *Server) Listen() error {
	addr := net.JoinHostPort(srv.cfg.BindAddress, strconv.Itoa(srv.cfg.TCPPort))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening on tcp")
	}
	srv.listener = l

	if srv.cfg.HasTLS() {
		tlsListener, err := srv.listenTLS()
		if err != nil {
			l.Close()
			return errors.Wrap(err, "listening on tls")
		}
		srv.secureListener = tlsListener
	}

	return nil
}

// Run accepts connections on every configured listener and runs the ping
// loop until a listener's Accept fails (typically on shutdown).
func (srv *Server) Run() {
	var wg sync.WaitGroup

	if srv.listener != nil {
		wg.Add(1)
		go srv.acceptConnections(srv.listener, &wg)
	}
	if srv.secureListener != nil {
		wg.Add(1)
		go srv.acceptConnections(srv.secureListener, &wg)
	}

	wg.Add(1)
	go srv.sendPings(&wg)

	wg.Wait()
}

func (srv *Server) acceptConnections(listener net.Listener, wg *sync.WaitGroup) {
	defer func() {
		listener.Close()
		wg.Done()
	}()

	for {
		c, err := listener.Accept()
		if err != nil {
			srv.log.Error(err)
			return
		}

		id := srv.nextSessionID()
		ip := remoteIP(c)

		if !srv.limiter.Acquire(ip) {
			c.Close()
			srv.log.Request(id, ip, "Connection rejected: too many concurrent connections")
			continue
		}

		srv.log.DebugSession(id, ip, "Connection accepted")
		go srv.handleConnection(id, ip, c)
	}
}

func remoteIP(c net.Conn) string {
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return c.RemoteAddr().String()
}

func (srv *Server) nextSessionID() uint64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.nextID++
	return srv.nextID
}

func (srv *Server) handleConnection(id uint64, ip string, c net.Conn) {
	s := session.New(&session.Registry{
		Broker:      srv.broker,
		Config:      srv.cfg,
		Coordinator: srv.coord,
		Log:         srv.log,
	}, id, ip, c)

	srv.addSession(id, s)

	defer func() {
		if r := recover(); r != nil {
			srv.log.Request(id, ip, "Connection handler crashed")
		}
		c.Close()
		srv.removeSession(id)
		srv.limiter.Release(ip)
		srv.log.DebugSession(id, ip, "Connection closed")
	}()

	s.Run()
}

func (srv *Server) addSession(id uint64, s *session.Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[id] = s
}

func (srv *Server) removeSession(id uint64) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, id)
}

func (srv *Server) sendPings(wg *sync.WaitGroup) {
	defer wg.Done()
	interval := time.Duration(srv.cfg.PingInterval) * time.Second

	for {
		time.Sleep(interval)

		srv.mu.Lock()
		if srv.closed {
			srv.mu.Unlock()
			return
		}
		targets := make([]*session.Session, 0, len(srv.sessions))
		for _, s := range srv.sessions {
			targets = append(targets, s)
		}
		srv.mu.Unlock()

		for _, s := range targets {
			s.SendPingRequest()
		}
	}
}

// KillPublisher implements control.PublisherKiller: it resolves channel's
// active publisher through the broker and kills that session's socket.
func (srv *Server) KillPublisher(channel, streamID string) {
	subscriberID, currentStreamID, ok := srv.broker.PublisherInfo(channel)
	if !ok {
		return
	}
	if streamID != "" && streamID != currentStreamID {
		return
	}

	srv.mu.Lock()
	s := srv.sessions[subscriberID]
	srv.mu.Unlock()

	if s != nil {
		s.Kill()
	}
}

// KillAllPublishers implements control.PublisherKiller for a full reset
// (the coordinator calls it on every (re)connect): every currently live
// session is killed, publisher or not.
func (srv *Server) KillAllPublishers() {
	srv.mu.Lock()
	targets := make([]*session.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		targets = append(targets, s)
	}
	srv.mu.Unlock()

	for _, s := range targets {
		s.Kill()
	}
}

// On subscribes handler to a named broker lifecycle event (preConnect,
// postConnect, doneConnect, prePublish, postPublish, donePublish, prePlay,
// postPlay, donePlay), the embedder-facing half of the broker's event bus.
func (srv *Server) On(event string, handler broker.EventHandler) (unsubscribe func()) {
	return srv.broker.On(event, handler)
}

// GetSession returns the live session registered under id, if any.
func (srv *Server) GetSession(id uint64) (*session.Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[id]
	return s, ok
}

// Stop closes every listener and tears down every live session. It is
// idempotent and safe to call from any observer.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return
	}
	srv.closed = true

	if srv.listener != nil {
		srv.listener.Close()
	}
	if srv.secureListener != nil {
		srv.secureListener.Close()
	}

	targets := make([]*session.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		targets = append(targets, s)
	}
	srv.mu.Unlock()

	for _, s := range targets {
		s.Kill()
	}
}
