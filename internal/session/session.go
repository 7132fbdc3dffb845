// Package session implements the per-client state machine: one client
// socket, N upstream links, one router, and a pre-connect buffer, all
// mutated from a single event loop goroutine per session.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosrabelo/ocppproxy/internal/metrics"
	"github.com/carlosrabelo/ocppproxy/internal/notifier"
	"github.com/carlosrabelo/ocppproxy/internal/ocpp"
	"github.com/carlosrabelo/ocppproxy/internal/router"
	"github.com/carlosrabelo/ocppproxy/internal/wslink"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxPreConnectBuffer caps the number of client frames held while no
	// upstream is connected. The oldest frame is dropped to make room,
	// since an unbounded buffer is a memory exhaustion vector a charge
	// point can trigger simply by talking before any upstream answers.
	maxPreConnectBuffer = 256

	closeAllUpstreamsUnavailable = 1001
)

// Config describes everything needed to construct one Session.
type Config struct {
	ClientID  string
	Protocol  string
	ClientIP  string
	Upstreams []wslink.Descriptor
	Notifier  *notifier.Notifier
	Metrics   *metrics.Collector

	// OnDone is invoked exactly once, from whichever goroutine runs the
	// teardown (the event loop, or a caller of Close), when the session
	// has torn itself down for any reason. The
	// registry uses this to remove the session without needing to poll.
	OnDone func(clientID string)
}

type eventKind int

const (
	eventClientFrame eventKind = iota
	eventClientClosed
	eventLink
)

type sessionEvent struct {
	kind eventKind
	data []byte     // for eventClientFrame
	link wslink.Event
	name string
}

// Session owns one client's full proxy lifetime.
type Session struct {
	clientID string
	protocol string

	conn     *websocket.Conn
	connMu   sync.Mutex // gorilla/websocket allows only one concurrent writer
	links    []*wslink.Link
	primary  string
	router   *router.Router
	notifier *notifier.Notifier
	metrics  *metrics.Collector
	onDone   func(string)

	events chan sessionEvent
	closed chan struct{}
	once   sync.Once

	buffer [][]byte
}

// New constructs a Session and its upstream links and starts one
// goroutine per link that forwards its events; it does not dial or read
// the client socket. Call Start to do that.
func New(conn *websocket.Conn, cfg Config) *Session {
	s := &Session{
		clientID: cfg.ClientID,
		protocol: cfg.Protocol,
		conn:     conn,
		router:   router.New(),
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		onDone:   cfg.OnDone,
		events:   make(chan sessionEvent, 64),
		closed:   make(chan struct{}),
	}

	s.links = make([]*wslink.Link, len(cfg.Upstreams))
	for i, desc := range cfg.Upstreams {
		desc.Ordinal = i
		name := desc.Name
		linkEvents := make(chan wslink.Event, 16)
		s.links[i] = wslink.New(desc, linkEvents)
		if i == 0 {
			s.primary = desc.Name
		}
		go s.forwardLinkEvents(name, linkEvents)
	}

	if s.metrics != nil {
		s.metrics.IncrementSessions()
	}
	if s.notifier != nil {
		s.notifier.ConnectedToProxy(s.clientID)
	}
	return s
}

func (s *Session) forwardLinkEvents(name string, ch <-chan wslink.Event) {
	for {
		select {
		case ev := <-ch:
			select {
			case s.events <- sessionEvent{kind: eventLink, link: ev, name: name}:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Start connects every upstream link, launches the client read loop,
// and runs the event loop until the session tears down. It blocks
// until teardown, so callers typically invoke it in its own goroutine.
func (s *Session) Start() {
	for _, l := range s.links {
		l.Connect(s.clientID)
	}
	go s.readClient()
	s.eventLoop()
}

func (s *Session) readClient() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.events <- sessionEvent{kind: eventClientClosed}:
			case <-s.closed:
			}
			return
		}
		select {
		case s.events <- sessionEvent{kind: eventClientFrame, data: data}:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) eventLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case eventClientFrame:
				s.onClientFrame(ev.data)
			case eventClientClosed:
				s.teardown()
				return
			case eventLink:
				if s.onLinkEvent(ev.name, ev.link) {
					return
				}
			}
		case <-ticker.C:
			s.writeClientControl(websocket.PingMessage, nil)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) onClientFrame(raw []byte) {
	if !s.anyLinkConnected() {
		s.bufferFrame(raw)
		return
	}

	msg, err := ocpp.Parse(raw)
	if err != nil {
		logger.Info("session %s: dropping unparseable client frame: %v", s.clientID, err)
		if s.metrics != nil {
			s.metrics.ParseFailures.Add(1)
		}
		return
	}

	s.processClientMessage(msg)
}

// processClientMessage runs the normal client-frame path on an already
// parsed message: the notifier hook for every CALL, before fan-out,
// then routing. Used both for frames read live off the client socket
// and for frames replayed out of the pre-connect buffer once the
// primary connects, so the notifier sees a buffered CALL exactly once,
// the same as a live one.
func (s *Session) processClientMessage(msg *ocpp.Message) {
	if msg.IsCall() && s.notifier != nil {
		s.notifier.CallFromClient(s.clientID, msg)
	}

	s.routeClientMessage(msg)
}

func (s *Session) routeClientMessage(msg *ocpp.Message) {
	decision := s.router.RouteFromClient(msg)
	switch {
	case decision.Broadcast:
		for _, l := range s.links {
			if l.Connected() {
				l.Send(msg.Raw)
			}
		}
		if s.metrics != nil {
			s.metrics.MessagesBroadcast.Add(1)
		}
	case decision.Direct != "":
		for _, l := range s.links {
			if l.Name() == decision.Direct && l.Connected() {
				l.Send(msg.Raw)
				break
			}
		}
		if s.metrics != nil {
			s.metrics.MessagesDirect.Add(1)
		}
	default:
		if s.metrics != nil {
			s.metrics.MessagesDropped.Add(1)
		}
	}
}

func (s *Session) bufferFrame(raw []byte) {
	s.buffer = append(s.buffer, raw)
	if len(s.buffer) > maxPreConnectBuffer {
		s.buffer = s.buffer[len(s.buffer)-maxPreConnectBuffer:]
	}
}

func (s *Session) anyLinkConnected() bool {
	for _, l := range s.links {
		if l.Connected() {
			return true
		}
	}
	return false
}

// onLinkEvent processes one lifecycle/message event from an upstream
// link. It returns true if the session should tear down as a result.
func (s *Session) onLinkEvent(name string, ev wslink.Event) bool {
	switch ev.Kind {
	case wslink.EventConnected:
		if s.notifier != nil {
			s.notifier.ConnectedToUpstream(s.clientID, name)
		}
		if s.metrics != nil {
			s.metrics.SetUpstreamConnected(name, true)
		}
		s.drainBuffer(name)
	case wslink.EventDisconnected:
		if s.notifier != nil {
			s.notifier.DisconnectedFromUpstream(s.clientID, name)
		}
		if s.metrics != nil {
			s.metrics.SetUpstreamConnected(name, false)
			s.metrics.ReconnectAttempts.Add(1)
		}
		if s.allUpstreamsTerminal() {
			s.writeClientClose(closeAllUpstreamsUnavailable, "All upstream servers unavailable")
			s.teardown()
			return true
		}
	case wslink.EventGaveUp:
		if s.metrics != nil {
			s.metrics.UpstreamsGivenUp.Add(1)
		}
		if s.allUpstreamsTerminal() {
			s.writeClientClose(closeAllUpstreamsUnavailable, "All upstream servers unavailable")
			s.teardown()
			return true
		}
	case wslink.EventMessage:
		s.onUpstreamMessage(name, ev.Message)
	}
	return false
}

func (s *Session) onUpstreamMessage(name string, raw []byte) {
	msg, err := ocpp.Parse(raw)
	if err != nil {
		logger.Info("session %s: dropping unparseable frame from %s: %v", s.clientID, name, err)
		if s.metrics != nil {
			s.metrics.ParseFailures.Add(1)
		}
		return
	}

	if msg.IsCall() {
		s.router.ObserveFromUpstream(msg, name)
		if s.metrics != nil {
			s.metrics.RouterCollisions.Store(uint64(s.router.Collisions()))
		}
		s.writeClientMessage(raw)
		return
	}

	if s.router.ShouldForwardUpstreamReply(msg.ID, name, s.primary) {
		s.writeClientMessage(raw)
	}
}

// drainBuffer flushes the pre-connect buffer for a link that just
// connected, per the quiescence rule: the buffer is only cleared once
// every link is connected or has exhausted its reconnect budget.
func (s *Session) drainBuffer(connectedName string) {
	if len(s.buffer) == 0 {
		return
	}

	pending := s.buffer
	isPrimary := connectedName == s.primary

	if isPrimary {
		for _, raw := range pending {
			msg, err := ocpp.Parse(raw)
			if err != nil {
				continue
			}
			s.processClientMessage(msg)
		}
	} else {
		for _, l := range s.links {
			if l.Name() == connectedName {
				for _, raw := range pending {
					l.Send(raw)
				}
				break
			}
		}
	}

	if s.bufferQuiescent() {
		s.buffer = nil
	}
}

func (s *Session) bufferQuiescent() bool {
	for _, l := range s.links {
		if !l.Connected() && !l.ExhaustedRetries() {
			return false
		}
	}
	return true
}

// allUpstreamsTerminal reports whether every link is both not
// connected and either has connected before or has exhausted its
// reconnection budget. A link that has never connected and still has
// attempts left keeps the session alive.
func (s *Session) allUpstreamsTerminal() bool {
	for _, l := range s.links {
		if l.Connected() {
			return false
		}
		if !l.EverConnected() && !l.ExhaustedRetries() {
			return false
		}
	}
	return true
}

func (s *Session) writeClientMessage(raw []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Info("session %s: client write failed: %v", s.clientID, err)
	}
}

func (s *Session) writeClientControl(messageType int, data []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(messageType, data)
}

func (s *Session) writeClientClose(code int, text string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
}

// teardown destroys the session: closes every link, clears the
// router, notifies, and invokes OnDone. Safe to call more than once.
func (s *Session) teardown() {
	s.once.Do(func() {
		for _, l := range s.links {
			l.Close()
		}
		s.router.Clear()
		_ = s.conn.Close()
		if s.notifier != nil {
			s.notifier.DisconnectedFromProxy(s.clientID)
		}
		if s.metrics != nil {
			s.metrics.DecrementSessions()
		}
		close(s.closed)
		if s.onDone != nil {
			s.onDone(s.clientID)
		}
	})
}

// Close tears the session down from outside the event loop, e.g. when
// the listener is superseding it with a new connection for the same
// client ID.
func (s *Session) Close(code int, text string) {
	s.writeClientClose(code, text)
	s.teardown()
}

// ClientID returns the session's client identifier.
func (s *Session) ClientID() string { return s.clientID }
