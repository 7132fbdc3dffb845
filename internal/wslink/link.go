// Package wslink implements one WebSocket connection to one OCPP
// upstream, with connect / reconnect-with-backoff / send / close and
// lifecycle events delivered on a single channel.
package wslink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosrabelo/ocppproxy/internal/socksdialer"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxReconnectAttempts = 10
	backoffBaseMs        = 5000
	backoffCapMs         = 60000
)

// Descriptor is the immutable per-session description of one upstream.
type Descriptor struct {
	Name     string // operator-assigned, e.g. "PRI", "SEC"
	BaseURL  string // WebSocket URL ending with a trailing separator
	Ordinal  int    // position in the session's upstream list; 0 = primary
	Protocol string // negotiated subprotocol, e.g. "ocpp1.6"

	// Forwarded headers, mirroring what the client presented to the Listener.
	ClientIP      string
	Authorization string
	UserAgent     string

	Socks *socksdialer.Config // optional SOCKS5 egress
}

// EventKind enumerates the lifecycle/message events a Link emits.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventGaveUp
)

// Event is posted to the owning Session's event channel. Name
// identifies which link the event came from so the Session doesn't
// need a per-link closure.
type Event struct {
	Kind    EventKind
	Name    string
	Message []byte // populated for EventMessage
}

// Link is one WebSocket connection to one upstream, with automatic
// reconnection. Close may be called concurrently with Send; Send itself
// must not be called from more than one goroutine at a time. All state
// transitions are internally serialized by mu.
type Link struct {
	desc   Descriptor
	events chan<- Event

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	everConnected     bool
	closed            bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Link bound to desc, posting lifecycle and message
// events to events. The Link does not dial until Connect is called.
func New(desc Descriptor, events chan<- Event) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		desc:   desc,
		events: events,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the upstream's operator-assigned name.
func (l *Link) Name() string { return l.desc.Name }

// IsPrimary reports whether this link occupies ordinal position 0.
func (l *Link) IsPrimary() bool { return l.desc.Ordinal == 0 }

// Connected reports whether the link currently has a live socket.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// EverConnected reports whether the link has completed at least one
// successful OPEN in its lifetime.
func (l *Link) EverConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.everConnected
}

// ExhaustedRetries reports whether the link has given up reconnecting
// (all maxReconnectAttempts scheduled retries failed) without being
// explicitly closed.
func (l *Link) ExhaustedRetries() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && !l.connected && l.reconnectAttempts > maxReconnectAttempts
}

// Connect starts a connection attempt in a new goroutine. It does not
// check whether the link is already connecting or open: each call dials
// again unless the link has been closed.
func (l *Link) Connect(clientID string) {
	go l.dial(clientID)
}

func (l *Link) dial(clientID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	url := l.desc.BaseURL + clientID

	header := http.Header{}
	if l.desc.ClientIP != "" {
		header.Set("X-Forwarded-For", l.desc.ClientIP)
		header.Set("X-Real-IP", l.desc.ClientIP)
	}
	if l.desc.Authorization != "" {
		header.Set("Authorization", l.desc.Authorization)
	}
	if l.desc.UserAgent != "" {
		header.Set("User-Agent", l.desc.UserAgent)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{l.desc.Protocol},
	}
	if l.desc.Socks != nil && l.desc.Socks.Enabled {
		sd, err := socksdialer.New(l.desc.Socks)
		if err == nil {
			dialer.NetDialContext = sd.DialContext
		}
	}

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		l.scheduleReconnect(clientID)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.connected = true
	l.everConnected = true
	l.reconnectAttempts = 0
	l.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	l.emit(Event{Kind: EventConnected, Name: l.desc.Name})

	l.wg.Add(1)
	go l.readPump(conn, clientID)
	l.wg.Add(1)
	go l.keepalive(conn)
}

func (l *Link) readPump(conn *websocket.Conn, clientID string) {
	defer l.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleClose(clientID)
			return
		}
		l.emit(Event{Kind: EventMessage, Name: l.desc.Name, Message: data})
	}
}

func (l *Link) keepalive(conn *websocket.Conn) {
	defer l.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			live := l.conn == conn && l.connected
			l.mu.Unlock()
			if !live {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Link) handleClose(clientID string) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	l.conn = nil
	wasClosed := l.closed
	l.mu.Unlock()

	l.emit(Event{Kind: EventDisconnected, Name: l.desc.Name})

	if !wasClosed {
		l.scheduleReconnect(clientID)
	}
}

// scheduleReconnect arms the next reconnect attempt per the capped
// exponential backoff schedule. At most one pending timer exists at
// any time; a redundant call is a no-op.
func (l *Link) scheduleReconnect(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if l.reconnectTimer != nil {
		return
	}

	l.reconnectAttempts++
	if l.reconnectAttempts > maxReconnectAttempts {
		l.mu.Unlock()
		l.emit(Event{Kind: EventGaveUp, Name: l.desc.Name})
		l.mu.Lock()
		return
	}

	delay := Backoff(l.reconnectAttempts)
	l.reconnectTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.reconnectTimer = nil
		closed := l.closed
		l.mu.Unlock()
		if !closed {
			l.dial(clientID)
		}
	})
}

// Backoff returns the delay before reconnect attempt n (1-indexed):
// min(5000*2^(n-1), 60000) milliseconds.
func Backoff(attempt int) time.Duration {
	ms := backoffBaseMs << (attempt - 1)
	if ms > backoffCapMs || ms <= 0 {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Send writes a raw frame to the upstream. Returns false and logs if
// the socket is not open or the write fails; never panics on a write
// error.
func (l *Link) Send(raw []byte) bool {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()

	if !connected || conn == nil {
		logger.Info("wslink %s: send on a link that is not open", l.desc.Name)
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Info("wslink %s: send failed: %v", l.desc.Name, err)
		return false
	}
	return true
}

// Close permanently shuts the link down: cancels any pending
// reconnect timer, closes the live socket if any, and forbids all
// future connects. Idempotent and safe to call during in-flight I/O.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	conn := l.conn
	l.conn = nil
	l.connected = false
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}
