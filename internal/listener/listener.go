// Package listener accepts client WebSocket upgrades, validates the
// URL path, negotiates the OCPP subprotocol, enforces unique client
// IDs via a session registry, and hands each accepted connection to a
// new session.Session.
package listener

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/carlosrabelo/ocppproxy/internal/metrics"
	"github.com/carlosrabelo/ocppproxy/internal/notifier"
	"github.com/carlosrabelo/ocppproxy/internal/ratelimit"
	"github.com/carlosrabelo/ocppproxy/internal/session"
	"github.com/carlosrabelo/ocppproxy/internal/socksdialer"
	"github.com/carlosrabelo/ocppproxy/internal/wslink"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	closeInvalidPath   = 1008
	closeSupersededBy  = 1001
	defaultSubprotocol = "ocpp1.6"
)

// UpstreamConfig is the static, operator-configured description of one
// upstream; it is completed into a wslink.Descriptor per session once
// the client ID and negotiated protocol are known.
type UpstreamConfig struct {
	Name              string
	BaseURL           string
	PassAuthorization bool
	PassUserAgent     bool
	Socks             *socksdialer.Config
}

// Options configures a Listener.
type Options struct {
	Upstreams   []UpstreamConfig
	Notifier    *notifier.Notifier
	Metrics     *metrics.Collector
	RateLimiter *ratelimit.Limiter
}

// Listener is an http.Handler that upgrades WebSocket connections into
// OCPP proxy sessions.
type Listener struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New builds a Listener from Options.
func New(opts Options) *Listener {
	return &Listener{
		opts:     opts,
		sessions: make(map[string]*session.Session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/")
	if !clientIDPattern.MatchString(clientID) {
		l.rejectUpgrade(w, r, closeInvalidPath, "Invalid path: must match ^[A-Za-z0-9_-]+$")
		return
	}

	protocol, ok := negotiateSubprotocol(r)
	if !ok {
		logger.Info("listener: rejecting %s: no acceptable subprotocol offered", r.URL.Path)
		http.Error(w, "No acceptable subprotocol offered", http.StatusBadRequest)
		return
	}

	clientIP := clientIPFromRequest(r)

	if l.opts.RateLimiter != nil && !l.opts.RateLimiter.Allow(clientIP) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	upgrader := l.upgrader
	upgrader.Subprotocols = []string{protocol}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if l.opts.RateLimiter != nil {
			l.opts.RateLimiter.Release(clientIP)
		}
		logger.Info("listener: upgrade failed for %s: %v", clientID, err)
		return
	}

	l.supersedeExisting(clientID)

	authorization := r.Header.Get("Authorization")
	userAgent := r.Header.Get("User-Agent")

	upstreams := make([]wslink.Descriptor, len(l.opts.Upstreams))
	for i, u := range l.opts.Upstreams {
		d := wslink.Descriptor{
			Name:     u.Name,
			BaseURL:  u.BaseURL,
			Ordinal:  i,
			Protocol: protocol,
			ClientIP: clientIP,
			Socks:    u.Socks,
		}
		if u.PassAuthorization {
			d.Authorization = authorization
		}
		if u.PassUserAgent {
			d.UserAgent = userAgent
		}
		upstreams[i] = d
	}

	sess := session.New(conn, session.Config{
		ClientID:  clientID,
		Protocol:  protocol,
		ClientIP:  clientIP,
		Upstreams: upstreams,
		Notifier:  l.opts.Notifier,
		Metrics:   l.opts.Metrics,
		OnDone:    l.removeSession,
	})

	l.mu.Lock()
	l.sessions[clientID] = sess
	l.mu.Unlock()

	go func() {
		sess.Start()
		if l.opts.RateLimiter != nil {
			l.opts.RateLimiter.Release(clientIP)
		}
	}()
}

// supersedeExisting closes any existing session for clientID, per the
// uniqueness rule: one live session per client ID.
func (l *Listener) supersedeExisting(clientID string) {
	l.mu.Lock()
	existing, ok := l.sessions[clientID]
	delete(l.sessions, clientID)
	l.mu.Unlock()

	if ok {
		existing.Close(closeSupersededBy, "Replaced by a new connection")
	}
}

func (l *Listener) removeSession(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, clientID)
}

// SessionCount returns the number of currently registered sessions.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// CloseAll tears down every active session, for graceful shutdown.
func (l *Listener) CloseAll() {
	l.mu.Lock()
	sessions := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, "proxy shutting down")
	}
}

func (l *Listener) rejectUpgrade(w http.ResponseWriter, r *http.Request, code int, reason string) {
	logger.Info("listener: rejecting %s: %s", r.URL.Path, reason)
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// negotiateSubprotocol picks the first client-offered subprotocol
// starting with "ocpp"; defaults to ocpp1.6 if none were offered;
// rejects if the client offered subprotocols but none match.
func negotiateSubprotocol(r *http.Request) (string, bool) {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return defaultSubprotocol, true
	}
	for _, p := range offered {
		if strings.HasPrefix(p, "ocpp") {
			return p, true
		}
	}
	return "", false
}

// clientIPFromRequest derives the client's apparent IP: the first
// comma-separated element of X-Forwarded-For if present and non-empty,
// else the remote peer address.
func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
