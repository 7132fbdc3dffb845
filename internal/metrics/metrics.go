// Package metrics provides collection and reporting of proxy metrics.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector holds all proxy-wide metrics.
type Collector struct {
	SessionsActive atomic.Int64

	MessagesBroadcast atomic.Uint64
	MessagesDirect    atomic.Uint64
	MessagesDropped   atomic.Uint64
	ParseFailures     atomic.Uint64

	NotificationsSent  atomic.Uint64
	NotificationErrors atomic.Uint64
	ReconnectAttempts  atomic.Uint64
	UpstreamsGivenUp   atomic.Uint64
	RouterCollisions   atomic.Uint64

	upMu     sync.Mutex
	upStatus map[string]bool
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{upStatus: make(map[string]bool)}
}

// SetUpstreamConnected records the connection status of a named upstream.
func (m *Collector) SetUpstreamConnected(name string, connected bool) {
	m.upMu.Lock()
	defer m.upMu.Unlock()
	m.upStatus[name] = connected
}

// UpstreamConnected returns per-upstream connection status.
func (m *Collector) UpstreamConnected() map[string]bool {
	m.upMu.Lock()
	defer m.upMu.Unlock()
	out := make(map[string]bool, len(m.upStatus))
	for k, v := range m.upStatus {
		out[k] = v
	}
	return out
}

// IncrementSessions increments the active session count.
func (m *Collector) IncrementSessions() { m.SessionsActive.Add(1) }

// DecrementSessions decrements the active session count.
func (m *Collector) DecrementSessions() { m.SessionsActive.Add(-1) }

// Snapshot returns a point-in-time view of metrics for /status.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsActive:     m.SessionsActive.Load(),
		UpstreamConnected:  m.UpstreamConnected(),
		MessagesBroadcast:  m.MessagesBroadcast.Load(),
		MessagesDirect:     m.MessagesDirect.Load(),
		MessagesDropped:    m.MessagesDropped.Load(),
		ParseFailures:      m.ParseFailures.Load(),
		NotificationsSent:  m.NotificationsSent.Load(),
		NotificationErrors: m.NotificationErrors.Load(),
		ReconnectAttempts:  m.ReconnectAttempts.Load(),
		UpstreamsGivenUp:   m.UpstreamsGivenUp.Load(),
		RouterCollisions:   m.RouterCollisions.Load(),
	}
}

// Snapshot is a JSON-serializable view of Collector.
type Snapshot struct {
	SessionsActive     int64           `json:"sessions_active"`
	UpstreamConnected  map[string]bool `json:"upstream_connected"`
	MessagesBroadcast  uint64          `json:"messages_broadcast"`
	MessagesDirect     uint64          `json:"messages_direct"`
	MessagesDropped    uint64          `json:"messages_dropped"`
	ParseFailures      uint64          `json:"parse_failures"`
	NotificationsSent  uint64          `json:"notifications_sent"`
	NotificationErrors uint64          `json:"notification_errors"`
	ReconnectAttempts  uint64          `json:"reconnect_attempts"`
	UpstreamsGivenUp   uint64          `json:"upstreams_given_up"`
	RouterCollisions   uint64          `json:"router_collisions"`
}
