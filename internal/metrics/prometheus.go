package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors exposed
// at /metrics.
type PrometheusCollectors struct {
	SessionsActive     prometheus.Gauge
	MessagesBroadcast  prometheus.Counter
	MessagesDirect     prometheus.Counter
	MessagesDropped    prometheus.Counter
	ParseFailures      prometheus.Counter
	NotificationsSent  prometheus.Counter
	NotificationErrors prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	UpstreamsGivenUp   prometheus.Counter
	RouterCollisions   prometheus.Counter
	UpstreamConnected  *prometheus.GaugeVec
}

// InitPrometheus initializes and registers prometheus collectors.
func InitPrometheus(namespace string) *PrometheusCollectors {
	// register safely returns the existing collector if this process
	// already registered one under the same name (e.g. in tests).
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SessionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently connected client sessions",
	})).(prometheus.Gauge)

	pc.MessagesBroadcast = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_broadcast_total",
		Help:      "Total client CALLs broadcast to all connected upstreams",
	})).(prometheus.Counter)

	pc.MessagesDirect = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_direct_total",
		Help:      "Total client replies routed to the single upstream that sent the matching CALL",
	})).(prometheus.Counter)

	pc.MessagesDropped = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total client frames dropped by the router",
	})).(prometheus.Counter)

	pc.ParseFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_failures_total",
		Help:      "Total frames that failed OCPP envelope parsing",
	})).(prometheus.Counter)

	pc.NotificationsSent = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Total alerts successfully delivered by the notifier",
	})).(prometheus.Counter)

	pc.NotificationErrors = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_errors_total",
		Help:      "Total notifier delivery errors",
	})).(prometheus.Counter)

	pc.ReconnectAttempts = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_reconnect_attempts_total",
		Help:      "Total upstream link reconnect attempts",
	})).(prometheus.Counter)

	pc.UpstreamsGivenUp = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_given_up_total",
		Help:      "Total times an upstream link exhausted its reconnect budget",
	})).(prometheus.Counter)

	pc.RouterCollisions = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_server_call_collisions_total",
		Help:      "Total server_calls id collisions across upstreams",
	})).(prometheus.Counter)

	pc.UpstreamConnected = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_connected",
		Help:      "Upstream connection status by name (1 = connected, 0 = disconnected)",
	}, []string{"name"})).(*prometheus.GaugeVec)

	return pc
}

// syncState holds the counter values a Syncer observed at its last
// Sync. Counters only ever move forward between calls, since Collector
// itself never resets them during a process lifetime, so Sync gives Add
// the delta since the last sync.
type syncState struct {
	broadcast, direct, dropped, parseFailures                uint64
	notifySent, notifyErrors, reconnects, gaveUp, collisions uint64
}

// Syncer periodically copies a Collector's atomic values onto a
// PrometheusCollectors instance.
type Syncer struct {
	pc    *PrometheusCollectors
	state syncState
}

// NewSyncer creates a Syncer bound to pc.
func NewSyncer(pc *PrometheusCollectors) *Syncer {
	return &Syncer{pc: pc}
}

// Sync applies the delta between c's current counters and the last
// observed values to the Prometheus counters, and overwrites the
// gauges with c's current values.
func (s *Syncer) Sync(c *Collector) {
	s.pc.SessionsActive.Set(float64(c.SessionsActive.Load()))

	addDelta(s.pc.MessagesBroadcast, &s.state.broadcast, c.MessagesBroadcast.Load())
	addDelta(s.pc.MessagesDirect, &s.state.direct, c.MessagesDirect.Load())
	addDelta(s.pc.MessagesDropped, &s.state.dropped, c.MessagesDropped.Load())
	addDelta(s.pc.ParseFailures, &s.state.parseFailures, c.ParseFailures.Load())
	addDelta(s.pc.NotificationsSent, &s.state.notifySent, c.NotificationsSent.Load())
	addDelta(s.pc.NotificationErrors, &s.state.notifyErrors, c.NotificationErrors.Load())
	addDelta(s.pc.ReconnectAttempts, &s.state.reconnects, c.ReconnectAttempts.Load())
	addDelta(s.pc.UpstreamsGivenUp, &s.state.gaveUp, c.UpstreamsGivenUp.Load())
	addDelta(s.pc.RouterCollisions, &s.state.collisions, c.RouterCollisions.Load())

	for name, connected := range c.UpstreamConnected() {
		v := 0.0
		if connected {
			v = 1.0
		}
		s.pc.UpstreamConnected.WithLabelValues(name).Set(v)
	}
}

func addDelta(counter prometheus.Counter, last *uint64, current uint64) {
	if current > *last {
		counter.Add(float64(current - *last))
	}
	*last = current
}
