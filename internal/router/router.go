// Package router implements the per-session OCPP correlation engine:
// two tables deciding where each frame should go, with no mutation
// of the frames themselves.
package router

import (
	"sync"

	"github.com/carlosrabelo/ocppproxy/internal/ocpp"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

// Decision is the outcome of routing a client-originated frame.
type Decision struct {
	Broadcast bool
	Direct    string // upstream name, set iff Broadcast is false and Drop is false
	Drop      bool
}

// Router holds the two correlation tables for one session. It is
// safe for concurrent use.
type Router struct {
	mu          sync.Mutex
	clientCalls map[string]struct{} // ids the client sent as CALLs, kept until Clear
	serverCalls map[string]string   // id -> upstream name, for upstream-initiated CALLs
	collisions  int                 // count of server_calls overwrites, exposed for metrics
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		clientCalls: make(map[string]struct{}),
		serverCalls: make(map[string]string),
	}
}

// RouteFromClient decides where a client-originated frame should go
// and records bookkeeping as a side effect, per the routing rules:
//   - CALL: broadcast to every connected upstream, register the id.
//   - reply to a previously-observed upstream CALL: direct to that
//     upstream, one-shot.
//   - anything else: drop.
func (r *Router) RouteFromClient(msg *ocpp.Message) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case ocpp.TypeCall:
		r.clientCalls[msg.ID] = struct{}{}
		return Decision{Broadcast: true}
	case ocpp.TypeCallResult, ocpp.TypeCallError:
		name, ok := r.serverCalls[msg.ID]
		if !ok {
			logger.Info("router: dropping client reply for unknown id %s", msg.ID)
			return Decision{Drop: true}
		}
		delete(r.serverCalls, msg.ID)
		return Decision{Direct: name}
	default:
		logger.Info("router: dropping client frame of unknown type %d", msg.Type)
		return Decision{Drop: true}
	}
}

// ObserveFromUpstream records a CALL originated by an upstream, so the
// client's eventual reply can be routed back to it. Colliding ids
// (two upstreams using the same id) overwrite, per the documented
// "last writer wins" behavior; the overwrite is logged so the
// resulting misrouting is at least observable.
func (r *Router) ObserveFromUpstream(msg *ocpp.Message, name string) {
	if msg.Type != ocpp.TypeCall {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.serverCalls[msg.ID]; ok && existing != name {
		r.collisions++
		logger.Error("router: server_calls collision on id %s: %s overwritten by %s", msg.ID, existing, name)
	}
	r.serverCalls[msg.ID] = name
}

// ShouldForwardUpstreamReply decides whether a CALLRESULT/CALLERROR
// received on link `from` should reach the client:
//   - id not in client_calls: it's an upstream-initiated exchange, forward.
//   - id in client_calls and from == primary: forward, keep the id
//     (so later secondary replies are still filtered).
//   - id in client_calls and from != primary: drop silently.
func (r *Router) ShouldForwardUpstreamReply(id, from, primary string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clientCalls[id]; !ok {
		return true
	}
	return from == primary
}

// Collisions returns the number of server_calls id overwrites observed
// so far, for metrics exposition.
func (r *Router) Collisions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collisions
}

// Clear empties both tables. Called once, at session teardown.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientCalls = make(map[string]struct{})
	r.serverCalls = make(map[string]string)
}
