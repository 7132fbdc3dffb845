package router

import (
	"testing"

	"github.com/carlosrabelo/ocppproxy/internal/ocpp"
)

func mustParse(t *testing.T, raw string) *ocpp.Message {
	t.Helper()
	msg, err := ocpp.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", raw, err)
	}
	return msg
}

func TestRouteFromClientCallBroadcasts(t *testing.T) {
	r := New()
	msg := mustParse(t, `[2,"m1","Heartbeat",{}]`)

	d := r.RouteFromClient(msg)
	if !d.Broadcast {
		t.Error("CALL should broadcast")
	}

	// id stays registered until the session clears the router: SEC is
	// not primary, so its reply to this id must be dropped.
	if r.ShouldForwardUpstreamReply("m1", "SEC", "PRI") {
		t.Error("non-primary reply to a registered client call should not forward")
	}
}

func TestFanOutPrimaryReplyOnly(t *testing.T) {
	r := New()
	r.RouteFromClient(mustParse(t, `[2,"m1","Heartbeat",{}]`))

	if !r.ShouldForwardUpstreamReply("m1", "PRI", "PRI") {
		t.Error("primary reply to a client CALL should be forwarded")
	}
	if r.ShouldForwardUpstreamReply("m1", "SEC", "PRI") {
		t.Error("secondary reply to a client CALL should be dropped")
	}
	// PRI's reply does not remove m1 from client_calls: SEC can still be filtered later.
	if r.ShouldForwardUpstreamReply("m1", "SEC", "PRI") {
		t.Error("secondary reply should still be dropped after primary replied")
	}
}

func TestUpstreamInitiatedCallRoutesBackToOrigin(t *testing.T) {
	r := New()
	call := mustParse(t, `[2,"s9","RemoteStartTransaction",{}]`)
	r.ObserveFromUpstream(call, "SEC")

	d := r.RouteFromClient(mustParse(t, `[3,"s9",{"status":"Accepted"}]`))
	if d.Drop || d.Broadcast || d.Direct != "SEC" {
		t.Errorf("got %+v, want direct(SEC)", d)
	}

	// one-shot: a second reply with the same id is dropped.
	d2 := r.RouteFromClient(mustParse(t, `[3,"s9",{"status":"Accepted"}]`))
	if !d2.Drop {
		t.Error("second reply to the same upstream-initiated id should be dropped")
	}
}

func TestUnknownClientReplyDropped(t *testing.T) {
	r := New()
	d := r.RouteFromClient(mustParse(t, `[3,"ghost",{}]`))
	if !d.Drop {
		t.Error("reply with unknown id should be dropped")
	}
}

func TestServerCallsCollisionOverwritesAndCounts(t *testing.T) {
	r := New()
	call := mustParse(t, `[2,"dup","RemoteStartTransaction",{}]`)
	r.ObserveFromUpstream(call, "PRI")
	r.ObserveFromUpstream(call, "SEC")

	d := r.RouteFromClient(mustParse(t, `[3,"dup",{}]`))
	if d.Direct != "SEC" {
		t.Errorf("collision should leave the later writer (SEC) as the target, got %q", d.Direct)
	}
	if r.Collisions() != 1 {
		t.Errorf("Collisions() = %d, want 1", r.Collisions())
	}
}

func TestClearResetsBothTables(t *testing.T) {
	r := New()
	r.RouteFromClient(mustParse(t, `[2,"m1","Heartbeat",{}]`))
	r.ObserveFromUpstream(mustParse(t, `[2,"s9","Trigger",{}]`), "PRI")

	r.Clear()

	if !r.ShouldForwardUpstreamReply("m1", "SEC", "PRI") {
		t.Error("after Clear, m1 should no longer be tracked in client_calls, so SEC's reply should forward")
	}
	d := r.RouteFromClient(mustParse(t, `[3,"s9",{}]`))
	if !d.Drop {
		t.Error("after Clear, server_calls should no longer contain s9")
	}
}
