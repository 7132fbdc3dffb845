package listener

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIDPatternAccepted(t *testing.T) {
	for _, id := range []string{"abc_1-2", "STATION01", "a"} {
		if !clientIDPattern.MatchString(id) {
			t.Errorf("%q should be accepted", id)
		}
	}
}

func TestClientIDPatternRejected(t *testing.T) {
	for _, id := range []string{"", "a/b", "a b", ".."} {
		if clientIDPattern.MatchString(id) {
			t.Errorf("%q should be rejected", id)
		}
	}
}

func TestNegotiateSubprotocolDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	got, ok := negotiateSubprotocol(req)
	if !ok || got != "ocpp1.6" {
		t.Errorf("got (%q, %v), want (ocpp1.6, true)", got, ok)
	}
}

func TestNegotiateSubprotocolPicksFirstOcppOffer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "foo, ocpp2.0, ocpp1.6")
	got, ok := negotiateSubprotocol(req)
	if !ok || got != "ocpp2.0" {
		t.Errorf("got (%q, %v), want (ocpp2.0, true)", got, ok)
	}
}

func TestNegotiateSubprotocolRejectsNonOcppOnly(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "foo, bar")
	_, ok := negotiateSubprotocol(req)
	if ok {
		t.Error("should reject when no offered subprotocol starts with ocpp")
	}
}

func TestClientIPFromXForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:443"
	if got := clientIPFromRequest(req); got != "203.0.113.5" {
		t.Errorf("clientIPFromRequest = %q, want 203.0.113.5", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	req.RemoteAddr = "198.51.100.9:12345"
	if got := clientIPFromRequest(req); got != "198.51.100.9:12345" {
		t.Errorf("clientIPFromRequest = %q, want 198.51.100.9:12345", got)
	}
}

func TestServeHTTPRejectsUnacceptableSubprotocolWithoutUpgrading(t *testing.T) {
	l := New(Options{})

	req := httptest.NewRequest(http.MethodGet, "/station1", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "foo, bar")
	req.RemoteAddr = "198.51.100.9:12345"
	rec := httptest.NewRecorder()

	l.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec.Header().Get("Upgrade") != "" {
		t.Error("response should not carry an Upgrade header; the handshake must never start")
	}
}
