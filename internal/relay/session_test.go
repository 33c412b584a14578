package relay

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSessionAnswersPing(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "ping1", "https://ping1.tun.example.com", registry, forwarder, SessionConfig{})
	if !registry.Register("ping1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	writeEnvelope(t, clientConn, MustEnvelope("ping-id", &ControlPayload{Action: ControlPing}))
	env := readEnvelope(t, clientConn)
	if env.Type != EnvelopeControl || env.Control.Action != ControlPong {
		t.Fatalf("reply = %+v, want CONTROL/PONG", env)
	}
	if env.CorrelationID != "ping-id" {
		t.Fatalf("PONG correlation id = %q", env.CorrelationID)
	}
}

func TestSessionRejectsInboundRequest(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "req1", "https://req1.tun.example.com", registry, forwarder, SessionConfig{})
	if !registry.Register("req1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	writeEnvelope(t, clientConn, MustEnvelope("bad-id", &RequestPayload{Method: "GET", Path: "/nope"}))
	env := readEnvelope(t, clientConn)
	if env.Type != EnvelopeError || env.Error.Code != ErrorCodeInvalidRequest {
		t.Fatalf("reply = %+v, want ERROR/INVALID_REQUEST", env)
	}
	if env.CorrelationID != "bad-id" {
		t.Fatalf("error correlation id = %q", env.CorrelationID)
	}
}

func TestSessionRoutesResponseToForwarder(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "route1", "https://route1.tun.example.com", registry, forwarder, SessionConfig{})
	if !registry.Register("route1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	resultCh, _, err := forwarder.Forward(s, &RequestPayload{Method: "GET", Path: "/hello"}, time.Minute)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	env := readEnvelope(t, clientConn)
	if env.Type != EnvelopeRequest || env.Request.Path != "/hello" {
		t.Fatalf("forwarded envelope = %+v", env)
	}
	writeEnvelope(t, clientConn, MustEnvelope(env.CorrelationID, &ResponsePayload{
		StatusCode: 200,
		Body:       BodyString("d29ybGQ="),
	}))

	select {
	case result := <-resultCh:
		if result.Err != nil || result.Response.StatusCode != 200 {
			t.Fatalf("result = %+v", result)
		}
		if result.Response.Body == nil || *result.Response.Body != "d29ybGQ=" {
			t.Fatalf("body = %v", result.Response.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("response never completed the pending")
	}
}

func TestSessionDropFailsPendingAndUnregisters(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "drop1", "https://drop1.tun.example.com", registry, forwarder, SessionConfig{})
	if !registry.Register("drop1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	resultCh, _, err := forwarder.Forward(s, &RequestPayload{Method: "GET", Path: "/pending"}, time.Minute)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	// Consume the forwarded request, then kill the client side.
	readEnvelope(t, clientConn)
	_ = clientConn.Close()

	select {
	case result := <-resultCh:
		if result.Err == nil || result.Err.Code != ErrorCodeUpstreamError {
			t.Fatalf("result = %+v, want UPSTREAM_ERROR", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending survived the tunnel loss")
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Has("drop1") {
		if time.Now().After(deadline) {
			t.Fatalf("registry still lists the subdomain after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionClosesOnBinaryFrame(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "bin1", "https://bin1.tun.example.com", registry, forwarder, SessionConfig{})
	if !registry.Register("bin1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	if err := clientConn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := clientConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close error = %v, want 1008", err)
			}
			break
		}
	}
}

func TestSessionHeartbeatClosesAfterMissedPongs(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	forwarder := NewForwarder(registry)
	serverConn, clientConn := newConnPair(t)
	s := NewSession(serverConn, "hb1", "https://hb1.tun.example.com", registry, forwarder, SessionConfig{
		HeartbeatInterval:  30 * time.Millisecond,
		HeartbeatMaxMissed: 2,
	})
	if !registry.Register("hb1", s) {
		t.Fatalf("Register() = false")
	}
	go s.Run()

	// Never answer the PINGs; the server must give up and close.
	pings := 0
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			break
		}
		env, errDecode := DecodeEnvelope(data)
		if errDecode == nil && env.Type == EnvelopeControl && env.Control.Action == ControlPing {
			pings++
		}
	}
	if pings < 2 {
		t.Fatalf("received %d pings before close, want >= 2", pings)
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Has("hb1") {
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after heartbeat failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
