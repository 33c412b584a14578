package api

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHandshakeAssignsSubdomainAndPublicURL(t *testing.T) {
	f := newFixture(t, nil)
	_, reg := f.dialTunnel(t, testSecret)

	if !regexp.MustCompile(`^[a-z0-9]{12}$`).MatchString(reg.Subdomain) {
		t.Fatalf("subdomain = %q, want 12 lowercase alphanumerics", reg.Subdomain)
	}
	want := "https://" + reg.Subdomain + ".tun.example.com"
	if reg.PublicURL != want {
		t.Fatalf("publicUrl = %q, want %q", reg.PublicURL, want)
	}
	if !f.registry.Has(reg.Subdomain) {
		t.Fatalf("registry does not list %q", reg.Subdomain)
	}
}

func TestHandshakeRejectsBadSecretWith1008(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(SecretKeyHeader, "wrong")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want close 1008", err)
	}
	if f.registry.Size() != 0 {
		t.Fatalf("registry size = %d after rejected handshake", f.registry.Size())
	}
}

func TestHandshakeRejectsMissingSecret(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v, want close 1008", err)
	}
}

func TestHandshakeHonorsRequestedSubdomain(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(SecretKeyHeader, testSecret)
	header.Set(SubdomainHeader, "abc123abc123")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading REGISTERED: %v", err)
	}
	if !strings.Contains(string(data), `"subdomain":"abc123abc123"`) {
		t.Fatalf("REGISTERED = %s, want requested subdomain", data)
	}
}

func TestHandshakeSameKeyGetsDistinctSubdomains(t *testing.T) {
	f := newFixture(t, nil)
	_, regA := f.dialTunnel(t, testSecret)
	_, regB := f.dialTunnel(t, testSecret)
	if regA.Subdomain == regB.Subdomain {
		t.Fatalf("two tunnels with one key share subdomain %q", regA.Subdomain)
	}
	if f.registry.Size() != 2 {
		t.Fatalf("registry size = %d, want 2", f.registry.Size())
	}
}
