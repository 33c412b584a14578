package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/RelayTunnel/internal/api"
	"github.com/router-for-me/RelayTunnel/internal/config"
	relaywire "github.com/router-for-me/RelayTunnel/internal/relay"
)

const testSecret = "K"

type serverFixture struct {
	ts       *httptest.Server
	registry *relaywire.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.RelayConfig{
		Domain:                  "tun.example.com",
		Port:                    config.DefaultPort,
		SecretKeys:              []string{testSecret},
		RequestTimeout:          config.Duration(5 * time.Second),
		MaxBodySize:             config.DefaultMaxBodySize,
		SubdomainLength:         config.DefaultSubdomainLength,
		ShutdownMode:            config.ShutdownModeGraceful,
		GracefulShutdownTimeout: config.Duration(config.DefaultGracefulShutdownTimeout),
		HeartbeatInterval:       config.Duration(config.DefaultHeartbeatInterval),
		HeartbeatMaxMissed:      config.DefaultHeartbeatMaxMissed,
		PublicScheme:            "https",
	}
	registry := relaywire.NewRegistry()
	forwarder := relaywire.NewForwarder(registry)
	allocator, err := relaywire.NewAllocator(cfg.SubdomainLength, registry)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	server := api.New(cfg, registry, forwarder, allocator)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Shutdown)
	return &serverFixture{ts: ts, registry: registry}
}

func startClient(t *testing.T, f *serverFixture, localURL string, reconnect ReconnectOptions) (*Client, chan string, chan error) {
	t.Helper()
	client, err := New(Options{
		ServerURL: f.ts.URL,
		SecretKey: testSecret,
		LocalURL:  localURL,
		Reconnect: reconnect,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	registered := make(chan string, 4)
	client.OnRegistered = func(subdomain, publicURL string) {
		registered <- subdomain
	}
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(context.Background())
	}()
	t.Cleanup(client.Stop)
	return client, registered, runErr
}

func waitRegistered(t *testing.T, registered chan string) string {
	t.Helper()
	select {
	case subdomain := <-registered:
		return subdomain
	case <-time.After(5 * time.Second):
		t.Fatalf("client never registered")
		return ""
	}
}

func TestClientEndToEnd(t *testing.T) {
	f := newServerFixture(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("world"))
	}))
	t.Cleanup(origin.Close)

	client, registered, _ := startClient(t, f, origin.URL, NewReconnectOptions())
	subdomain := waitRegistered(t, registered)

	if client.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", client.State())
	}
	gotSub, gotURL := client.Registration()
	if gotSub != subdomain || gotURL == "" {
		t.Fatalf("Registration() = %q, %q", gotSub, gotURL)
	}

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/hello", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = subdomain + ".tun.example.com"
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("public request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "world" {
		t.Fatalf("body = %q, want %q", body, "world")
	}
}

func TestClientOriginDownBecomes502(t *testing.T) {
	f := newServerFixture(t)
	client, registered, _ := startClient(t, f, "http://127.0.0.1:1", NewReconnectOptions())
	defer client.Stop()
	subdomain := waitRegistered(t, registered)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/down", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = subdomain + ".tun.example.com"
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("public request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestClientAuthRejectedStops(t *testing.T) {
	f := newServerFixture(t)
	client, err := New(Options{
		ServerURL: f.ts.URL,
		SecretKey: "wrong",
		LocalURL:  "http://localhost:3000",
		Reconnect: NewReconnectOptions(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(client.Stop)

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(context.Background())
	}()
	select {
	case err = <-runErr:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("Run() error = %v, want ErrAuthRejected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not stop on auth rejection")
	}
	if client.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", client.State())
	}
}

func TestClientReconnectDisabledExitsOnDisconnect(t *testing.T) {
	f := newServerFixture(t)
	reconnect := NewReconnectOptions()
	reconnect.Enabled = false
	_, registered, runErr := startClient(t, f, "http://localhost:3000", reconnect)
	subdomain := waitRegistered(t, registered)

	f.registry.Unregister(subdomain)

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("Run() error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not exit with reconnection disabled")
	}
}

func TestClientReconnectsAfterDisconnect(t *testing.T) {
	f := newServerFixture(t)
	reconnect := NewReconnectOptions()
	reconnect.InitialDelay = 20 * time.Millisecond
	reconnect.MaxDelay = 100 * time.Millisecond
	_, registered, _ := startClient(t, f, "http://localhost:3000", reconnect)
	first := waitRegistered(t, registered)

	f.registry.Unregister(first)

	second := waitRegistered(t, registered)
	if second == first {
		t.Fatalf("reconnected tunnel reused subdomain %q", first)
	}
	if !f.registry.Has(second) {
		t.Fatalf("registry does not list reconnected tunnel %q", second)
	}
}

func TestClientStopIsClean(t *testing.T) {
	f := newServerFixture(t)
	client, registered, runErr := startClient(t, f, "http://localhost:3000", NewReconnectOptions())
	waitRegistered(t, registered)

	client.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on Stop()", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return after Stop()")
	}
	if client.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", client.State())
	}
}
