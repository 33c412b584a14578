package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/router-for-me/RelayTunnel/internal/config"
	"github.com/router-for-me/RelayTunnel/internal/relay"
)

const testSecret = "K"

type fixture struct {
	server    *Server
	ts        *httptest.Server
	registry  *relay.Registry
	forwarder *relay.Forwarder
}

func newFixture(t *testing.T, mutate func(*config.RelayConfig)) *fixture {
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
	if mutate != nil {
		mutate(&cfg)
	}

	registry := relay.NewRegistry()
	forwarder := relay.NewForwarder(registry)
	allocator, err := relay.NewAllocator(cfg.SubdomainLength, registry)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	server := New(cfg, registry, forwarder, allocator)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Shutdown)
	return &fixture{server: server, ts: ts, registry: registry, forwarder: forwarder}
}

// dialTunnel connects a tunnel channel and returns the connection plus the
// REGISTERED control payload.
func (f *fixture) dialTunnel(t *testing.T, secret string) (*websocket.Conn, *relay.ControlPayload) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	header := http.Header{}
	if secret != "" {
		header.Set(SecretKeyHeader, secret)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("tunnel dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading REGISTERED failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	env, err := relay.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decoding REGISTERED failed: %v", err)
	}
	if env.Type != relay.EnvelopeControl || env.Control.Action != relay.ControlRegistered {
		t.Fatalf("first envelope = %+v, want CONTROL/REGISTERED", env)
	}
	return conn, env.Control
}

// serveTunnel answers forwarded requests with handler until the connection
// dies. CONTROL/PING is answered with PONG.
func serveTunnel(conn *websocket.Conn, handler func(*relay.RequestPayload) *relay.ResponsePayload) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := relay.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case relay.EnvelopeRequest:
			resp := handler(env.Request)
			out, errEncode := relay.MustEnvelope(env.CorrelationID, resp).Encode()
			if errEncode != nil {
				continue
			}
			_ = conn.WriteMessage(websocket.TextMessage, out)
		case relay.EnvelopeControl:
			if env.Control.Action == relay.ControlPing {
				out, _ := relay.MustEnvelope(env.CorrelationID, &relay.ControlPayload{Action: relay.ControlPong}).Encode()
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}
}

// publicRequest issues a request against the test server with the virtual
// Host header of the given subdomain.
func (f *fixture) publicRequest(t *testing.T, method, subdomain, path string, body *strings.Reader, header http.Header) *http.Response {
	t.Helper()
	var err error
	var req *http.Request
	if body != nil {
		req, err = http.NewRequest(method, f.ts.URL+path, body)
	} else {
		req, err = http.NewRequest(method, f.ts.URL+path, nil)
	}
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = subdomain + ".tun.example.com"
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("public request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.ts.Client().Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownHost404(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/", nil)
	req.Host = "deep.nested.tun.example.com"
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
