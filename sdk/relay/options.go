// Package relay provides the tunnel client: it maintains one channel to the
// relay server, re-issues forwarded requests against a local origin and
// streams the responses back, reconnecting with jittered exponential backoff
// when the channel drops.
package relay

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Reconnect defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultMultiplier   = 2.0
	DefaultJitter       = 0.1
)

// DefaultMaxConcurrency bounds simultaneous local origin calls.
const DefaultMaxConcurrency = 64

// DefaultOriginTimeout applies to connect, read and write against the local
// origin.
const DefaultOriginTimeout = 30 * time.Second

// ReconnectOptions configures the backoff loop.
type ReconnectOptions struct {
	// Enabled controls whether a lost connection is retried. When false, the
	// client stops on the first disconnect.
	Enabled bool

	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Multiplier grows the delay after each failed attempt.
	Multiplier float64

	// Jitter spreads each delay symmetrically by ±jitter/2.
	Jitter float64
}

// Options configures a tunnel client.
type Options struct {
	// ServerURL is the relay server base URL (http(s) or ws(s) scheme).
	ServerURL string

	// SecretKey is presented on the handshake.
	SecretKey string

	// LocalURL is the local origin requests are re-issued against.
	LocalURL string

	// Subdomain optionally asks the server for a specific name. The server
	// may still assign a random one.
	Subdomain string

	// MaxConcurrency bounds simultaneous local origin calls.
	MaxConcurrency int64

	// OriginTimeout bounds each local origin call.
	OriginTimeout time.Duration

	// Reconnect configures the backoff loop.
	Reconnect ReconnectOptions
}

// NewReconnectOptions returns the default reconnect configuration.
func NewReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		Enabled:      true,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       DefaultJitter,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.OriginTimeout <= 0 {
		o.OriginTimeout = DefaultOriginTimeout
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if o.Reconnect.Multiplier < 1 {
		o.Reconnect.Multiplier = DefaultMultiplier
	}
	if o.Reconnect.Jitter < 0 {
		o.Reconnect.Jitter = DefaultJitter
	}
}

// Validate reports the first configuration error.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.ServerURL) == "" {
		return fmt.Errorf("relay: server URL is required")
	}
	if _, err := url.Parse(o.ServerURL); err != nil {
		return fmt.Errorf("relay: invalid server URL: %w", err)
	}
	if strings.TrimSpace(o.LocalURL) == "" {
		return fmt.Errorf("relay: local URL is required")
	}
	parsed, err := url.Parse(o.LocalURL)
	if err != nil {
		return fmt.Errorf("relay: invalid local URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("relay: local URL scheme %q is not one of http, https", parsed.Scheme)
	}
	return nil
}

// websocketURL converts the server URL to its ws(s) form and appends the
// tunnel path.
func (o *Options) websocketURL() (string, error) {
	parsed, err := url.Parse(o.ServerURL)
	if err != nil {
		return "", fmt.Errorf("relay: invalid server URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: server URL scheme %q is not one of http, https, ws, wss", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}
