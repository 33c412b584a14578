// Package config provides configuration management for the relay server.
// It handles loading and parsing the YAML configuration file and provides
// structured access to application settings including the public domain,
// tunnel secrets, timeouts and shutdown behavior.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Shutdown modes accepted for relay.shutdown-mode.
const (
	ShutdownModeGraceful  = "graceful"
	ShutdownModeImmediate = "immediate"
)

// Duration wraps time.Duration so YAML values like "30s" or "1m" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var seconds float64
		if _, errScan := fmt.Sscanf(raw, "%f", &seconds); errScan != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(seconds * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Relay holds the tunnel relay settings.
	Relay RelayConfig `yaml:"relay"`

	// Debug enables debug-level logging when true.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir overrides the directory used for rotating log files.
	LogDir string `yaml:"log-dir,omitempty"`
}

// RelayConfig holds the relay server settings.
type RelayConfig struct {
	// Domain is the base domain under which tunnel subdomains are exposed. Required.
	Domain string `yaml:"domain"`

	// Host is the listen host. Empty means all interfaces.
	Host string `yaml:"host,omitempty"`

	// Port is the TCP port the public HTTP surface listens on.
	Port int `yaml:"port"`

	// SecretKeys is the set of keys a client may present on handshake.
	SecretKeys []string `yaml:"secret-keys"`

	// RequestTimeout bounds how long a public request waits for the tunnel reply.
	RequestTimeout Duration `yaml:"request-timeout"`

	// MaxBodySize is the maximum accepted decoded body size in bytes.
	MaxBodySize int64 `yaml:"max-body-size"`

	// SubdomainLength is the length of generated tunnel subdomains.
	SubdomainLength int `yaml:"subdomain-length"`

	// ShutdownMode selects between graceful and immediate shutdown.
	ShutdownMode string `yaml:"shutdown-mode"`

	// GracefulShutdownTimeout bounds the pending-drain wait in graceful mode.
	GracefulShutdownTimeout Duration `yaml:"graceful-shutdown-timeout"`

	// HeartbeatInterval is the application-level PING period per tunnel channel.
	HeartbeatInterval Duration `yaml:"heartbeat-interval"`

	// HeartbeatMaxMissed is how many unanswered PINGs close a channel.
	HeartbeatMaxMissed int `yaml:"heartbeat-max-missed"`

	// PublicScheme is the scheme used when composing public tunnel URLs.
	PublicScheme string `yaml:"public-scheme"`
}

// Defaults applied when the file leaves settings unset.
const (
	DefaultPort                    = 8080
	DefaultRequestTimeout          = 30 * time.Second
	DefaultMaxBodySize             = 10 << 20 // 10 MiB
	DefaultSubdomainLength         = 12
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultHeartbeatMaxMissed      = 2
)

// LoadConfig reads, parses and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	r := &c.Relay
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if r.MaxBodySize <= 0 {
		r.MaxBodySize = DefaultMaxBodySize
	}
	if r.SubdomainLength == 0 {
		r.SubdomainLength = DefaultSubdomainLength
	}
	if r.ShutdownMode == "" {
		r.ShutdownMode = ShutdownModeGraceful
	}
	if r.GracefulShutdownTimeout <= 0 {
		r.GracefulShutdownTimeout = Duration(DefaultGracefulShutdownTimeout)
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if r.HeartbeatMaxMissed <= 0 {
		r.HeartbeatMaxMissed = DefaultHeartbeatMaxMissed
	}
	if r.PublicScheme == "" {
		r.PublicScheme = "https"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	r := &c.Relay
	if strings.TrimSpace(r.Domain) == "" {
		return fmt.Errorf("config: relay.domain is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("config: relay.port %d out of range", r.Port)
	}
	if r.SubdomainLength < 1 {
		return fmt.Errorf("config: relay.subdomain-length must be positive")
	}
	switch r.ShutdownMode {
	case ShutdownModeGraceful, ShutdownModeImmediate:
	default:
		return fmt.Errorf("config: relay.shutdown-mode %q is not one of graceful, immediate", r.ShutdownMode)
	}
	switch r.PublicScheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: relay.public-scheme %q is not one of http, https", r.PublicScheme)
	}
	return nil
}

// SecretKeySet returns the configured secret keys as a set, with empty
// entries dropped.
func (r *RelayConfig) SecretKeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.SecretKeys))
	for _, key := range r.SecretKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

// PublicURL composes the public URL for a tunnel subdomain.
func (r *RelayConfig) PublicURL(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", r.PublicScheme, subdomain, r.Domain)
}

// ListenAddr returns the host:port the public surface binds to.
func (r *RelayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
