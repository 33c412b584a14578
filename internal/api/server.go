// Package api exposes the relay server's HTTP surface: the wildcard-host
// public router, the tunnel handshake endpoint and the management endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/config"
	"github.com/router-for-me/RelayTunnel/internal/logging"
	"github.com/router-for-me/RelayTunnel/internal/relay"
)

// Server assembles the gin engine and owns the http.Server for the public
// listener. The relay registry/forwarder/allocator are constructed at startup
// and passed in by reference.
type Server struct {
	cfg       config.RelayConfig
	registry  *relay.Registry
	forwarder *relay.Forwarder
	allocator *relay.Allocator

	secretMu sync.RWMutex
	secrets  map[string]struct{}

	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the server around the shared relay services.
func New(cfg config.RelayConfig, registry *relay.Registry, forwarder *relay.Forwarder, allocator *relay.Allocator) *Server {
	cfg.Domain = strings.ToLower(strings.TrimSpace(cfg.Domain))
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		forwarder: forwarder,
		allocator: allocator,
		secrets:   cfg.SecretKeySet(),
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	engine.NoRoute(s.dispatch)
	s.engine = engine

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the assembled engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run blocks serving the public listener until Shutdown.
func (s *Server) Run() error {
	log.Infof("relay server listening on %s for domain %s", s.cfg.ListenAddr(), s.cfg.Domain)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new public requests and waits for in-flight
// handlers up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// UpdateSecretKeys swaps the accepted handshake keys. Used by the config
// watcher for hot reload.
func (s *Server) UpdateSecretKeys(keys []string) {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	s.secretMu.Lock()
	s.secrets = set
	s.secretMu.Unlock()
	log.Infof("handshake secret keys reloaded, %d key(s) active", len(set))
}

// dispatch routes by virtual host: requests for the base domain hit the
// service endpoints, requests for one DNS label below it are tunneled.
func (s *Server) dispatch(c *gin.Context) {
	host := strings.ToLower(hostWithoutPort(c.Request.Host))

	if subdomain, ok := s.subdomainOf(host); ok {
		s.handlePublic(c, subdomain)
		return
	}

	if !strings.EqualFold(host, s.cfg.Domain) && !isLoopbackHost(host) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown host"})
		return
	}

	switch c.Request.URL.Path {
	case "/ws":
		s.handleTunnelWS(c)
	case "/healthz":
		s.handleHealthz(c)
	case "/api/tunnels":
		s.handleTunnels(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

// subdomainOf extracts the leftmost DNS label when host is exactly
// <label>.<base-domain>.
func (s *Server) subdomainOf(host string) (string, bool) {
	suffix := "." + s.cfg.Domain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return strings.ToLower(label), true
}

func hostWithoutPort(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

// isLoopbackHost admits direct service access during local development and
// tests, where clients dial the listener address instead of the domain.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
