package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/relay"
)

// Handshake headers.
const (
	SecretKeyHeader = "X-Relay-Secret-Key"

	// SubdomainHeader lets a client ask for a specific subdomain. The request
	// is honored only when the name is well-formed and free; otherwise a
	// random one is allocated as usual.
	SubdomainHeader = "X-Relay-Subdomain"
)

const handshakeCloseTimeout = 2 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleTunnelWS accepts a tunnel channel: upgrade, secret validation,
// subdomain allocation, registration, CONTROL/REGISTERED.
func (s *Server) handleTunnelWS(c *gin.Context) {
	if c.Request.Method != http.MethodGet {
		c.Header("Allow", http.MethodGet)
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	secret := c.GetHeader(SecretKeyHeader)
	requested := c.GetHeader(SubdomainHeader)

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("tunnel upgrade failed: %v", err)
		return
	}

	if !s.secretValid(secret) {
		closeHandshake(conn, websocket.ClosePolicyViolation, "invalid secret key")
		log.WithField("reason", "invalid secret key").Warn("tunnel handshake rejected")
		return
	}

	subdomain, err := s.pickSubdomain(requested)
	if err != nil {
		closeHandshake(conn, websocket.CloseInternalServerErr, "subdomain allocation failed")
		log.WithField("error", err).Error("tunnel handshake failed")
		return
	}

	session := relay.NewSession(conn, subdomain, s.cfg.PublicURL(subdomain), s.registry, s.forwarder, relay.SessionConfig{
		HeartbeatInterval:  s.cfg.HeartbeatInterval.Std(),
		HeartbeatMaxMissed: s.cfg.HeartbeatMaxMissed,
	})
	if !s.registry.Register(subdomain, session) {
		// Lost the race for the name between allocation and registration.
		closeHandshake(conn, websocket.CloseInternalServerErr, "subdomain allocation failed")
		log.WithField("subdomain", subdomain).Error("tunnel registration raced, rejecting")
		return
	}

	_ = session.Publish(relay.MustEnvelope("", &relay.ControlPayload{
		Action:    relay.ControlRegistered,
		Subdomain: subdomain,
		PublicURL: session.PublicURL(),
	}))
	log.WithField("subdomain", subdomain).Info("tunnel registered")

	go session.Run()
}

func (s *Server) pickSubdomain(requested string) (string, error) {
	if requested != "" && s.allocator.ValidRequested(requested) && !s.registry.Has(requested) {
		return requested, nil
	}
	if requested != "" {
		log.WithField("subdomain", requested).Info("requested subdomain unavailable, allocating random")
	}
	return s.allocator.Allocate()
}

func (s *Server) secretValid(secret string) bool {
	if secret == "" {
		return false
	}
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	for key := range s.secrets {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func closeHandshake(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(handshakeCloseTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
