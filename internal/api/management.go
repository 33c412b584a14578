package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/RelayTunnel/internal/buildinfo"
)

// handleHealthz reports liveness plus build metadata.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"tunnels": s.registry.Size(),
	})
}

// handleTunnels returns a snapshot of the registered sessions, including
// in-flight request counts and outbound queue depths. Guarded by the same
// secret keys as the handshake.
func (s *Server) handleTunnels(c *gin.Context) {
	if !s.secretValid(c.GetHeader(SecretKeyHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret key"})
		return
	}
	infos := s.registry.List()
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Subdomain < infos[j].Subdomain
	})
	c.JSON(http.StatusOK, gin.H{
		"count":   len(infos),
		"tunnels": infos,
	})
}
