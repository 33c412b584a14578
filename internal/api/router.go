package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/logging"
	"github.com/router-for-me/RelayTunnel/internal/relay"
)

// hopByHopHeaders must not cross the proxy boundary in either direction.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// handlePublic translates one public request into a REQUEST envelope, hands
// it to the forwarder and suspends until the correlated result arrives. A
// dropped public connection does not cancel the in-flight tunnel request;
// the response is discarded on arrival.
func (s *Server) handlePublic(c *gin.Context, subdomain string) {
	session := s.registry.Lookup(subdomain)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tunnel subdomain"})
		return
	}

	body, tooLarge, err := readBodyCapped(c.Request, s.cfg.MaxBodySize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if tooLarge {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds limit"})
		return
	}

	wsUpgrade := websocket.IsWebSocketUpgrade(c.Request)

	req := &relay.RequestPayload{
		Method:           strings.ToUpper(c.Request.Method),
		Path:             c.Request.URL.Path,
		Query:            parseQueryOrdered(c.Request.URL.RawQuery),
		Headers:          forwardedRequestHeaders(c),
		WebsocketUpgrade: wsUpgrade,
	}
	if len(body) > 0 || hasRequestBody(c.Request) {
		req.Body = relay.BodyString(base64.StdEncoding.EncodeToString(body))
	}

	resultCh, correlationID, err := s.forwarder.Forward(session, req, s.cfg.RequestTimeout.Std())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tunnel disconnected"})
		return
	}
	logging.SetGinCorrelationID(c, correlationID)

	// The forwarder guarantees completion: response, error, timeout or
	// session teardown, whichever is first.
	result := <-resultCh

	if result.Err != nil {
		s.writeRelayError(c, result.Err)
		return
	}
	s.writeTunnelResponse(c, correlationID, wsUpgrade, result.Response)
}

func (s *Server) writeRelayError(c *gin.Context, errPayload *relay.ErrorPayload) {
	status := http.StatusInternalServerError
	switch errPayload.Code {
	case relay.ErrorCodeTimeout:
		status = http.StatusGatewayTimeout
	case relay.ErrorCodeUpstreamError:
		status = http.StatusBadGateway
		if errPayload.Message == relay.TunnelDisconnectedMessage {
			status = http.StatusServiceUnavailable
		}
	case relay.ErrorCodeInvalidRequest:
		status = http.StatusBadRequest
	case relay.ErrorCodeServerError:
		status = http.StatusInternalServerError
	case relay.ErrorCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": errPayload.Message})
}

func (s *Server) writeTunnelResponse(c *gin.Context, correlationID string, wsUpgrade bool, resp *relay.ResponsePayload) {
	if wsUpgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		// The tunnel accepted the upgrade but frame bridging is not part of
		// the v1 surface.
		c.JSON(http.StatusNotImplemented, gin.H{"error": "websocket bridging not supported"})
		return
	}

	var body []byte
	if resp.Body != nil && *resp.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(*resp.Body)
		if err != nil {
			log.WithField("request_id", correlationID).Warn("tunnel response carried invalid base64 body")
			c.JSON(http.StatusBadGateway, gin.H{"error": "invalid tunnel response payload"})
			return
		}
		body = decoded
	}

	header := c.Writer.Header()
	for name, value := range resp.Headers {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		header.Set(name, value)
	}
	c.Status(resp.StatusCode)
	if len(body) > 0 {
		_, _ = c.Writer.Write(body)
	}
}

// readBodyCapped streams at most limit bytes, reporting whether the body
// exceeded it without buffering the excess.
func readBodyCapped(r *http.Request, limit int64) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	defer func() { _ = r.Body.Close() }()
	if r.ContentLength > limit {
		return nil, true, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return nil, true, nil
	}
	return body, false, nil
}

// hasRequestBody distinguishes a present-but-empty body from no body at all.
func hasRequestBody(r *http.Request) bool {
	return r.ContentLength > 0 || r.ContentLength == -1 || r.Header.Get("Content-Length") != ""
}

// forwardedRequestHeaders builds the single-string header map crossing the
// channel: hop-by-hop headers are stripped and multi-valued headers joined
// with ", ". X-Forwarded-* describe the public edge.
func forwardedRequestHeaders(c *gin.Context) map[string]string {
	headers := make(map[string]string, len(c.Request.Header)+3)
	for name, values := range c.Request.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	headers["X-Forwarded-Host"] = c.Request.Host
	headers["X-Forwarded-Proto"] = requestProto(c.Request)
	headers["X-Forwarded-For"] = c.ClientIP()
	return headers
}

func requestProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		return strings.ToLower(strings.TrimSpace(forwarded))
	}
	return "http"
}

// parseQueryOrdered keeps the query pairs in their original order, which
// url.Values would lose.
func parseQueryOrdered(raw string) []relay.QueryParam {
	if raw == "" {
		return nil
	}
	var params []relay.QueryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		decodedName, err := url.QueryUnescape(name)
		if err != nil {
			decodedName = name
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}
		params = append(params, relay.QueryParam{Name: decodedName, Value: decodedValue})
	}
	return params
}
