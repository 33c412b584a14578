package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/logging"
	relaywire "github.com/router-for-me/RelayTunnel/internal/relay"
)

// hopByHopHeaders are stripped before re-issuing a request locally and
// before relaying the origin's response.
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

// originProxy re-issues forwarded requests against the local origin. It
// never lets a failure escape as anything but a RESPONSE payload: transport
// failures become 502, panics become 500, so the public side always sees an
// HTTP answer.
type originProxy struct {
	base       *url.URL
	httpClient *http.Client
}

func newOriginProxy(localURL string, timeout time.Duration) (*originProxy, error) {
	parsed, err := url.Parse(localURL)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid local URL: %w", err)
	}
	return &originProxy{
		base: parsed,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
			},
		},
	}, nil
}

// do executes one forwarded request and always produces a response payload.
func (p *originProxy) do(ctx context.Context, req *relaywire.RequestPayload) (resp *relaywire.ResponsePayload) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithField("panic", recovered).Error("origin proxy panicked")
			resp = plainResponse(http.StatusInternalServerError, "internal proxy error")
		}
	}()

	var body []byte
	if req.Body != nil && *req.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(*req.Body)
		if err != nil {
			return plainResponse(http.StatusBadRequest, "invalid request body encoding")
		}
		body = decoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, p.targetURL(req), bytes.NewReader(body))
	if err != nil {
		return plainResponse(http.StatusBadGateway, fmt.Sprintf("failed to build local request: %v", err))
	}
	for name, value := range req.Headers {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		httpReq.Header.Set(name, value)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		log.WithFields(log.Fields{
			"request_id": logging.GetCorrelationID(ctx),
			"error":      err,
		}).Warn("local origin unreachable")
		return plainResponse(http.StatusBadGateway, fmt.Sprintf("local origin unreachable: %v", err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return plainResponse(http.StatusBadGateway, fmt.Sprintf("failed to read local response: %v", err))
	}

	headers := make(map[string]string, len(httpResp.Header))
	for name, values := range httpResp.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	payload := &relaywire.ResponsePayload{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
	}
	if len(respBody) > 0 {
		payload.Body = relaywire.BodyString(base64.StdEncoding.EncodeToString(respBody))
	}
	return payload
}

// targetURL reattaches the origin-form path and the ordered query pairs to
// the local base URL.
func (p *originProxy) targetURL(req *relaywire.RequestPayload) string {
	target := *p.base
	target.Path = strings.TrimRight(target.Path, "/") + req.Path
	if len(req.Query) > 0 {
		var sb strings.Builder
		for i, param := range req.Query {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(param.Name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(param.Value))
		}
		target.RawQuery = sb.String()
	}
	return target.String()
}

func plainResponse(status int, message string) *relaywire.ResponsePayload {
	return &relaywire.ResponsePayload{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       relaywire.BodyString(base64.StdEncoding.EncodeToString([]byte(message))),
	}
}
