package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/router-for-me/RelayTunnel/internal/logging"
	relaywire "github.com/router-for-me/RelayTunnel/internal/relay"
)

const (
	handshakeTimeout      = 45 * time.Second
	registeredWaitTimeout = 15 * time.Second
	channelWriteTimeout   = 10 * time.Second
	maxInboundMessageLen  = 16 << 20
)

// ErrAuthRejected is returned when the server closes the handshake with a
// policy violation, i.e. the secret key was not accepted.
var ErrAuthRejected = errors.New("relay: handshake rejected: invalid secret key")

// errServerDisconnect marks a server-initiated CONTROL/DISCONNECT.
type errServerDisconnect struct {
	reason relaywire.DisconnectReason
}

func (e *errServerDisconnect) Error() string {
	return "relay: server disconnected: " + string(e.reason)
}

// registration is the identity the server assigned at handshake.
type registration struct {
	Subdomain string
	PublicURL string
}

// channel is the client-side endpoint of one tunnel: a read loop dispatching
// REQUEST envelopes into bounded proxy workers, and mutex-serialized writes.
type channel struct {
	conn  *websocket.Conn
	opts  *Options
	proxy *originProxy
	sem   *semaphore.Weighted

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// dialChannel connects, presents the secret, and waits for
// CONTROL/REGISTERED before handing the channel back.
func dialChannel(ctx context.Context, opts *Options, proxy *originProxy, sem *semaphore.Weighted) (*channel, *registration, error) {
	wsURL, err := opts.websocketURL()
	if err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	if opts.SecretKey != "" {
		header.Set("X-Relay-Secret-Key", opts.SecretKey)
	}
	if opts.Subdomain != "" {
		header.Set("X-Relay-Subdomain", opts.Subdomain)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, ErrAuthRejected
		}
		return nil, nil, fmt.Errorf("relay: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxInboundMessageLen)

	ch := &channel{
		conn:   conn,
		opts:   opts,
		proxy:  proxy,
		sem:    sem,
		closed: make(chan struct{}),
	}
	reg, err := ch.awaitRegistered()
	if err != nil {
		ch.close()
		return nil, nil, err
	}
	return ch, reg, nil
}

// awaitRegistered consumes frames until CONTROL/REGISTERED arrives. A close
// frame with 1008 means the secret was rejected.
func (ch *channel) awaitRegistered() (*registration, error) {
	_ = ch.conn.SetReadDeadline(time.Now().Add(registeredWaitTimeout))
	defer func() { _ = ch.conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return nil, ErrAuthRejected
			}
			return nil, fmt.Errorf("relay: waiting for registration: %w", err)
		}
		env, err := relaywire.DecodeEnvelope(data)
		if err != nil {
			log.WithField("error", err).Warn("dropping undecodable frame during handshake")
			continue
		}
		if env.Type == relaywire.EnvelopeControl && env.Control.Action == relaywire.ControlRegistered {
			if env.Control.Subdomain == "" {
				return nil, errors.New("relay: registration without subdomain")
			}
			return &registration{
				Subdomain: env.Control.Subdomain,
				PublicURL: env.Control.PublicURL,
			}, nil
		}
	}
}

// run blocks in the read loop until the channel dies. The returned error
// explains why: a server disconnect, an auth rejection or a transport error.
func (ch *channel) run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			ch.close()
		case <-ch.closed:
		}
	}()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return ErrAuthRejected
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: channel read: %w", err)
		}
		env, err := relaywire.DecodeEnvelope(data)
		if err != nil {
			log.WithField("error", err).Warn("dropping undecodable frame")
			continue
		}

		switch env.Type {
		case relaywire.EnvelopeRequest:
			ch.handleRequest(ctx, env)
		case relaywire.EnvelopeControl:
			if done := ch.handleControl(env); done != nil {
				return done
			}
		case relaywire.EnvelopeError:
			log.WithFields(log.Fields{
				"request_id": env.CorrelationID,
				"error":      env.Error.Message,
			}).Warn("server reported error")
		default:
			log.WithField("request_id", env.CorrelationID).Warn("unexpected envelope type on client channel")
		}
	}
}

func (ch *channel) handleControl(env *relaywire.Envelope) error {
	switch env.Control.Action {
	case relaywire.ControlPing:
		_ = ch.send(relaywire.MustEnvelope(env.CorrelationID, &relaywire.ControlPayload{Action: relaywire.ControlPong}))
	case relaywire.ControlPong, relaywire.ControlHeartbeat, relaywire.ControlRegistered:
		// Liveness acknowledgements and duplicate registrations carry no work.
	case relaywire.ControlDisconnect:
		log.WithField("reason", string(env.Control.Reason)).Info("server requested disconnect")
		ch.close()
		return &errServerDisconnect{reason: env.Control.Reason}
	default:
		log.WithField("reason", string(env.Control.Action)).Warn("unexpected control action")
	}
	return nil
}

// handleRequest runs the origin call on a bounded worker so slow origins
// never stall the read loop.
func (ch *channel) handleRequest(ctx context.Context, env *relaywire.Envelope) {
	go func() {
		if err := ch.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer ch.sem.Release(1)

		resp := ch.proxy.do(logging.WithCorrelationID(ctx, env.CorrelationID), env.Request)
		if err := ch.send(relaywire.MustEnvelope(env.CorrelationID, resp)); err != nil {
			log.WithFields(log.Fields{
				"request_id": env.CorrelationID,
				"error":      err,
			}).Warn("failed to send response over tunnel")
		}
	}()
}

func (ch *channel) send(env *relaywire.Envelope) error {
	select {
	case <-ch.closed:
		return errors.New("relay: channel closed")
	default:
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err = ch.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout)); err != nil {
		return fmt.Errorf("relay: set write deadline: %w", err)
	}
	if err = ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay: channel write: %w", err)
	}
	return nil
}

func (ch *channel) close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		deadline := time.Now().Add(2 * time.Second)
		_ = ch.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ch.conn.Close()
	})
}
