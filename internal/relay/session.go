package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	sessionWriteTimeout = 10 * time.Second
	closeGraceTimeout   = 5 * time.Second

	// maxDecodeFailures is how many consecutive undecodable frames are
	// tolerated before the channel is treated as corrupted and closed 1008.
	maxDecodeFailures = 3

	// defaultMaxMessageSize bounds one inbound frame. A 10 MiB body grows to
	// ~13.3 MiB in base64, plus headers and framing.
	defaultMaxMessageSize = 16 << 20
)

// SessionConfig carries the channel-level settings a session runs with.
type SessionConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
	MaxMessageSize     int64
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatMaxMissed <= 0 {
		c.HeartbeatMaxMissed = 2
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

// Session is the server-side channel endpoint for one tunnel: a reader
// goroutine dispatching inbound envelopes, a single writer goroutine
// draining the unbounded outbound queue, and a heartbeat timer.
type Session struct {
	subdomain string
	publicURL string
	createdAt time.Time

	conn      *websocket.Conn
	queue     *sendQueue
	registry  *Registry
	forwarder *Forwarder
	cfg       SessionConfig

	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   atomic.Int32
	missedPongs atomic.Int32
}

// NewSession wraps an accepted websocket connection. Run must be called to
// start the channel goroutines.
func NewSession(conn *websocket.Conn, subdomain, publicURL string, registry *Registry, forwarder *Forwarder, cfg SessionConfig) *Session {
	cfg.applyDefaults()
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &Session{
		subdomain: subdomain,
		publicURL: publicURL,
		createdAt: time.Now().UTC(),
		conn:      conn,
		queue:     newSendQueue(),
		registry:  registry,
		forwarder: forwarder,
		cfg:       cfg,
		closed:    make(chan struct{}),
	}
}

// Subdomain returns the subdomain this session serves.
func (s *Session) Subdomain() string { return s.subdomain }

// PublicURL returns the public URL announced at registration.
func (s *Session) PublicURL() string { return s.publicURL }

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// QueueLen reports the current outbound queue depth.
func (s *Session) QueueLen() int { return s.queue.len() }

// Publish posts an envelope to the outbound queue. It never blocks; the only
// failure is a closed session.
func (s *Session) Publish(env *Envelope) error {
	return s.queue.push(env)
}

// Run starts the writer and heartbeat goroutines and blocks in the read loop
// until the channel dies. Callers run it on its own goroutine.
func (s *Session) Run() {
	go s.writeLoop()
	go s.heartbeatLoop()
	s.readLoop()
}

// Close shuts the session down at most once. A non-empty reason enqueues a
// CONTROL/DISCONNECT envelope ahead of the close frame; queued envelopes are
// still drained by the writer before the connection closes, with a grace
// timer forcing the connection shut if draining stalls.
func (s *Session) Close(closeCode int, reason DisconnectReason) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(closeCode))
		if reason != "" {
			_ = s.queue.push(MustEnvelope("", &ControlPayload{Action: ControlDisconnect, Reason: reason}))
		}
		close(s.closed)
		s.queue.close()
		time.AfterFunc(closeGraceTimeout, func() {
			_ = s.conn.Close()
		})
	})
}

func (s *Session) readLoop() {
	defer s.registry.dropSession(s)

	decodeFailures := 0
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			log.WithField("subdomain", s.subdomain).Warn("binary frame on tunnel channel, closing")
			s.Close(websocket.ClosePolicyViolation, "")
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			decodeFailures++
			log.WithFields(log.Fields{
				"subdomain": s.subdomain,
				"error":     err,
			}).Warn("dropping undecodable frame")
			if decodeFailures >= maxDecodeFailures {
				s.Close(websocket.ClosePolicyViolation, "")
				return
			}
			continue
		}
		decodeFailures = 0
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env *Envelope) {
	switch env.Type {
	case EnvelopeResponse:
		s.forwarder.OnResponse(env.CorrelationID, env.Response)
	case EnvelopeError:
		s.forwarder.OnError(env.CorrelationID, env.Error)
	case EnvelopeControl:
		s.dispatchControl(env)
	default:
		// REQUEST flows server→client only.
		_ = s.Publish(MustEnvelope(env.CorrelationID, &ErrorPayload{
			Code:    ErrorCodeInvalidRequest,
			Message: "unexpected envelope type " + string(env.Type),
		}))
	}
}

func (s *Session) dispatchControl(env *Envelope) {
	switch env.Control.Action {
	case ControlPing:
		_ = s.Publish(MustEnvelope(env.CorrelationID, &ControlPayload{Action: ControlPong}))
	case ControlPong, ControlHeartbeat:
		s.missedPongs.Store(0)
	case ControlUnregister, ControlDisconnect:
		// Remove only this session; the subdomain may already belong to a
		// newer connection.
		s.registry.dropSession(s)
		s.Close(websocket.CloseNormalClosure, "")
	default:
		_ = s.Publish(MustEnvelope(env.CorrelationID, &ErrorPayload{
			Code:    ErrorCodeInvalidRequest,
			Message: "unexpected control action " + string(env.Control.Action),
		}))
	}
}

func (s *Session) writeLoop() {
	for {
		env, ok := s.queue.pop()
		if !ok {
			break
		}
		data, err := env.Encode()
		if err != nil {
			log.WithFields(log.Fields{
				"subdomain": s.subdomain,
				"error":     err,
			}).Error("failed to encode outbound envelope")
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
		if err = s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.Close(websocket.CloseAbnormalClosure, "")
			_ = s.conn.Close()
			return
		}
	}

	code := int(s.closeCode.Load())
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(sessionWriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = s.conn.Close()
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if int(s.missedPongs.Add(1)) > s.cfg.HeartbeatMaxMissed {
				log.WithField("subdomain", s.subdomain).Warn("tunnel missed heartbeats, closing")
				s.Close(websocket.CloseInternalServerErr, DisconnectError)
				return
			}
			_ = s.Publish(MustEnvelope("", &ControlPayload{Action: ControlPing}))
		}
	}
}
