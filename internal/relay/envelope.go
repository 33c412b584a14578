// Package relay implements the tunnel-multiplexing engine: the envelope
// codec shared by both sides of the control channel, and the server-side
// session registry, subdomain allocator, request forwarder and channel
// endpoint.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// EnvelopeType discriminates the payload carried by an envelope.
type EnvelopeType string

const (
	EnvelopeRequest  EnvelopeType = "REQUEST"
	EnvelopeResponse EnvelopeType = "RESPONSE"
	EnvelopeError    EnvelopeType = "ERROR"
	EnvelopeControl  EnvelopeType = "CONTROL"
)

// ErrorCode enumerates the error kinds carried on the channel.
type ErrorCode string

const (
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeUpstreamError  ErrorCode = "UPSTREAM_ERROR"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeServerError    ErrorCode = "SERVER_ERROR"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
)

// ControlAction enumerates control envelope actions.
type ControlAction string

const (
	ControlRegister   ControlAction = "REGISTER"
	ControlRegistered ControlAction = "REGISTERED"
	ControlUnregister ControlAction = "UNREGISTER"
	ControlHeartbeat  ControlAction = "HEARTBEAT"
	ControlPing       ControlAction = "PING"
	ControlPong       ControlAction = "PONG"
	ControlDisconnect ControlAction = "DISCONNECT"
)

// DisconnectReason qualifies a CONTROL/DISCONNECT envelope.
type DisconnectReason string

const (
	DisconnectNewConnection DisconnectReason = "NEW_CONNECTION"
	DisconnectShutdown      DisconnectReason = "SHUTDOWN"
	DisconnectError         DisconnectReason = "ERROR"
)

// QueryParam is one (name, value) pair of the request query string.
// Order is preserved across the channel.
type QueryParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestPayload carries one public HTTP request toward the tunnel client.
// Body is the base64 encoding of the raw bytes; nil means the request had no
// body at all, while an empty string is a present-but-empty body.
type RequestPayload struct {
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Query            []QueryParam      `json:"query,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             *string           `json:"body"`
	WebsocketUpgrade bool              `json:"websocketUpgrade,omitempty"`
}

// ResponsePayload carries the origin's answer back to the server.
type ResponsePayload struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       *string           `json:"body"`
}

// ErrorPayload signals a relay-level failure for one correlation id.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ControlPayload carries session lifecycle and liveness messages.
type ControlPayload struct {
	Action    ControlAction    `json:"action"`
	Subdomain string           `json:"subdomain,omitempty"`
	PublicURL string           `json:"publicUrl,omitempty"`
	Reason    DisconnectReason `json:"reason,omitempty"`
}

// Envelope is one framed message on the channel. Exactly one of the payload
// pointers matching Type is non-nil.
type Envelope struct {
	CorrelationID string
	Type          EnvelopeType
	Timestamp     time.Time

	Request  *RequestPayload
	Response *ResponsePayload
	Error    *ErrorPayload
	Control  *ControlPayload
}

// timestampLayout is RFC 3339 with millisecond precision, always UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

type wireEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Type          EnvelopeType    `json:"type"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// FrameError is returned for frames that cannot be decoded or whose payload
// shape does not match their type. Such frames are rejected without side
// effects.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "relay: invalid envelope: " + e.Reason
}

func frameErrorf(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// NewEnvelope builds an envelope around the given payload, stamping the
// current UTC time at millisecond precision.
func NewEnvelope(correlationID string, payload any) (*Envelope, error) {
	env := &Envelope{
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
	switch p := payload.(type) {
	case *RequestPayload:
		env.Type, env.Request = EnvelopeRequest, p
	case *ResponsePayload:
		env.Type, env.Response = EnvelopeResponse, p
	case *ErrorPayload:
		env.Type, env.Error = EnvelopeError, p
	case *ControlPayload:
		env.Type, env.Control = EnvelopeControl, p
	default:
		return nil, frameErrorf("unsupported payload %T", payload)
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads built by this process, where a
// construction failure is a programming error.
func MustEnvelope(correlationID string, payload any) *Envelope {
	env, err := NewEnvelope(correlationID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	var payload any
	switch e.Type {
	case EnvelopeRequest:
		payload = e.Request
	case EnvelopeResponse:
		payload = e.Response
	case EnvelopeError:
		payload = e.Error
	case EnvelopeControl:
		payload = e.Control
	default:
		return nil, frameErrorf("unknown type %q", e.Type)
	}
	switch {
	case e.Type == EnvelopeRequest && e.Request == nil,
		e.Type == EnvelopeResponse && e.Response == nil,
		e.Type == EnvelopeError && e.Error == nil,
		e.Type == EnvelopeControl && e.Control == nil:
		return nil, frameErrorf("missing payload for type %q", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal payload: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireEnvelope{
		CorrelationID: e.CorrelationID,
		Type:          e.Type,
		Timestamp:     ts.UTC().Format(timestampLayout),
		Payload:       raw,
	})
}

// DecodeEnvelope parses one wire frame. The type discriminator is inspected
// first so frames of unknown type are rejected before any payload decoding.
// Unknown payload fields are ignored for forward compatibility.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, frameErrorf("malformed JSON frame")
	}
	typeField := gjson.GetBytes(data, "type")
	if !typeField.Exists() {
		return nil, frameErrorf("missing type")
	}
	envType := EnvelopeType(typeField.String())
	switch envType {
	case EnvelopeRequest, EnvelopeResponse, EnvelopeError, EnvelopeControl:
	default:
		return nil, frameErrorf("unknown type %q", envType)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, frameErrorf("frame: %v", err)
	}
	env := &Envelope{
		CorrelationID: wire.CorrelationID,
		Type:          envType,
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, wire.Timestamp)
		if err != nil {
			return nil, frameErrorf("timestamp %q: %v", wire.Timestamp, err)
		}
		env.Timestamp = ts.UTC()
	}
	if len(wire.Payload) == 0 {
		return nil, frameErrorf("missing payload")
	}

	switch envType {
	case EnvelopeRequest:
		payload := &RequestPayload{}
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, frameErrorf("request payload: %v", err)
		}
		if payload.Method == "" || payload.Path == "" {
			return nil, frameErrorf("request payload missing method or path")
		}
		env.Request = payload
	case EnvelopeResponse:
		payload := &ResponsePayload{}
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, frameErrorf("response payload: %v", err)
		}
		if payload.StatusCode < 100 || payload.StatusCode > 599 {
			return nil, frameErrorf("response status %d out of range", payload.StatusCode)
		}
		env.Response = payload
	case EnvelopeError:
		payload := &ErrorPayload{}
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, frameErrorf("error payload: %v", err)
		}
		switch payload.Code {
		case ErrorCodeTimeout, ErrorCodeUpstreamError, ErrorCodeInvalidRequest, ErrorCodeServerError, ErrorCodeRateLimited:
		default:
			return nil, frameErrorf("unknown error code %q", payload.Code)
		}
		env.Error = payload
	case EnvelopeControl:
		payload := &ControlPayload{}
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, frameErrorf("control payload: %v", err)
		}
		switch payload.Action {
		case ControlRegister, ControlRegistered, ControlUnregister, ControlHeartbeat, ControlPing, ControlPong, ControlDisconnect:
		default:
			return nil, frameErrorf("unknown control action %q", payload.Action)
		}
		env.Control = payload
	}
	return env, nil
}

// BodyString returns a pointer to s, for building payload bodies.
func BodyString(s string) *string {
	return &s
}
