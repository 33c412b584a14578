package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Result is the single completion of a forwarded request: either the
// response payload relayed by the client or a relay-level error.
type Result struct {
	Response *ResponsePayload
	Err      *ErrorPayload
}

// pending is the server-side record of a forwarded request awaiting a reply.
// The done channel is a one-shot result slot with set-once semantics.
type pending struct {
	correlationID string
	subdomain     string
	done          chan Result
	once          sync.Once
	timer         *time.Timer
}

func (p *pending) complete(res Result) bool {
	fired := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- res
		close(p.done)
		fired = true
	})
	return fired
}

// Forwarder owns the pending table. The removal-and-completion pair is a
// single atomic step, so a concurrent timeout and response complete a
// pending at most once.
type Forwarder struct {
	mu       sync.Mutex
	pendings map[string]*pending
	registry *Registry
}

// NewForwarder builds a forwarder bound to the registry's secondary index.
func NewForwarder(registry *Registry) *Forwarder {
	f := &Forwarder{
		pendings: make(map[string]*pending),
		registry: registry,
	}
	registry.BindFailer(f)
	return f
}

// Forward mints a fresh correlation id, registers a pending with a timeout,
// publishes the REQUEST envelope to the session's outbound queue and returns
// the result slot plus the correlation id. The publish itself never blocks.
func (f *Forwarder) Forward(s *Session, req *RequestPayload, timeout time.Duration) (<-chan Result, string, error) {
	correlationID := uuid.NewString()
	env := MustEnvelope(correlationID, req)

	p := &pending{
		correlationID: correlationID,
		subdomain:     s.Subdomain(),
		done:          make(chan Result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		f.OnTimeout(correlationID)
	})

	f.mu.Lock()
	f.pendings[correlationID] = p
	f.mu.Unlock()
	f.registry.Track(p.subdomain, correlationID)

	if err := s.Publish(env); err != nil {
		f.take(correlationID)
		f.registry.Untrack(p.subdomain, correlationID)
		p.timer.Stop()
		return nil, "", err
	}
	log.WithFields(log.Fields{
		"request_id": correlationID,
		"subdomain":  p.subdomain,
		"method":     req.Method,
		"path":       req.Path,
	}).Debug("forwarded request to tunnel")
	return p.done, correlationID, nil
}

// OnResponse atomically removes and completes the pending for
// correlationID. Returns false if it is absent or already completed; a late
// response is dropped.
func (f *Forwarder) OnResponse(correlationID string, resp *ResponsePayload) bool {
	p := f.take(correlationID)
	if p == nil {
		log.WithField("request_id", correlationID).Debug("dropping response for unknown or completed correlation id")
		return false
	}
	f.registry.Untrack(p.subdomain, correlationID)
	return p.complete(Result{Response: resp})
}

// OnError atomically removes and completes the pending with the given error
// payload. No-op if absent.
func (f *Forwarder) OnError(correlationID string, errPayload *ErrorPayload) bool {
	p := f.take(correlationID)
	if p == nil {
		return false
	}
	f.registry.Untrack(p.subdomain, correlationID)
	return p.complete(Result{Err: errPayload})
}

// OnTimeout fires the TIMEOUT completion. A RESPONSE arriving for the same id
// afterwards is dropped by OnResponse.
func (f *Forwarder) OnTimeout(correlationID string) {
	p := f.take(correlationID)
	if p == nil {
		return
	}
	f.registry.Untrack(p.subdomain, correlationID)
	log.WithFields(log.Fields{
		"request_id": correlationID,
		"subdomain":  p.subdomain,
	}).Warn("tunnel response timed out")
	p.complete(Result{Err: &ErrorPayload{Code: ErrorCodeTimeout, Message: "timed out waiting for tunnel response"}})
}

// PendingCount returns the current pending table size.
func (f *Forwarder) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendings)
}

// WaitIdle blocks until the pending table drains or ctx ends, returning
// ctx.Err() in the latter case.
func (f *Forwarder) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) take(correlationID string) *pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pendings[correlationID]
	if !ok {
		return nil
	}
	delete(f.pendings, correlationID)
	return p
}
