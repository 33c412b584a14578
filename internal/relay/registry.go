package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// TunnelDisconnectedMessage marks pendings failed because their owning
// session went away. The router maps this specific failure to 503 instead of
// the generic upstream 502.
const TunnelDisconnectedMessage = "tunnel disconnected"

// PendingFailer is the slice of the Forwarder the Registry needs to complete
// pendings when their owning session goes away. It is bound after
// construction to keep ownership acyclic: the Registry owns both the session
// map and the per-session correlation sets, the Forwarder owns the pendings.
type PendingFailer interface {
	OnError(correlationID string, errPayload *ErrorPayload) bool
}

// SessionInfo is a point-in-time snapshot of one registered tunnel.
type SessionInfo struct {
	Subdomain string    `json:"subdomain"`
	CreatedAt time.Time `json:"createdAt"`
	InFlight  int       `json:"inFlight"`
	QueueLen  int       `json:"queueLen"`
}

// Registry holds the subdomain → session mapping and the secondary
// subdomain → in-flight correlation-id index. All operations are
// concurrency-safe; channel closes and pending completions always happen
// outside the critical section.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tracked  map[string]map[string]struct{}
	failer   PendingFailer
	shutdown bool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		tracked:  make(map[string]map[string]struct{}),
	}
}

// BindFailer wires the forwarder in. Must be called once before sessions are
// registered.
func (r *Registry) BindFailer(failer PendingFailer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failer = failer
}

// Register atomically inserts the session if its subdomain is free.
// Returns false on collision or after Shutdown.
func (r *Registry) Register(subdomain string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	if _, exists := r.sessions[subdomain]; exists {
		return false
	}
	r.sessions[subdomain] = s
	return true
}

// Unregister removes the session for subdomain, fails every tracked pending
// with UPSTREAM_ERROR and closes the channel normally. Returns false if no
// session was registered.
func (r *Registry) Unregister(subdomain string) bool {
	return r.unregister(subdomain, websocket.CloseNormalClosure, "")
}

// UnregisterWithReason is Unregister with an explicit close code and a
// CONTROL/DISCONNECT reason sent to the client before closing.
func (r *Registry) UnregisterWithReason(subdomain string, closeCode int, reason DisconnectReason) bool {
	return r.unregister(subdomain, closeCode, reason)
}

func (r *Registry) unregister(subdomain string, closeCode int, reason DisconnectReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[subdomain]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, subdomain)
	ids := r.tracked[subdomain]
	delete(r.tracked, subdomain)
	failer := r.failer
	r.mu.Unlock()

	for id := range ids {
		if failer != nil {
			failer.OnError(id, &ErrorPayload{Code: ErrorCodeUpstreamError, Message: TunnelDisconnectedMessage})
		}
	}
	s.Close(closeCode, reason)
	log.WithField("subdomain", subdomain).Info("tunnel unregistered")
	return true
}

// dropSession removes the mapping only if it still points at s. Used by the
// session reader when the underlying connection dies, so a newer session that
// reused the subdomain is never evicted by a stale close.
func (r *Registry) dropSession(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.Subdomain()]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.Subdomain())
	ids := r.tracked[s.Subdomain()]
	delete(r.tracked, s.Subdomain())
	failer := r.failer
	r.mu.Unlock()

	for id := range ids {
		if failer != nil {
			failer.OnError(id, &ErrorPayload{Code: ErrorCodeUpstreamError, Message: TunnelDisconnectedMessage})
		}
	}
	s.Close(websocket.CloseNormalClosure, "")
	log.WithField("subdomain", s.Subdomain()).Info("tunnel connection lost")
}

// Lookup returns the session registered for subdomain, or nil.
func (r *Registry) Lookup(subdomain string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[subdomain]
}

// Has reports whether a session is registered for subdomain.
func (r *Registry) Has(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[subdomain]
	return ok
}

// Size returns the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	inflight := make(map[string]int, len(r.sessions))
	for subdomain, s := range r.sessions {
		sessions = append(sessions, s)
		inflight[subdomain] = len(r.tracked[subdomain])
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			Subdomain: s.Subdomain(),
			CreatedAt: s.CreatedAt(),
			InFlight:  inflight[s.Subdomain()],
			QueueLen:  s.QueueLen(),
		})
	}
	return infos
}

// Track records correlationID as in-flight for subdomain. No-op if the
// session is gone.
func (r *Registry) Track(subdomain, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[subdomain]; !ok {
		return
	}
	set, ok := r.tracked[subdomain]
	if !ok {
		set = make(map[string]struct{})
		r.tracked[subdomain] = set
	}
	set[correlationID] = struct{}{}
}

// Untrack removes correlationID from the secondary index. No-op if absent.
func (r *Registry) Untrack(subdomain, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.tracked[subdomain]
	if !ok {
		return
	}
	delete(set, correlationID)
	if len(set) == 0 {
		delete(r.tracked, subdomain)
	}
}

// Shutdown closes every channel with 1001 going-away, completes every
// tracked pending with SERVER_ERROR and clears both indices. Subsequent
// Register calls fail.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	var ids []string
	for _, set := range r.tracked {
		for id := range set {
			ids = append(ids, id)
		}
	}
	r.sessions = make(map[string]*Session)
	r.tracked = make(map[string]map[string]struct{})
	failer := r.failer
	r.mu.Unlock()

	for _, id := range ids {
		if failer != nil {
			failer.OnError(id, &ErrorPayload{Code: ErrorCodeServerError, Message: "server shutting down"})
		}
	}
	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, DisconnectShutdown)
	}
	if len(sessions) > 0 {
		log.Infof("registry shut down, %d tunnel(s) closed", len(sessions))
	}
}
