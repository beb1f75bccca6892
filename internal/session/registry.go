package session

import (
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/exosim/control-plane/internal/domain"
)

// conn pairs the domain snapshot type with the live transport handle. The
// type is unexported, so *conn (and its websocket.Conn) stays inside this
// package; PutConn, getConn and AllConns hand *conn pointers to this
// package's own code.
type conn struct {
	domain.WSConnection
	ws     *websocket.Conn
	sendMu sync.Mutex // serializes writes; nhooyr's Conn forbids concurrent writers

	missedHeartbeats int
	lastHeartbeatRTT time.Duration
	lastQuality      domain.ConnectionQuality
}

// Registry is the Session Singleton's arena: the one current session (if
// any) plus the device_id-indexed set of live WebSocket connections bound to
// it. Every field lives behind one mutex; the session is handed out only as
// a value snapshot, connection entries as *conn pointers.
type Registry struct {
	mu      sync.Mutex
	session *domain.Session
	conns   map[string]*conn // keyed by device_id
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*conn)}
}

// Current returns a snapshot of the bound session, or ok=false when the
// singleton is unbound.
func (r *Registry) Current() (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return domain.Session{}, false
	}
	return r.session.Snapshot(), true
}

// Bind attaches sess as the current session. Callers must already hold the
// Service-level state-machine guarantee that at most one session is ever
// bound at a time; Bind itself just stores the value.
func (r *Registry) Bind(sess domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := sess
	r.session = &s
}

// Clear unbinds the current session and drops every connection record (the
// caller is responsible for closing the underlying sockets first).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
	r.conns = make(map[string]*conn)
}

// Update mutates the bound session in place via fn. No-op if unbound.
func (r *Registry) Update(fn func(s *domain.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	fn(r.session)
}

// PutConn registers ws under deviceID, returning the previous connection (if
// any) so the caller can close it — implements the device-replacement policy
// (spec.md §4.2: at most one live WebSocket per device_id).
func (r *Registry) PutConn(deviceID, clientID string, ws *websocket.Conn, now time.Time) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.conns[deviceID]
	r.conns[deviceID] = &conn{
		WSConnection: domain.WSConnection{
			DeviceID:     deviceID,
			ClientID:     clientID,
			ConnectedAt:  now,
			LastActivity: now,
		},
		ws:          ws,
		lastQuality: domain.QualityGood,
	}
	return old
}

// RemoveConn drops deviceID's connection record if it matches target (a
// pointer identity check so a stale removal can't drop a connection that
// already replaced it).
func (r *Registry) RemoveConn(deviceID string, target *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[deviceID]; ok && c == target {
		delete(r.conns, deviceID)
	}
}

func (r *Registry) getConn(deviceID string) (*conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[deviceID]
	return c, ok
}

// AllConns returns a snapshot slice of every live connection, safe to range
// over without holding the registry lock.
func (r *Registry) AllConns() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) touchHeartbeat(deviceID string, rtt time.Duration, missed int, now time.Time, quality domain.ConnectionQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[deviceID]; ok {
		c.LastActivity = now
		c.lastHeartbeatRTT = rtt
		c.missedHeartbeats = missed
		c.lastQuality = quality
	}
}
