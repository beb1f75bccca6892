// Package session implements the Session Singleton (C2): one process
// instance serves exactly one user's trading session at a time, multiplexes
// that user's devices over WebSocket, and reports unready while bound so the
// placement layer never double-books it. HTTP routing
// follows the teacher's chi usage (internal/modules/*/handlers/routes.go);
// periodic health evaluation follows internal/server/status_monitor.go's
// ticker-diff-emit shape.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/exosim/control-plane/internal/apperr"
	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/store"
)

// State is the Session Singleton's own lifecycle, distinct from the bound
// Session's SessionStatus (spec.md §4.2).
type State string

const (
	StateReady    State = "READY"    // unbound, eligible for placement
	StateActive   State = "ACTIVE"   // bound to one session
	StateDraining State = "DRAINING" // shutting the bound session down
)

// Config bundles the singleton's timing knobs, sourced from
// internal/config.Config so main.go has one place to wire env vars.
type Config struct {
	SessionTimeout            time.Duration
	SessionExtensionThreshold time.Duration
	HeartbeatInterval         time.Duration
	ReadyFilePath             string
	ActiveLockFilePath        string
}

// ExchangeStreamer describes an upstream collaborator that connects to an
// exchange worker and yields market-data updates plus simulator status
// changes. Service holds no ExchangeStreamer and never calls one: binding a
// session opens no upstream stream, and exchange data reaches devices only
// when BroadcastExchangeData is called.
type ExchangeStreamer interface {
	Stream(ctx context.Context, simulatorID string) (<-chan interface{}, error)
}

// Service is the Session Singleton.
type Service struct {
	mu    sync.Mutex
	state State

	registry *Registry
	st       store.Store
	bus      *events.Bus
	log      zerolog.Logger
	now      func() time.Time
	cfg      Config
	auth     Authenticator
}

// SetAuthenticator wires the real auth collaborator; main.go calls this
// before serving traffic. Tests may leave it unset to use the dev fallback.
func (svc *Service) SetAuthenticator(a Authenticator) {
	svc.auth = a
}

// New builds an unbound Service in StateReady.
func New(st store.Store, bus *events.Bus, log zerolog.Logger, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		state:    StateReady,
		registry: NewRegistry(),
		st:       st,
		bus:      bus,
		log:      log.With().Str("component", "session_singleton").Logger(),
		now:      now,
		cfg:      cfg,
	}
}

// State returns the singleton's current lifecycle state.
func (svc *Service) State() State {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.state
}

// Router builds the HTTP mux: /ws for the client WebSocket, /healthz and
// /readyz for orchestration probes, and a debug snapshot endpoint — the
// route-grouping shape follows the teacher's handlers.RegisterRoutes.
func (svc *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", svc.handleHealthz)
	r.Get("/readyz", svc.handleReadyz)
	r.Get("/ws", svc.handleWS)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/snapshot", svc.handleDebugSnapshot)
	})
	return r
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleReadyz reports ready only in StateReady, matching the ready-file
// convention spec.md §6 describes for out-of-process liveness probes.
func (svc *Service) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if svc.State() != StateReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (svc *Service) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	svc.mu.Lock()
	state := svc.state
	svc.mu.Unlock()

	sess, bound := svc.registry.Current()
	resp := map[string]interface{}{
		"state":       state,
		"bound":       bound,
		"connections": svc.registry.ConnCount(),
	}
	if bound {
		resp["session"] = sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Bind transitions READY -> ACTIVE, creating (or resuming) a Session for
// userID/deviceID. Exactly one call may succeed while the singleton is
// unbound; all other callers observe apperr.Conflict. Also touches the
// readiness/active-lock files spec.md §6 names so the orchestration layer's
// file-based health probe reflects the transition immediately.
func (svc *Service) Bind(ctx context.Context, userID, deviceID string) (domain.Session, error) {
	svc.mu.Lock()
	if svc.state != StateReady {
		svc.mu.Unlock()
		return domain.Session{}, apperr.Conflict("session singleton is already bound", nil)
	}
	svc.state = StateActive
	svc.mu.Unlock()

	now := svc.now()
	existing, err := svc.st.GetActiveSessionForUser(ctx, userID)
	var sess domain.Session
	if err == nil {
		sess = existing
		sess.DeviceID = deviceID
		sess.Status = domain.SessionActive
		sess.LastActive = now
		sess.ExpiresAt = now.Add(svc.cfg.SessionTimeout)
	} else {
		sess = domain.Session{
			SessionID:  uuid.NewString(),
			UserID:     userID,
			DeviceID:   deviceID,
			CreatedAt:  now,
			LastActive: now,
			ExpiresAt:  now.Add(svc.cfg.SessionTimeout),
			Status:     domain.SessionActive,
			ConnectionQuality: domain.QualityGood,
			SimulatorStatus:   domain.SimulatorConnecting,
		}
	}

	svc.registry.Bind(sess)
	if err := svc.st.PutSession(ctx, sess); err != nil {
		svc.log.Error().Err(err).Msg("failed to persist session on bind")
	}
	svc.touchLockFiles(true)
	svc.bus.Emit(events.EventSessionStateChanged, "session", map[string]interface{}{
		"session_id": sess.SessionID, "status": string(sess.Status),
	})
	return sess, nil
}

func (svc *Service) touchLockFiles(active bool) {
	if active {
		if svc.cfg.ActiveLockFilePath != "" {
			_ = os.WriteFile(svc.cfg.ActiveLockFilePath, []byte("1"), 0o644)
		}
		if svc.cfg.ReadyFilePath != "" {
			_ = os.Remove(svc.cfg.ReadyFilePath)
		}
		return
	}
	if svc.cfg.ActiveLockFilePath != "" {
		_ = os.Remove(svc.cfg.ActiveLockFilePath)
	}
	if svc.cfg.ReadyFilePath != "" {
		_ = os.WriteFile(svc.cfg.ReadyFilePath, []byte("1"), 0o644)
	}
}

// CheckExpiry evaluates the bound session's heartbeat age against
// SessionTimeout (the boundary behavior spec.md's testable-properties
// section names: "a session with no heartbeat for SESSION_TIMEOUT_SECONDS
// transitions to EXPIRED and every associated WebSocket is closed").
// Intended to be called from a periodic ticker the same way the teacher's
// StatusMonitor.checkStatuses polls and diffs state.
func (svc *Service) CheckExpiry(ctx context.Context) {
	sess, bound := svc.registry.Current()
	if !bound || sess.Status != domain.SessionActive {
		return
	}
	if svc.now().Sub(sess.LastActive) < svc.cfg.SessionTimeout {
		return
	}

	svc.registry.Update(func(s *domain.Session) { s.Status = domain.SessionExpired })
	for _, c := range svc.registry.AllConns() {
		svc.closeConn(c, websocket.StatusNormalClosure, "session_expired")
	}
	if err := svc.st.PutSession(ctx, func() domain.Session { s, _ := svc.registry.Current(); return s }()); err != nil {
		svc.log.Error().Err(err).Msg("failed to persist expired session")
	}
	svc.bus.Emit(events.EventSessionStateChanged, "session", map[string]interface{}{
		"session_id": sess.SessionID, "status": string(domain.SessionExpired),
	})
	svc.beginDrain(ctx)
}

// Drain transitions ACTIVE -> DRAINING -> READY: closes every WebSocket with
// close code 1000, releases the readiness lock, and unbinds the session.
// Idempotent — calling Drain while already draining or ready is a no-op.
func (svc *Service) Drain(ctx context.Context) {
	svc.beginDrain(ctx)
}

func (svc *Service) beginDrain(ctx context.Context) {
	svc.mu.Lock()
	if svc.state != StateActive {
		svc.mu.Unlock()
		return
	}
	svc.state = StateDraining
	svc.mu.Unlock()

	for _, c := range svc.registry.AllConns() {
		svc.closeConn(c, websocket.StatusNormalClosure, "server_shutdown")
	}

	svc.registry.Clear()
	svc.touchLockFiles(false)

	svc.mu.Lock()
	svc.state = StateReady
	svc.mu.Unlock()
}

func (svc *Service) closeConn(c *conn, code websocket.StatusCode, reason string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.ws.Close(code, reason)
}
