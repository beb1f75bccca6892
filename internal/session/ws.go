package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/exosim/control-plane/internal/apperr"
	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
)

// Authenticator validates a connect-time token and returns the user_id it
// belongs to. Abstracted so tests can stub it without a real auth backend
// (spec.md §4.2 step 2: "authenticates against the external auth
// collaborator").
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Auth is swappable per-instance; main.go wires the real collaborator.
var _ Authenticator = AuthenticatorFunc(nil)

func (svc *Service) authenticator() Authenticator {
	if svc.auth != nil {
		return svc.auth
	}
	return AuthenticatorFunc(func(ctx context.Context, token string) (string, error) {
		if token == "" {
			return "", apperr.AuthFailed("missing token", nil)
		}
		return token, nil // dev fallback: token doubles as user_id
	})
}

// handleWS upgrades the connection, authenticates, binds or attaches to the
// session, and runs the per-connection read loop until the socket closes.
func (svc *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		http.Error(w, "deviceId is required", http.StatusBadRequest)
		return
	}

	userID, err := svc.authenticator().Authenticate(ctx, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if svc.State() == StateDraining {
		http.Error(w, "instance draining", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by chi middleware upstream
	})
	if err != nil {
		svc.log.Error().Err(err).Msg("websocket accept failed")
		return
	}

	clientID := uuid.NewString()

	var sess domain.Session
	if svc.State() == StateReady {
		sess, err = svc.Bind(ctx, userID, deviceID)
		if err != nil {
			ws.Close(websocket.StatusInternalError, "bind failed")
			return
		}
	} else {
		current, bound := svc.registry.Current()
		if !bound || current.UserID != userID {
			ws.Close(websocket.StatusPolicyViolation, "session busy")
			return
		}
		sess = current
	}

	old := svc.registry.PutConn(deviceID, clientID, ws, svc.now())
	if old != nil {
		svc.replaceConn(old)
	}

	c, _ := svc.registry.getConn(deviceID)
	svc.runConnection(ctx, sess, c, deviceID)
}

// replaceConn implements the device-replacement policy: the previous socket
// for this device_id gets a control frame then a close, never a silent drop.
func (svc *Service) replaceConn(old *conn) {
	old.sendMu.Lock()
	_ = wsjsonWrite(old.ws, Frame{Type: FrameSessionReplaced})
	old.sendMu.Unlock()
	svc.closeConn(old, websocket.StatusNormalClosure, "Connection replaced by new device connection")
}

// runConnection drives one device's read loop until the socket closes for
// any reason. Writes to this ws are the single-writer-task rule spec.md §5
// requires (every write goes through c.sendMu).
func (svc *Service) runConnection(ctx context.Context, sess domain.Session, c *conn, deviceID string) {
	defer func() {
		svc.registry.RemoveConn(deviceID, c)
		if svc.registry.ConnCount() == 0 {
			svc.beginDrain(context.Background())
		}
	}()

	_ = svc.send(c, Frame{
		Type:       FrameConnected,
		ClientID:   c.ClientID,
		DeviceID:   deviceID,
		SessionID:  sess.SessionID,
	})

	for {
		var f Frame
		if err := wsjsonRead(ctx, c.ws, &f); err != nil {
			return
		}
		now := svc.now()
		svc.registry.touchHeartbeat(deviceID, c.lastHeartbeatRTT, c.missedHeartbeats, now, c.lastQuality)
		svc.registry.Update(func(s *domain.Session) { s.LastActive = now })

		if err := svc.dispatch(ctx, c, deviceID, sess, f); err != nil {
			svc.sendError(c, err)
		}
	}
}

// dispatch is the inbound message-type table spec.md §4.2 calls for: one
// entry per frame type, unknown types fall through to an INVALID_REQUEST
// error frame.
func (svc *Service) dispatch(ctx context.Context, c *conn, deviceID string, sess domain.Session, f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		return svc.handleHeartbeat(c, f)
	case FrameConnectionQuality:
		return svc.handleConnectionQuality(ctx, c, deviceID, f)
	case FrameSubscribe, FrameUnsubscribe:
		return nil // subscription routing is handled by the exchange-stream fan-out, not here
	case FrameReconnect:
		return svc.handleReconnect(ctx, c, f)
	case FrameSessionInfo:
		return svc.handleSessionInfo(c, f)
	case FrameStopSession:
		go svc.Drain(context.Background())
		return nil
	default:
		return apperr.InvalidRequest("unknown message type: "+f.Type, nil)
	}
}

func (svc *Service) handleHeartbeat(c *conn, f Frame) error {
	now := svc.now()
	clientTS := now
	if f.Timestamp != nil {
		clientTS = *f.Timestamp
	}
	latency := now.Sub(clientTS)
	c.lastHeartbeatRTT = latency

	ts := now
	return svc.send(c, Frame{
		Type:            FrameHeartbeatAck,
		Timestamp:       &ts,
		ClientTimestamp: &clientTS,
		LatencyMS:       latency.Milliseconds(),
	})
}

func (svc *Service) handleConnectionQuality(ctx context.Context, c *conn, deviceID string, f Frame) error {
	quality, recommend := classifyQuality(f.LatencyMS, f.MissedHeartbeats)
	svc.registry.touchHeartbeat(deviceID, time.Duration(f.LatencyMS)*time.Millisecond, f.MissedHeartbeats, svc.now(), quality)
	svc.registry.Update(func(s *domain.Session) {
		s.ConnectionQuality = quality
		s.HeartbeatLatencyMS = f.LatencyMS
		s.MissedHeartbeats = f.MissedHeartbeats
	})

	if sess, ok := svc.registry.Current(); ok {
		if err := svc.st.PutSession(ctx, sess); err != nil {
			svc.log.Error().Err(err).Msg("failed to persist connection quality")
		}
	}

	return svc.send(c, Frame{
		Type:                 FrameConnectionQualityUpdate,
		Quality:              string(quality),
		ReconnectRecommended: recommend,
	})
}

func (svc *Service) handleReconnect(ctx context.Context, c *conn, f Frame) error {
	sess, bound := svc.registry.Current()
	if !bound || sess.SessionID != f.SessionID || sess.DeviceID != "" && sess.DeviceID != f.DeviceID {
		return apperr.AuthFailed(CodeInvalidDevice, nil)
	}

	svc.registry.Update(func(s *domain.Session) {
		s.ReconnectCount++
		s.LastActive = svc.now()
	})
	updated, _ := svc.registry.Current()
	if err := svc.st.PutSession(ctx, updated); err != nil {
		svc.log.Error().Err(err).Msg("failed to persist reconnect")
	}

	expiresAt := updated.ExpiresAt
	return svc.send(c, Frame{
		Type:            FrameSessionInfo,
		RequestID:       f.RequestID,
		DeviceID:        updated.DeviceID,
		ExpiresAt:       &expiresAt,
		SimulatorStatus: string(updated.SimulatorStatus),
	})
}

func (svc *Service) handleSessionInfo(c *conn, f Frame) error {
	sess, _ := svc.registry.Current()
	expiresAt := sess.ExpiresAt
	return svc.send(c, Frame{
		Type:            FrameSessionInfo,
		RequestID:       f.RequestID,
		DeviceID:        sess.DeviceID,
		ExpiresAt:       &expiresAt,
		SimulatorStatus: string(sess.SimulatorStatus),
	})
}

func (svc *Service) sendError(c *conn, err error) {
	code := string(apperr.KindInvalidRequest)
	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
		code = string(ae.Kind)
	}
	msg := err.Error()
	if ae != nil && ae.Message == CodeInvalidDevice {
		code = CodeInvalidDevice
		msg = "device_id does not match the bound session"
	}
	_ = svc.send(c, Frame{Type: FrameError, Code: code, Message: msg})
}

func (svc *Service) send(c *conn, f Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return wsjsonWrite(c.ws, f)
}

// BroadcastExchangeData fans out one exchange-data payload to every live
// connection, collecting failures into a dead-set evicted after the sweep —
// the same shape as the Market-Data Multiplexer's broadcast (spec.md §4.2
// "Outbound exchange stream").
func (svc *Service) BroadcastExchangeData(data interface{}) {
	ts := svc.now()
	conns := svc.registry.AllConns()
	var dead []string
	for _, c := range conns {
		if err := svc.send(c, Frame{Type: FrameExchangeData, Timestamp: &ts, Data: data}); err != nil {
			dead = append(dead, c.DeviceID)
		}
	}
	for _, id := range dead {
		target, ok := svc.registry.getConn(id)
		if !ok {
			continue
		}
		svc.registry.RemoveConn(id, target)
		svc.bus.Emit(events.EventSubscriberEvicted, "session", map[string]interface{}{"device_id": id})
	}
}

func wsjsonWrite(ws *websocket.Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, b)
}

func wsjsonRead(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	_, b, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
