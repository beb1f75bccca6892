package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/store"
)

func newTestService(t *testing.T, now func() time.Time) (*Service, *httptest.Server) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(zerolog.Nop())
	svc := New(st, bus, zerolog.Nop(), Config{
		SessionTimeout:    time.Hour,
		HeartbeatInterval: 10 * time.Second,
	}, now)
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=user1&deviceId=" + deviceID
	c, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	return c
}

// TestInvariantOneConnectionPerDevice covers invariant #2 and S2's device
// replacement scenario: a second connect from the same device closes the
// first with a session_replaced frame.
func TestInvariantOneConnectionPerDevice(t *testing.T) {
	svc, srv := newTestService(t, nil)

	first := dial(t, srv, "device-1")
	defer first.Close(websocket.StatusNormalClosure, "")

	var f Frame
	require.NoError(t, wsjsonRead(context.Background(), first, &f))
	require.Equal(t, FrameConnected, f.Type)

	require.Eventually(t, func() bool { return svc.registry.ConnCount() == 1 }, time.Second, time.Millisecond)

	second := dial(t, srv, "device-1")
	defer second.Close(websocket.StatusNormalClosure, "")

	// The first connection should receive session_replaced, then close.
	require.NoError(t, wsjsonRead(context.Background(), first, &f))
	require.Equal(t, FrameSessionReplaced, f.Type)

	_, _, err := first.Read(context.Background())
	require.Error(t, err) // closed by the server

	require.Eventually(t, func() bool { return svc.registry.ConnCount() == 1 }, time.Second, time.Millisecond)
}

// TestConnectionQualityThresholds is seed scenario S6's exact values.
func TestConnectionQualityThresholds(t *testing.T) {
	q, recommend := classifyQuality(600, 0)
	require.Equal(t, domain.QualityDegraded, q)
	require.False(t, recommend)

	q, recommend = classifyQuality(50, 4)
	require.Equal(t, domain.QualityPoor, q)
	require.True(t, recommend)
}

func TestConnectionQualityGood(t *testing.T) {
	q, recommend := classifyQuality(100, 0)
	require.Equal(t, domain.QualityGood, q)
	require.False(t, recommend)
}

// TestSessionExpiryBoundary covers the boundary behavior: no heartbeat for
// SESSION_TIMEOUT_SECONDS transitions the session to EXPIRED and closes
// every associated WebSocket.
func TestSessionExpiryBoundary(t *testing.T) {
	clock := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	svc, srv := newTestService(t, now)

	ws := dial(t, srv, "device-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	var f Frame
	require.NoError(t, wsjsonRead(context.Background(), ws, &f))
	require.Equal(t, FrameConnected, f.Type)
	require.Eventually(t, func() bool { return svc.registry.ConnCount() == 1 }, time.Second, time.Millisecond)

	clock = clock.Add(svc.cfg.SessionTimeout + time.Second)
	svc.CheckExpiry(context.Background())

	_, _, err := ws.Read(context.Background())
	require.Error(t, err)
	require.Equal(t, StateReady, svc.State())
}

// TestBindConflict: a second Bind call while ACTIVE is rejected.
func TestBindConflict(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Bind(context.Background(), "user1", "device-1")
	require.NoError(t, err)

	_, err = svc.Bind(context.Background(), "user2", "device-2")
	require.Error(t, err)
}
