// Package session implements the Session Singleton (C2): a service instance
// that serves exactly one user's live trading session, multiplexes that
// user's devices over WebSocket, and advertises readiness only while
// unbound. HTTP/WS wiring follows the teacher's internal/server chi usage;
// WebSocket transport is nhooyr.io/websocket (present in the teacher's
// go.mod, unexercised there).
package session

import "time"

// Frame is the tagged-variant envelope for every JSON frame exchanged over
// the client<->Session Singleton WebSocket (spec.md §6). Type discriminates
// which of the payload fields is populated — the single dispatch function
// spec.md §9 calls for in place of a dict-of-callables.
type Frame struct {
	Type string `json:"type"`

	// Server -> client payloads
	ClientID             string          `json:"clientId,omitempty"`
	DeviceID             string          `json:"deviceId,omitempty"`
	SessionID            string          `json:"sessionId,omitempty"`
	RequestID            string          `json:"requestId,omitempty"`
	ExpiresAt            *time.Time      `json:"expiresAt,omitempty"`
	SimulatorStatus      string          `json:"simulatorStatus,omitempty"`
	Timestamp            *time.Time      `json:"timestamp,omitempty"`
	ClientTimestamp      *time.Time      `json:"clientTimestamp,omitempty"`
	LatencyMS            int64           `json:"latency,omitempty"`
	Quality              string          `json:"quality,omitempty"`
	ReconnectRecommended bool            `json:"reconnectRecommended,omitempty"`
	Data                 interface{}     `json:"data,omitempty"`
	Code                 string          `json:"code,omitempty"`
	Message              string          `json:"message,omitempty"`
	Reason               string          `json:"reason,omitempty"`

	// Client -> server payloads
	DataType        string   `json:"dataType,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	Token           string   `json:"token,omitempty"`
	Attempt         int      `json:"attempt,omitempty"`
	MissedHeartbeats int     `json:"missedHeartbeats,omitempty"`
	ConnectionType   string  `json:"connectionType,omitempty"`
}

const (
	FrameConnected               = "connected"
	FrameSessionInfo             = "session_info"
	FrameHeartbeatAck            = "heartbeat_ack"
	FrameConnectionQualityUpdate = "connection_quality_update"
	FrameExchangeData            = "exchange_data"
	FrameError                   = "error"
	FrameSessionReplaced         = "session_replaced"
	FrameServerShutdown          = "server_shutdown"

	FrameHeartbeat        = "heartbeat"
	FrameConnectionQuality = "connection_quality"
	FrameSubscribe        = "subscribe"
	FrameUnsubscribe      = "unsubscribe"
	FrameReconnect        = "reconnect"
	FrameStopSession      = "stop_session"
)

// Error codes carried on FrameError, matching apperr.Kind strings plus the
// device-mismatch code spec.md §4.2 names explicitly.
const (
	CodeInvalidDevice  = "INVALID_DEVICE"
	CodeUnknownMessage = "INVALID_REQUEST"
)
