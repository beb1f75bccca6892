// Package rpc defines the wire envelopes exchanged over the
// nhooyr.io/websocket transport that stands in for the gRPC streams
// spec.md's external-interfaces section specifies for Session<->Exchange
// Worker communication (see DESIGN.md Open Question O3). Envelopes are
// plain Go structs tagged for vmihailenco/msgpack/v5, the same
// serialization library the teacher uses elsewhere on its wire boundaries.
package rpc

import "time"

// SubscriptionRequest opens a market-data subscription on an exchange
// worker's C3 Multiplexer.
type SubscriptionRequest struct {
	SubscriberID    string   `msgpack:"subscriber_id"`
	Symbols         []string `msgpack:"symbols,omitempty"` // empty means all
	IncludeHistory  bool     `msgpack:"include_history"`
}

// SymbolData is one symbol's fields within a MarketDataUpdate.
type SymbolData struct {
	Symbol     string  `msgpack:"symbol"`
	Open       float64 `msgpack:"open"`
	High       float64 `msgpack:"high"`
	Low        float64 `msgpack:"low"`
	Close      float64 `msgpack:"close"`
	Volume     int64   `msgpack:"volume"`
	TradeCount int64   `msgpack:"trade_count"`
	VWAP       float64 `msgpack:"vwap"`
}

// MarketDataUpdate is one broadcast frame sent to a subscriber.
type MarketDataUpdate struct {
	Timestamp time.Time    `msgpack:"timestamp"`
	Data      []SymbolData `msgpack:"data"`
}

// StartSimulatorRequest/StopSimulatorRequest/HeartbeatRequest are the unary
// control calls spec.md §6 names alongside the streaming subscription.
type StartSimulatorRequest struct {
	ExchID string `msgpack:"exch_id"`
	UserID string `msgpack:"user_id"`
}

type StopSimulatorRequest struct {
	SimulatorID string `msgpack:"simulator_id"`
}

type HeartbeatRequest struct {
	SimulatorID string    `msgpack:"simulator_id"`
	SentAt      time.Time `msgpack:"sent_at"`
}

type HeartbeatResponse struct {
	ReceivedAt time.Time `msgpack:"received_at"`
	Healthy    bool      `msgpack:"healthy"`
}

// Envelope is the outer frame on the Session<->ExchangeWorker websocket
// connection: Kind discriminates which of the payload fields is populated,
// the tagged-variant dispatch pattern spec.md §9 calls for in place of a
// dict-of-callables.
type Envelope struct {
	Kind string `msgpack:"kind"`

	Subscribe   *SubscriptionRequest   `msgpack:"subscribe,omitempty"`
	Update      *MarketDataUpdate      `msgpack:"update,omitempty"`
	Start       *StartSimulatorRequest `msgpack:"start,omitempty"`
	Stop        *StopSimulatorRequest  `msgpack:"stop,omitempty"`
	Heartbeat   *HeartbeatRequest      `msgpack:"heartbeat,omitempty"`
	HeartbeatAck *HeartbeatResponse    `msgpack:"heartbeat_ack,omitempty"`
}

const (
	KindSubscribe    = "subscribe"
	KindUpdate       = "update"
	KindStart        = "start"
	KindStop         = "stop"
	KindHeartbeat    = "heartbeat"
	KindHeartbeatAck = "heartbeat_ack"
)
