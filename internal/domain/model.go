// Package domain provides the core domain models shared by every exosim
// process. These types carry no infrastructure dependencies — no SQL, no
// gRPC, no JSON tags baked in beyond what the wire format needs — following
// the same separation the teacher keeps between its domain and repository
// layers.
package domain

import "time"

// ExchangeWorkerStatus is the lifecycle phase of an exchange worker
// deployment as tracked by the Lifecycle Controller.
type ExchangeWorkerStatus string

const (
	ExchangeWorkerOff      ExchangeWorkerStatus = "OFF"
	ExchangeWorkerStarting ExchangeWorkerStatus = "STARTING"
	ExchangeWorkerRunning  ExchangeWorkerStatus = "RUNNING"
	ExchangeWorkerStopping ExchangeWorkerStatus = "STOPPING"
)

// ExchangeWorker is the desired-state record for a per-exchange simulator
// deployment. PreOpen/PostClose are local wall-clock times (HH:MM) in TZ.
type ExchangeWorker struct {
	ExchID        string
	ExchangeType  string
	Timezone      string // IANA zone name, e.g. "America/New_York"
	PreOpenTime   string // "HH:MM" local wall clock
	PostCloseTime string // "HH:MM" local wall clock
}

// MarketHoursWindow is a concrete UTC interval during which an exchange's
// worker should be running. An empty window (Empty == true) means the
// exchange has no trading session on the date it was computed for (weekend).
type MarketHoursWindow struct {
	Start time.Time // UTC
	End   time.Time // UTC
	Empty bool
}

// Contains reports whether t (any timezone; compared in UTC) falls within
// the window, start and end inclusive.
func (w MarketHoursWindow) Contains(t time.Time) bool {
	if w.Empty {
		return false
	}
	u := t.UTC()
	return !u.Before(w.Start) && !u.After(w.End)
}

// SessionStatus is the lifecycle status of a user Session (spec.md §3).
type SessionStatus string

const (
	SessionCreating     SessionStatus = "CREATING"
	SessionActive       SessionStatus = "ACTIVE"
	SessionReconnecting SessionStatus = "RECONNECTING"
	SessionInactive      SessionStatus = "INACTIVE"
	SessionExpired       SessionStatus = "EXPIRED"
	SessionError         SessionStatus = "ERROR"
)

// ConnectionQuality buckets the client-reported link health.
type ConnectionQuality string

const (
	QualityGood     ConnectionQuality = "GOOD"
	QualityDegraded ConnectionQuality = "DEGRADED"
	QualityPoor     ConnectionQuality = "POOR"
)

// SimulatorStatus mirrors the WS `simulatorStatus` field (spec.md §6).
type SimulatorStatus string

const (
	SimulatorConnected    SimulatorStatus = "CONNECTED"
	SimulatorConnecting   SimulatorStatus = "CONNECTING"
	SimulatorDisconnected SimulatorStatus = "DISCONNECTED"
	SimulatorError        SimulatorStatus = "ERROR"
	SimulatorChecking     SimulatorStatus = "CHECKING"
)

// Session is the control-plane record for one user's trading session.
type Session struct {
	SessionID   string
	UserID      string
	DeviceID    string
	CreatedAt   time.Time
	LastActive  time.Time
	ExpiresAt   time.Time
	Status      SessionStatus

	ConnectionQuality   ConnectionQuality
	ReconnectCount      int
	HeartbeatLatencyMS  int64
	MissedHeartbeats    int
	SimulatorID         string
	SimulatorEndpoint   string
	SimulatorStatus     SimulatorStatus
}

// Snapshot returns a value copy safe to hand to external callers — the
// Session Singleton never leaks a pointer into its own registry (spec.md §9:
// "external observers receive snapshots, never references").
func (s *Session) Snapshot() Session {
	return *s
}

// WSConnection is one device's live WebSocket slot on a Session Singleton
// instance.
type WSConnection struct {
	DeviceID      string
	ClientID      string
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// Decimal is a fixed-point decimal quantity represented as an integer number
// of units of 10^-Scale plus that scale, avoiding float64 rounding
// drift across the encode/persist/decode round trip (testable property #6).
// Arithmetic helpers are intentionally minimal — this package models data,
// not pricing semantics (spec.md Non-goals).
type Decimal struct {
	Unscaled int64
	Scale    uint8
}

// Float64 converts to a float64 for display/logging only; never feed this
// back into persistence.
func (d Decimal) Float64() float64 {
	if d.Scale == 0 {
		return float64(d.Unscaled)
	}
	div := 1.0
	for i := uint8(0); i < d.Scale; i++ {
		div *= 10
	}
	return float64(d.Unscaled) / div
}

// DecimalFromFloat64 builds a Decimal at the given scale from a float64
// input (e.g. a value parsed off an upstream feed).
func DecimalFromFloat64(v float64, scale uint8) Decimal {
	mul := 1.0
	for i := uint8(0); i < scale; i++ {
		mul *= 10
	}
	return Decimal{Unscaled: int64(v*mul + signOf(v)*0.5), Scale: scale}
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// MarketDataBar is a per-minute OHLCV summary for one symbol (spec.md §3).
// Timestamp is always floored to the exact minute before it is constructed.
type MarketDataBar struct {
	Timestamp  time.Time
	Symbol     string
	Open       Decimal
	High       Decimal
	Low        Decimal
	Close      Decimal
	VWAP       Decimal
	VWAS       Decimal
	VWAV       Decimal
	Volume     int64
	TradeCount int64
	Currency   string
}

// FloorToMinute truncates t to the start of its minute in UTC.
func FloorToMinute(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
}

// Subscription is one downstream consumer of the Market-Data Multiplexer.
type Subscription struct {
	SubscriberID        string
	Symbols             map[string]struct{} // empty/nil means "all symbols"
	LastSuccessfulSend  time.Time
}

// WantsSymbol reports whether the subscription should receive updates for
// sym — an empty symbol set means "all symbols" (spec.md §4.3).
func (s Subscription) WantsSymbol(sym string) bool {
	if len(s.Symbols) == 0 {
		return true
	}
	_, ok := s.Symbols[sym]
	return ok
}

// TaskPriority orders the Workflow Engine's ready queue.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// TaskState is the runtime state of one WorkflowTask execution.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSuccess   TaskState = "SUCCESS"
	TaskFailed    TaskState = "FAILED"
	TaskTimeout   TaskState = "TIMEOUT"
	TaskSkipped   TaskState = "SKIPPED"
	TaskCancelled TaskState = "CANCELLED"
)

// WorkflowTask is one node in a workflow DAG (spec.md §3).
type WorkflowTask struct {
	ID           string
	Name         string
	Dependencies []string // empty string entries are treated as "no dependency"
	Priority     TaskPriority
	Timeout      time.Duration
	RetryCount   int
	SkipFlag     bool
}

// ExecutionStatus is the overall status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// ExecutionRecord is the persisted header row for one workflow execution.
type ExecutionRecord struct {
	ExecutionID   string
	WorkflowName  string
	StartedAt     time.Time
	CompletedAt   time.Time
	TotalTasks    int
	CompletedTasks int
	FailedTasks   int
	Status        ExecutionStatus
}

// TaskRecord is the persisted per-task-transition row for one execution.
type TaskRecord struct {
	ExecutionID string
	TaskID      string
	State       TaskState
	Attempt     int
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
}
