// Package store defines the narrow persistence contract the core control
// plane depends on. Concrete backends (in-memory for tests/dev, SQLite for
// a single-node deployment) implement the same interface so the rest of the
// codebase never imports database/sql directly — the same boundary the
// teacher draws around its repository layer, collapsed here to one
// interface because the core's persistence surface is much narrower than a
// full portfolio manager's.
//
// A production Postgres-backed implementation is explicitly out of scope
// (spec.md §1 lists "the Postgres-backed repositories" as an external
// collaborator) — only the contract and two reference implementations live
// here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/exosim/control-plane/internal/domain"
)

// ErrNotFound is returned by Get-style lookups when no record matches.
var ErrNotFound = errors.New("store: not found")

// Store is the single narrow interface every core process talks to.
type Store interface {
	// Exchanges
	ListExchanges(ctx context.Context) ([]domain.ExchangeWorker, error)
	UpsertExchange(ctx context.Context, e domain.ExchangeWorker) error
	DeleteExchange(ctx context.Context, exchID string) error

	// Sessions
	PutSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Market-data bars — upsert on (timestamp, symbol), idempotent.
	UpsertBar(ctx context.Context, bar domain.MarketDataBar) error
	LatestBar(ctx context.Context, symbol string) (domain.MarketDataBar, error)

	// Workflow executions/tasks
	PutExecution(ctx context.Context, rec domain.ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	PutTaskRecord(ctx context.Context, rec domain.TaskRecord) error
	ListTaskRecords(ctx context.Context, executionID string) ([]domain.TaskRecord, error)

	Close() error
}

// New selects an implementation based on the ENVIRONMENT convention spec.md
// §6 specifies: "development" gets an in-memory store, anything else gets
// the persistent SQLite-backed store.
func New(environment string, sqlitePath string) (Store, error) {
	if environment == "development" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(sqlitePath)
}

// clockNow returns the current wall-clock time in UTC. It is a plain
// function, not a replaceable var, so tests cannot freeze it; callers that
// need determinism inject their own clock at a higher layer.
func clockNow() time.Time { return time.Now().UTC() }
