package store

import (
	"context"
	"sync"

	"github.com/exosim/control-plane/internal/domain"
)

// MemoryStore is an in-memory Store used for ENVIRONMENT=development and for
// unit tests. It follows the same single-mutex-guards-a-map shape as the
// teacher's queue.MemoryQueue.
type MemoryStore struct {
	mu sync.Mutex

	exchanges map[string]domain.ExchangeWorker
	sessions  map[string]domain.Session
	bars      map[string]domain.MarketDataBar // key: symbol (latest only) + history below
	barHist   map[barKey]domain.MarketDataBar
	executions map[string]domain.ExecutionRecord
	taskRecs   map[string][]domain.TaskRecord
}

type barKey struct {
	symbol string
	unixMin int64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exchanges:  make(map[string]domain.ExchangeWorker),
		sessions:   make(map[string]domain.Session),
		bars:       make(map[string]domain.MarketDataBar),
		barHist:    make(map[barKey]domain.MarketDataBar),
		executions: make(map[string]domain.ExecutionRecord),
		taskRecs:   make(map[string][]domain.TaskRecord),
	}
}

func (m *MemoryStore) ListExchanges(ctx context.Context) ([]domain.ExchangeWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExchangeWorker, 0, len(m.exchanges))
	for _, e := range m.exchanges {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) UpsertExchange(ctx context.Context, e domain.ExchangeWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges[e.ExchID] = e
	return nil
}

func (m *MemoryStore) DeleteExchange(ctx context.Context, exchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exchanges, exchID)
	return nil
}

func (m *MemoryStore) PutSession(ctx context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == domain.SessionActive {
			return s, nil
		}
	}
	return domain.Session{}, ErrNotFound
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) UpsertBar(ctx context.Context, bar domain.MarketDataBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bars[bar.Symbol]; !ok || !bar.Timestamp.Before(cur.Timestamp) {
		m.bars[bar.Symbol] = bar
	}
	m.barHist[barKey{symbol: bar.Symbol, unixMin: bar.Timestamp.Unix() / 60}] = bar
	return nil
}

func (m *MemoryStore) LatestBar(ctx context.Context, symbol string) (domain.MarketDataBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bars[symbol]
	if !ok {
		return domain.MarketDataBar{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) PutExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ExecutionID] = rec
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return domain.ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) PutTaskRecord(ctx context.Context, rec domain.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskRecs[rec.ExecutionID] = append(m.taskRecs[rec.ExecutionID], rec)
	return nil
}

func (m *MemoryStore) ListTaskRecords(ctx context.Context, executionID string) ([]domain.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.taskRecs[executionID]
	out := make([]domain.TaskRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
