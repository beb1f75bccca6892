package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo dependency
)

// SQLiteStore is the persistent Store backend for non-development
// environments. Connection pooling and PRAGMA configuration follow the
// teacher's internal/database.DB pattern (_examples/aristath-portfolioManager
// /internal/database/db.go), collapsed from the teacher's eight
// profile/database split down to the single control-plane database this
// core needs.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	exch_id TEXT PRIMARY KEY,
	exchange_type TEXT NOT NULL,
	timezone TEXT NOT NULL,
	pre_open_time TEXT NOT NULL,
	post_close_time TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_active TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	metadata BLOB
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status);

CREATE TABLE IF NOT EXISTS market_data_bars (
	timestamp TEXT NOT NULL,
	symbol TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (timestamp, symbol)
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	total_tasks INTEGER NOT NULL,
	completed_tasks INTEGER NOT NULL,
	failed_tasks INTEGER NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	execution_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	error TEXT,
	PRIMARY KEY (execution_id, task_id, attempt)
);
`

// NewSQLiteStore opens (and migrates) the control-plane SQLite database at
// path. WAL mode plus the busy-timeout/foreign-key PRAGMAs mirror the
// teacher's buildConnectionString.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		path = abs
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path}, nil
}

func (s *SQLiteStore) Close() error { return s.conn.Close() }

func (s *SQLiteStore) ListExchanges(ctx context.Context) ([]domain.ExchangeWorker, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT exch_id, exchange_type, timezone, pre_open_time, post_close_time FROM exchanges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExchangeWorker
	for rows.Next() {
		var e domain.ExchangeWorker
		if err := rows.Scan(&e.ExchID, &e.ExchangeType, &e.Timezone, &e.PreOpenTime, &e.PostCloseTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertExchange(ctx context.Context, e domain.ExchangeWorker) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO exchanges (exch_id, exchange_type, timezone, pre_open_time, post_close_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(exch_id) DO UPDATE SET
			exchange_type=excluded.exchange_type,
			timezone=excluded.timezone,
			pre_open_time=excluded.pre_open_time,
			post_close_time=excluded.post_close_time
	`, e.ExchID, e.ExchangeType, e.Timezone, e.PreOpenTime, e.PostCloseTime)
	return err
}

func (s *SQLiteStore) DeleteExchange(ctx context.Context, exchID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM exchanges WHERE exch_id = ?`, exchID)
	return err
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess domain.Session) error {
	meta, err := msgpack.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, status, created_at, last_active, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status=excluded.status,
			last_active=excluded.last_active,
			expires_at=excluded.expires_at,
			metadata=excluded.metadata
	`, sess.SessionID, sess.UserID, string(sess.Status), sess.CreatedAt.Format(time.RFC3339Nano),
		sess.LastActive.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano), meta)
	return err
}

func (s *SQLiteStore) scanSession(row *sql.Row) (domain.Session, error) {
	var sessionID, userID, status string
	var createdAt, lastActive, expiresAt string
	var meta []byte
	if err := row.Scan(&sessionID, &userID, &status, &createdAt, &lastActive, &expiresAt, &meta); err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, err
	}
	var sess domain.Session
	if len(meta) > 0 {
		if err := msgpack.Unmarshal(meta, &sess); err != nil {
			return domain.Session{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	sess.SessionID = sessionID
	sess.UserID = userID
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT session_id, user_id, status, created_at, last_active, expires_at, metadata
		FROM sessions WHERE session_id = ?`, sessionID)
	return s.scanSession(row)
}

func (s *SQLiteStore) GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT session_id, user_id, status, created_at, last_active, expires_at, metadata
		FROM sessions WHERE user_id = ? AND status = ? ORDER BY last_active DESC LIMIT 1`,
		userID, string(domain.SessionActive))
	return s.scanSession(row)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) UpsertBar(ctx context.Context, bar domain.MarketDataBar) error {
	payload, err := msgpack.Marshal(bar)
	if err != nil {
		return fmt.Errorf("encode bar: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO market_data_bars (timestamp, symbol, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(timestamp, symbol) DO UPDATE SET payload = excluded.payload
	`, bar.Timestamp.UTC().Format(time.RFC3339), bar.Symbol, payload)
	return err
}

func (s *SQLiteStore) LatestBar(ctx context.Context, symbol string) (domain.MarketDataBar, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT payload FROM market_data_bars WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1`, symbol)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return domain.MarketDataBar{}, ErrNotFound
		}
		return domain.MarketDataBar{}, err
	}
	var bar domain.MarketDataBar
	if err := msgpack.Unmarshal(payload, &bar); err != nil {
		return domain.MarketDataBar{}, fmt.Errorf("decode bar: %w", err)
	}
	return bar, nil
}

func (s *SQLiteStore) PutExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	var completedAt interface{}
	if !rec.CompletedAt.IsZero() {
		completedAt = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workflow_executions (execution_id, name, started_at, completed_at, total_tasks, completed_tasks, failed_tasks, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			completed_at=excluded.completed_at,
			completed_tasks=excluded.completed_tasks,
			failed_tasks=excluded.failed_tasks,
			status=excluded.status
	`, rec.ExecutionID, rec.WorkflowName, rec.StartedAt.Format(time.RFC3339Nano), completedAt,
		rec.TotalTasks, rec.CompletedTasks, rec.FailedTasks, string(rec.Status))
	return err
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT execution_id, name, started_at, completed_at, total_tasks, completed_tasks, failed_tasks, status
		FROM workflow_executions WHERE execution_id = ?`, executionID)

	var rec domain.ExecutionRecord
	var startedAt string
	var completedAt sql.NullString
	var status string
	if err := row.Scan(&rec.ExecutionID, &rec.WorkflowName, &startedAt, &completedAt,
		&rec.TotalTasks, &rec.CompletedTasks, &rec.FailedTasks, &status); err != nil {
		if err == sql.ErrNoRows {
			return domain.ExecutionRecord{}, ErrNotFound
		}
		return domain.ExecutionRecord{}, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	rec.Status = domain.ExecutionStatus(status)
	return rec, nil
}

func (s *SQLiteStore) PutTaskRecord(ctx context.Context, rec domain.TaskRecord) error {
	var startedAt, endedAt interface{}
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt.Format(time.RFC3339Nano)
	}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt.Format(time.RFC3339Nano)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workflow_tasks (execution_id, task_id, state, attempt, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, task_id, attempt) DO UPDATE SET
			state=excluded.state, ended_at=excluded.ended_at, error=excluded.error
	`, rec.ExecutionID, rec.TaskID, string(rec.State), rec.Attempt, startedAt, endedAt, rec.Error)
	return err
}

func (s *SQLiteStore) ListTaskRecords(ctx context.Context, executionID string) ([]domain.TaskRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT execution_id, task_id, state, attempt, started_at, ended_at, error
		FROM workflow_tasks WHERE execution_id = ? ORDER BY attempt ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		var rec domain.TaskRecord
		var state string
		var startedAt, endedAt sql.NullString
		if err := rows.Scan(&rec.ExecutionID, &rec.TaskID, &state, &rec.Attempt, &startedAt, &endedAt, &rec.Error); err != nil {
			return nil, err
		}
		rec.State = domain.TaskState(state)
		if startedAt.Valid {
			rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
		}
		if endedAt.Valid {
			rec.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
