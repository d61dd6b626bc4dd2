// Package sqlite implements stride.SessionStore using pure-Go SQLite.
// Session state is persisted as a JSON snapshot per row. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stride "github.com/nevindra/stride"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements stride.SessionStore backed by a local SQLite file.
// Each session row holds the full serialized SessionState; run records
// are append-only audit rows.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ stride.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			prompt_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			output_type TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			credits_used REAL NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveSession upserts the full session state under id.
func (s *Store) SaveSession(ctx context.Context, id string, state *stride.SessionState) error {
	start := time.Now()
	if id == "" {
		return fmt.Errorf("save session: empty id")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		id, string(blob), now, now)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save session: %w", err)
	}
	s.logger.Debug("sqlite: save session ok", "id", id, "bytes", len(blob), "duration", time.Since(start))
	return nil
}

// LoadSession returns the state saved under id, or (nil, nil) when the
// session does not exist.
func (s *Store) LoadSession(ctx context.Context, id string) (*stride.SessionState, error) {
	start := time.Now()
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load session failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load session: %w", err)
	}
	var state stride.SessionState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	s.logger.Debug("sqlite: load session ok", "id", id, "duration", time.Since(start))
	return &state, nil
}

// DeleteSession removes a session and its run records.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete session: commit: %w", err)
	}
	s.logger.Debug("sqlite: delete session ok", "id", id, "duration", time.Since(start))
	return nil
}

// ListSessions returns known session ids, most recently saved first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]string, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(ids), "duration", time.Since(start))
	return ids, nil
}

// RecordRun appends one terminal run record.
func (s *Store) RecordRun(ctx context.Context, rec stride.RunRecord) error {
	start := time.Now()
	if rec.RunID == "" {
		return fmt.Errorf("record run: empty run id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, prompt_id, agent_type, prompt, output_type, error, credits_used, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   output_type = excluded.output_type,
		   error = excluded.error,
		   credits_used = excluded.credits_used,
		   finished_at = excluded.finished_at`,
		rec.RunID, rec.SessionID, rec.PromptID, rec.AgentType, rec.Prompt,
		rec.OutputType, rec.Error, rec.CreditsUsed, rec.FinishedAt)
	if err != nil {
		s.logger.Error("sqlite: record run failed", "run_id", rec.RunID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("record run: %w", err)
	}
	s.logger.Debug("sqlite: record run ok", "run_id", rec.RunID, "session_id", rec.SessionID, "duration", time.Since(start))
	return nil
}

// RunsForSession returns a session's run records, oldest first.
func (s *Store) RunsForSession(ctx context.Context, sessionID string) ([]stride.RunRecord, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, prompt_id, agent_type, prompt, output_type, error, credits_used, finished_at
		 FROM runs WHERE session_id = ? ORDER BY finished_at, run_id`,
		sessionID)
	if err != nil {
		s.logger.Error("sqlite: runs for session failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("runs for session: %w", err)
	}
	defer rows.Close()

	var recs []stride.RunRecord
	for rows.Next() {
		var r stride.RunRecord
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.PromptID, &r.AgentType, &r.Prompt,
			&r.OutputType, &r.Error, &r.CreditsUsed, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	s.logger.Debug("sqlite: runs for session ok", "session_id", sessionID, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// DB exposes the underlying handle for ad-hoc queries and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
