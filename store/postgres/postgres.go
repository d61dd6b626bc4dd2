// Package postgres implements stride.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a no-op.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	stride "github.com/nevindra/stride"
)

// Store implements stride.SessionStore backed by PostgreSQL. Session state
// is stored as a JSONB snapshot per row; run records are append-only
// audit rows.
type Store struct {
	pool *pgxpool.Pool
}

var _ stride.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			prompt_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			output_type TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			credits_used DOUBLE PRECISION NOT NULL DEFAULT 0,
			finished_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// SaveSession inserts or replaces the session state under id.
func (s *Store) SaveSession(ctx context.Context, id string, state *stride.SessionState) error {
	if id == "" {
		return fmt.Errorf("postgres: save session: empty id")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal session state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, state, created_at, updated_at)
		 VALUES ($1, $2, (EXTRACT(EPOCH FROM now()) * 1000)::bigint, (EXTRACT(EPOCH FROM now()) * 1000)::bigint)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at`,
		id, blob)
	if err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	return nil
}

// LoadSession returns the state saved under id, or (nil, nil) when the
// session does not exist.
func (s *Store) LoadSession(ctx context.Context, id string) (*stride.SessionState, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM sessions WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load session: %w", err)
	}
	var state stride.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal session state: %w", err)
	}
	return &state, nil
}

// DeleteSession removes a session and its run records.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete session: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session runs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete session: commit: %w", err)
	}
	return nil
}

// ListSessions returns known session ids, most recently saved first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return ids, nil
}

// RecordRun appends one terminal run record.
func (s *Store) RecordRun(ctx context.Context, rec stride.RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("postgres: record run: empty run id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, session_id, prompt_id, agent_type, prompt, output_type, error, credits_used, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id) DO UPDATE SET
		   output_type = EXCLUDED.output_type,
		   error = EXCLUDED.error,
		   credits_used = EXCLUDED.credits_used,
		   finished_at = EXCLUDED.finished_at`,
		rec.RunID, rec.SessionID, rec.PromptID, rec.AgentType, rec.Prompt,
		rec.OutputType, rec.Error, rec.CreditsUsed, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("postgres: record run: %w", err)
	}
	return nil
}

// RunsForSession returns a session's run records, oldest first.
func (s *Store) RunsForSession(ctx context.Context, sessionID string) ([]stride.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, session_id, prompt_id, agent_type, prompt, output_type, error, credits_used, finished_at
		 FROM runs WHERE session_id = $1 ORDER BY finished_at, run_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: runs for session: %w", err)
	}
	defer rows.Close()

	var recs []stride.RunRecord
	for rows.Next() {
		var r stride.RunRecord
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.PromptID, &r.AgentType, &r.Prompt,
			&r.OutputType, &r.Error, &r.CreditsUsed, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return recs, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
