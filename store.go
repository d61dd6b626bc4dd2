package stride

import "context"

// SessionStore abstracts durable session persistence. The engine commits
// terminal state after every run; the store never sees mid-run state. The
// store/sqlite and store/postgres packages provide implementations.
type SessionStore interface {
	// SaveSession upserts the full session state under id.
	SaveSession(ctx context.Context, id string, state *SessionState) error
	// LoadSession returns the state saved under id, or (nil, nil) when the
	// session does not exist.
	LoadSession(ctx context.Context, id string) (*SessionState, error)
	// DeleteSession removes a session and its run records.
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns known session ids, most recently saved first.
	ListSessions(ctx context.Context, limit int) ([]string, error)

	// RecordRun appends one terminal run record for audit and billing.
	RecordRun(ctx context.Context, rec RunRecord) error
	// RunsForSession returns a session's run records, oldest first.
	RunsForSession(ctx context.Context, sessionID string) ([]RunRecord, error)

	// Init creates the schema if needed.
	Init(ctx context.Context) error
	Close() error
}

// RunRecord is the audit row written once per terminal run.
type RunRecord struct {
	RunID       string  `json:"runId"`
	SessionID   string  `json:"sessionId"`
	PromptID    string  `json:"promptId,omitempty"`
	AgentType   string  `json:"agentType"`
	Prompt      string  `json:"prompt,omitempty"`
	OutputType  string  `json:"outputType"`
	Error       string  `json:"error,omitempty"`
	CreditsUsed float64 `json:"creditsUsed"`
	FinishedAt  int64   `json:"finishedAt"`
}
