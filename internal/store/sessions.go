package store

import (
	"context"
	"time"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
	SessionArchived  = "archived"
)

// SessionData is one CLI instance connected to the daemon.
type SessionData struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"` // claude, gemini, codex, claude_sdk, generic
	ProjectID        *string        `json:"project_id,omitempty"`
	Status           string         `json:"status"`
	ParentSessionID  *string        `json:"parent_session_id,omitempty"`
	SpawnedByAgentID *string        `json:"spawned_by_agent_id,omitempty"`
	AgentDepth       int            `json:"agent_depth"`
	TranscriptPath   string         `json:"transcript_path,omitempty"`
	MachineID        string         `json:"machine_id,omitempty"`
	CompactMarkdown  *string        `json:"compact_markdown,omitempty"`
	TerminalContext  map[string]any `json:"terminal_context,omitempty"`

	// TerminateRequested marks the session for cooperative self-termination;
	// the next tool response carries action=terminate.
	TerminateRequested bool `json:"terminate_requested,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// SessionListOpts filters List.
type SessionListOpts struct {
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

// SessionStore persists session rows.
type SessionStore interface {
	Create(ctx context.Context, s *SessionData) error
	Get(ctx context.Context, id string) (*SessionData, error)
	List(ctx context.Context, opts SessionListOpts) ([]SessionData, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetEnded(ctx context.Context, id string, at time.Time) error
	SetProject(ctx context.Context, id, projectID string) error
	SetTranscriptPath(ctx context.Context, id, path string) error
	SetCompactMarkdown(ctx context.Context, id, markdown string) error
	SetTerminalContext(ctx context.Context, id string, tc map[string]any) error
	MergeTerminalContext(ctx context.Context, id string, kv map[string]any) error
	SetTerminateRequested(ctx context.Context, id string, v bool) error
	// ArchiveIdle transitions completed/expired sessions older than cutoff to
	// archived and returns the affected ids. Used by the retention sweeper.
	ArchiveIdle(ctx context.Context, cutoff time.Time) ([]string, error)
}
