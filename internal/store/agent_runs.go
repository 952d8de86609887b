package store

import (
	"context"
	"time"
)

// Agent run execution modes.
const (
	ModeInProcess = "in_process"
	ModeHeadless  = "headless"
	ModeTerminal  = "terminal"
	ModeEmbedded  = "embedded"
)

// Agent run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunKilled    = "killed"
	RunError     = "error"
	RunTimeout   = "timeout"
)

// AgentRunData is an outstanding or completed spawn.
type AgentRunData struct {
	ID              string         `json:"id"`
	ParentSessionID string         `json:"parent_session_id"`
	ChildSessionID  *string        `json:"child_session_id,omitempty"`
	WorkflowName    string         `json:"workflow_name,omitempty"`
	Provider        string         `json:"provider"`
	Model           string         `json:"model,omitempty"`
	Mode            string         `json:"mode"`
	Prompt          string         `json:"prompt"`
	Status          string         `json:"status"`
	WorktreeID      *string        `json:"worktree_id,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	PartyID         *string        `json:"party_id,omitempty"`
	PID             int            `json:"pid,omitempty"` // direct child pid (headless/embedded)
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the run reached a terminal status.
func (r *AgentRunData) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunCancelled, RunKilled, RunError, RunTimeout:
		return true
	}
	return false
}

// AgentRunListOpts filters List.
type AgentRunListOpts struct {
	ParentSessionID string
	PartyID         string
	Status          string
	Limit           int
}

// AgentRunStore persists agent run rows.
type AgentRunStore interface {
	Create(ctx context.Context, r *AgentRunData) error
	Get(ctx context.Context, id string) (*AgentRunData, error)
	List(ctx context.Context, opts AgentRunListOpts) ([]AgentRunData, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	// Finish transitions the run to a terminal status once. A second call
	// with a different status returns ErrConflict (already-terminal wins).
	Finish(ctx context.Context, id, status string, result map[string]any, errMsg string, at time.Time) error
}
