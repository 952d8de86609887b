package store

import (
	"context"
	"time"
)

// Worktree statuses and isolation modes.
const (
	WorktreeActive    = "active"
	WorktreeStale     = "stale"
	WorktreeMerged    = "merged"
	WorktreeAbandoned = "abandoned"

	IsolationWorktree = "worktree" // git worktree (Claude-family)
	IsolationClone    = "clone"    // flat directory copy (Gemini-family)
)

// WorktreeData is an isolated filesystem workspace derived from a project.
type WorktreeData struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	TaskID         *string    `json:"task_id,omitempty"`
	BranchName     string     `json:"branch_name"`
	Path           string     `json:"filesystem_path"`
	BaseBranch     string     `json:"base_branch"`
	AgentSessionID *string    `json:"agent_session_id,omitempty"` // current owner
	Status         string     `json:"status"`
	IsolationMode  string     `json:"isolation_mode"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// WorktreeStore persists worktree rows.
type WorktreeStore interface {
	Create(ctx context.Context, w *WorktreeData) error
	Get(ctx context.Context, id string) (*WorktreeData, error)
	List(ctx context.Context, projectID string, status string) ([]WorktreeData, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	// Claim sets agent_session_id only when the worktree is unowned.
	// A concurrent claim loses with ErrConflict.
	Claim(ctx context.Context, id, sessionID string) error
	Release(ctx context.Context, id, sessionID string) error
	Delete(ctx context.Context, id string) error
}
