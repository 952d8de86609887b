package store

import (
	"context"
	"time"
)

// Task statuses.
const (
	TaskPending       = "pending"
	TaskInProgress    = "in_progress"
	TaskPendingReview = "pending_review"
	TaskCompleted     = "completed"
	TaskBlocked       = "blocked"
	TaskEscalated     = "escalated"
	TaskCancelled     = "cancelled"
)

// Task categories. Empty means uncategorized.
const (
	CategoryCode     = "code"
	CategoryDocument = "document"
	CategoryResearch = "research"
	CategoryConfig   = "config"
	CategoryTest     = "test"
	CategoryManual   = "manual"
)

// TaskData is one unit of work in the task graph.
type TaskData struct {
	ID                  string     `json:"id"`
	ProjectID           *string    `json:"project_id,omitempty"`
	SeqNum              int        `json:"seq_num"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Status              string     `json:"status"`
	Priority            int        `json:"priority"`
	ParentTaskID        *string    `json:"parent_task_id,omitempty"`
	DependsOn           []string   `json:"depends_on,omitempty"`
	Category            string     `json:"category,omitempty"`
	ValidationCriteria  string     `json:"validation_criteria,omitempty"`
	ValidationFailCount int        `json:"validation_fail_count"`
	ReferenceDoc        string     `json:"reference_doc,omitempty"`
	ExpansionContext    string     `json:"expansion_context,omitempty"`
	IsEnriched          bool       `json:"is_enriched"`
	IsExpanded          bool       `json:"is_expanded"`
	IsTDDApplied        bool       `json:"is_tdd_applied"`
	CommitSHA           string     `json:"commit_sha,omitempty"`
	CreatedInSessionID  string     `json:"created_in_session_id,omitempty"`
	AssignedSessionID   *string    `json:"assigned_session_id,omitempty"`
	PendingReviewAt     *time.Time `json:"pending_review_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TaskListOpts filters List.
type TaskListOpts struct {
	ProjectID string
	Status    string
	ParentID  string
}

// TaskStore persists task rows. Status-machine enforcement lives in
// internal/tasks; the store only offers primitives.
type TaskStore interface {
	Create(ctx context.Context, t *TaskData) error
	Get(ctx context.Context, id string) (*TaskData, error)
	GetBySeq(ctx context.Context, projectID string, seq int) (*TaskData, error)
	List(ctx context.Context, opts TaskListOpts) ([]TaskData, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	// UpdateStatusCAS sets status only when the row still has fromStatus.
	// Returns ErrConflict when the optimistic check loses.
	UpdateStatusCAS(ctx context.Context, id, fromStatus, toStatus string, updates map[string]any) error
	Delete(ctx context.Context, id string) error
	// NextSeq allocates the next per-project display sequence number.
	NextSeq(ctx context.Context, projectID string) (int, error)
	// ClearAssignee removes assigned_session_id from all tasks held by a session.
	ClearAssignee(ctx context.Context, sessionID string) error
}
