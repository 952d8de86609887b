package store

import (
	"context"
	"time"
)

// WorkflowInstanceData is the per-session projection of a workflow definition.
// (session_id, workflow_name) is unique.
type WorkflowInstanceData struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	WorkflowName     string         `json:"workflow_name"`
	Enabled          bool           `json:"enabled"`
	Priority         int            `json:"priority"`
	CurrentStep      *string        `json:"current_step,omitempty"`
	StepEnteredAt    *time.Time     `json:"step_entered_at,omitempty"`
	StepActionCount  int            `json:"step_action_count"`
	TotalActionCount int            `json:"total_action_count"`
	Variables        map[string]any `json:"variables"` // workflow-scoped; never visible to other workflows
	ContextInjected  bool           `json:"context_injected"`
}

// WorkflowStateStore persists workflow instances and the per-session shared
// variable map. Instance writes are atomic per hook event.
type WorkflowStateStore interface {
	UpsertInstance(ctx context.Context, i *WorkflowInstanceData) error
	GetInstance(ctx context.Context, sessionID, workflowName string) (*WorkflowInstanceData, error)
	ListInstances(ctx context.Context, sessionID string) ([]WorkflowInstanceData, error)
	// SaveInstances writes multiple instance rows in one transaction.
	SaveInstances(ctx context.Context, instances []*WorkflowInstanceData) error
	// DeleteInstance clears step state and workflow-scoped variables.
	// Session variables are preserved.
	DeleteInstance(ctx context.Context, sessionID, workflowName string) error

	// Session variables: a single shared map per session.
	GetSessionVars(ctx context.Context, sessionID string) (map[string]any, error)
	SetSessionVar(ctx context.Context, sessionID, name string, value any) error
	// SetSessionVarDefault writes only when the name is not yet declared
	// (first declaration wins the default).
	SetSessionVarDefault(ctx context.Context, sessionID, name string, value any) error
}
