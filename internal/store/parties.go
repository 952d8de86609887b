package store

import (
	"context"
	"time"
)

// Party statuses.
const (
	PartyPending   = "pending"
	PartyRunning   = "running"
	PartyCompleted = "completed"
	PartyFailed    = "failed"
	PartyCancelled = "cancelled"
)

// Party member statuses.
const (
	MemberPending   = "pending"
	MemberRunning   = "running"
	MemberCompleted = "completed"
	MemberCrashed   = "crashed"
	MemberPaused    = "paused"
	MemberFailed    = "failed"
)

// Crash recovery policies.
const (
	OnCrashRestart = "restart"
	OnCrashPause   = "pause"
	OnCrashAbort   = "abort"
)

// PartyData is one orchestration of a heterogeneous role DAG.
type PartyData struct {
	ID                 string     `json:"id"`
	DefinitionSnapshot string     `json:"definition_snapshot"` // JSON of the launched definition
	ProjectID          string     `json:"project_id,omitempty"`
	Status             string     `json:"status"`
	LeaderSessionID    *string    `json:"leader_session_id,omitempty"`
	TaskID             *string    `json:"task_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// PartyMemberData is one spawned instance of a party role.
type PartyMemberData struct {
	ID            string  `json:"id"`
	PartyID       string  `json:"party_id"`
	RoleName      string  `json:"role_name"`
	InstanceIndex int     `json:"instance_index"`
	SessionID     *string `json:"session_id,omitempty"`
	RunID         *string `json:"run_id,omitempty"`
	Status        string  `json:"status"`
	CrashCount    int     `json:"crash_count"`
	OnCrash       string  `json:"on_crash"`
	MaxRetries    int     `json:"max_retries"`
}

// PartyStore persists parties and their members.
type PartyStore interface {
	Create(ctx context.Context, p *PartyData) error
	Get(ctx context.Context, id string) (*PartyData, error)
	List(ctx context.Context, projectID string, limit int) ([]PartyData, error)
	Update(ctx context.Context, id string, updates map[string]any) error

	AddMember(ctx context.Context, m *PartyMemberData) error
	Members(ctx context.Context, partyID string) ([]PartyMemberData, error)
	UpdateMember(ctx context.Context, memberID string, updates map[string]any) error
	// MemberByRun resolves a member from its agent run id.
	MemberByRun(ctx context.Context, runID string) (*PartyMemberData, error)
}
