package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// AgentRunStore implements store.AgentRunStore on sqlite.
type AgentRunStore struct {
	db *sql.DB
}

func NewAgentRunStore(db *sql.DB) *AgentRunStore {
	return &AgentRunStore{db: db}
}

const runCols = `id, parent_session_id, child_session_id, workflow_name, provider, model,
	mode, prompt, status, worktree_id, result, error, party_id, pid, started_at, completed_at`

func (s *AgentRunStore) Create(ctx context.Context, r *store.AgentRunData) error {
	if r.ID == "" {
		r.ID = store.NewID(store.PrefixRun)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = store.RunPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (`+runCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ParentSessionID, r.ChildSessionID, r.WorkflowName, r.Provider, r.Model,
		r.Mode, r.Prompt, r.Status, r.WorktreeID, nilStr(marshalJSON(r.Result)), r.Error,
		r.PartyID, r.PID, r.StartedAt, nullTime(r.CompletedAt),
	)
	return err
}

func (s *AgentRunStore) Get(ctx context.Context, id string) (*store.AgentRunData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run %s: %w", id, store.ErrNotFound)
	}
	return r, err
}

func (s *AgentRunStore) List(ctx context.Context, opts store.AgentRunListOpts) ([]store.AgentRunData, error) {
	q := `SELECT ` + runCols + ` FROM agent_runs WHERE 1=1`
	var args []any
	if opts.ParentSessionID != "" {
		q += " AND parent_session_id = ?"
		args = append(args, opts.ParentSessionID)
	}
	if opts.PartyID != "" {
		q += " AND party_id = ?"
		args = append(args, opts.PartyID)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	q += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentRunData
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *AgentRunStore) Update(ctx context.Context, id string, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "agent_runs", id, updates)
}

func (s *AgentRunStore) Finish(ctx context.Context, id, status string, result map[string]any, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, result = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, nilStr(marshalJSON(result)), errMsg, at,
		id, store.RunPending, store.RunRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if cur.Status == status {
			return nil // already in the requested terminal state
		}
		return fmt.Errorf("agent run %s already %s: %w", id, cur.Status, store.ErrConflict)
	}
	return nil
}

func scanRun(r rowScanner) (*store.AgentRunData, error) {
	var d store.AgentRunData
	var childID, worktreeID, partyID, result sql.NullString
	var completed sql.NullTime

	err := r.Scan(&d.ID, &d.ParentSessionID, &childID, &d.WorkflowName, &d.Provider, &d.Model,
		&d.Mode, &d.Prompt, &d.Status, &worktreeID, &result, &d.Error, &partyID, &d.PID,
		&d.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	if childID.Valid {
		d.ChildSessionID = &childID.String
	}
	if worktreeID.Valid {
		d.WorktreeID = &worktreeID.String
	}
	if partyID.Valid {
		d.PartyID = &partyID.String
	}
	d.Result = unmarshalMap(result)
	d.CompletedAt = scanNullTime(completed)
	return &d, nil
}
