package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gobby-dev/gobby/internal/store"
)

// WorkflowStateStore implements store.WorkflowStateStore on sqlite.
type WorkflowStateStore struct {
	db *sql.DB
}

func NewWorkflowStateStore(db *sql.DB) *WorkflowStateStore {
	return &WorkflowStateStore{db: db}
}

const instanceCols = `id, session_id, workflow_name, enabled, priority, current_step,
	step_entered_at, step_action_count, total_action_count, variables, context_injected`

func (s *WorkflowStateStore) UpsertInstance(ctx context.Context, i *store.WorkflowInstanceData) error {
	if i.ID == "" {
		i.ID = store.NewID(store.PrefixInstance)
	}
	vars := i.Variables
	if vars == nil {
		vars = map[string]any{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (`+instanceCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, workflow_name) DO UPDATE SET
		   enabled = excluded.enabled,
		   priority = excluded.priority,
		   current_step = excluded.current_step,
		   step_entered_at = excluded.step_entered_at,
		   step_action_count = excluded.step_action_count,
		   total_action_count = excluded.total_action_count,
		   variables = excluded.variables,
		   context_injected = excluded.context_injected`,
		i.ID, i.SessionID, i.WorkflowName, boolInt(i.Enabled), i.Priority, i.CurrentStep,
		nullTime(i.StepEnteredAt), i.StepActionCount, i.TotalActionCount,
		marshalJSON(vars), boolInt(i.ContextInjected),
	)
	return err
}

func (s *WorkflowStateStore) GetInstance(ctx context.Context, sessionID, workflowName string) (*store.WorkflowInstanceData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM workflow_instances
		 WHERE session_id = ? AND workflow_name = ?`, sessionID, workflowName)
	i, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow instance %s/%s: %w", sessionID, workflowName, store.ErrNotFound)
	}
	return i, err
}

func (s *WorkflowStateStore) ListInstances(ctx context.Context, sessionID string) ([]store.WorkflowInstanceData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceCols+` FROM workflow_instances
		 WHERE session_id = ? ORDER BY priority, workflow_name`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WorkflowInstanceData
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// SaveInstances persists every instance in one transaction so a hook event's
// state changes land atomically.
func (s *WorkflowStateStore) SaveInstances(ctx context.Context, instances []*store.WorkflowInstanceData) error {
	if len(instances) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, i := range instances {
		vars := i.Variables
		if vars == nil {
			vars = map[string]any{}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_instances SET
			   enabled = ?, current_step = ?, step_entered_at = ?,
			   step_action_count = ?, total_action_count = ?,
			   variables = ?, context_injected = ?
			 WHERE session_id = ? AND workflow_name = ?`,
			boolInt(i.Enabled), i.CurrentStep, nullTime(i.StepEnteredAt),
			i.StepActionCount, i.TotalActionCount,
			marshalJSON(vars), boolInt(i.ContextInjected),
			i.SessionID, i.WorkflowName,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *WorkflowStateStore) DeleteInstance(ctx context.Context, sessionID, workflowName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`,
		sessionID, workflowName)
	return err
}

func (s *WorkflowStateStore) GetSessionVars(ctx context.Context, sessionID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM session_variables WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out[name] = v
	}
	return out, rows.Err()
}

func (s *WorkflowStateStore) SetSessionVar(ctx context.Context, sessionID, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_variables (session_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, name) DO UPDATE SET value = excluded.value`,
		sessionID, name, string(raw))
	return err
}

func (s *WorkflowStateStore) SetSessionVarDefault(ctx context.Context, sessionID, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_variables (session_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, name) DO NOTHING`,
		sessionID, name, string(raw))
	return err
}

func scanInstance(r rowScanner) (*store.WorkflowInstanceData, error) {
	var i store.WorkflowInstanceData
	var enabled, injected int
	var step sql.NullString
	var entered sql.NullTime
	var vars string

	err := r.Scan(&i.ID, &i.SessionID, &i.WorkflowName, &enabled, &i.Priority, &step,
		&entered, &i.StepActionCount, &i.TotalActionCount, &vars, &injected)
	if err != nil {
		return nil, err
	}
	i.Enabled = enabled != 0
	i.ContextInjected = injected != 0
	if step.Valid {
		i.CurrentStep = &step.String
	}
	i.StepEnteredAt = scanNullTime(entered)
	i.Variables = map[string]any{}
	if vars != "" {
		json.Unmarshal([]byte(vars), &i.Variables)
	}
	return &i, nil
}
