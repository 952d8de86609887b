package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// TaskStore implements store.TaskStore on sqlite.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskCols = `id, project_id, seq_num, title, description, status, priority,
	parent_task_id, depends_on, category, validation_criteria, validation_fail_count,
	reference_doc, expansion_context, is_enriched, is_expanded, is_tdd_applied,
	commit_sha, created_in_session_id, assigned_session_id, pending_review_at,
	created_at, updated_at`

func (s *TaskStore) Create(ctx context.Context, t *store.TaskData) error {
	if t.ID == "" {
		t.ID = store.NewID(store.PrefixTask)
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = store.TaskPending
	}
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.SeqNum, t.Title, t.Description, t.Status, t.Priority,
		t.ParentTaskID, marshalJSON(deps), t.Category, t.ValidationCriteria, t.ValidationFailCount,
		t.ReferenceDoc, t.ExpansionContext, boolInt(t.IsEnriched), boolInt(t.IsExpanded), boolInt(t.IsTDDApplied),
		t.CommitSHA, t.CreatedInSessionID, t.AssignedSessionID, nullTime(t.PendingReviewAt),
		now, now,
	)
	return err
}

func (s *TaskStore) Get(ctx context.Context, id string) (*store.TaskData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, err
}

func (s *TaskStore) GetBySeq(ctx context.Context, projectID string, seq int) (*store.TaskData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE project_id = ? AND seq_num = ?`, projectID, seq)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task #%d: %w", seq, store.ErrNotFound)
	}
	return t, err
}

func (s *TaskStore) List(ctx context.Context, opts store.TaskListOpts) ([]store.TaskData, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if opts.ProjectID != "" {
		q += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.ParentID != "" {
		q += " AND parent_task_id = ?"
		args = append(args, opts.ParentID)
	}
	q += " ORDER BY priority DESC, created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TaskData
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *TaskStore) Update(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return execMapUpdate(ctx, s.db, "tasks", id, updates)
}

func (s *TaskStore) UpdateStatusCAS(ctx context.Context, id, fromStatus, toStatus string, updates map[string]any) error {
	sets := "status = ?, updated_at = ?"
	args := []any{toStatus, time.Now()}
	for _, k := range sortedKeys(updates) {
		sets += ", " + k + " = ?"
		args = append(args, normalizeArg(updates[k]))
	}
	args = append(args, id, fromStatus)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+sets+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost optimistic check.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("task %s not in %s: %w", id, fromStatus, store.ErrConflict)
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *TaskStore) NextSeq(ctx context.Context, projectID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT next FROM task_seq WHERE project_id = ?`, projectID).Scan(&next)
	switch err {
	case nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_seq SET next = next + 1 WHERE project_id = ?`, projectID); err != nil {
			return 0, err
		}
	case sql.ErrNoRows:
		next = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_seq (project_id, next) VALUES (?, 2)`, projectID); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	return next, tx.Commit()
}

func (s *TaskStore) ClearAssignee(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_session_id = NULL, updated_at = ? WHERE assigned_session_id = ?`,
		time.Now(), sessionID)
	return err
}

func scanTask(r rowScanner) (*store.TaskData, error) {
	var t store.TaskData
	var projectID, parentID, assigned sql.NullString
	var deps string
	var enriched, expanded, tdd int
	var pendingReview sql.NullTime

	err := r.Scan(
		&t.ID, &projectID, &t.SeqNum, &t.Title, &t.Description, &t.Status, &t.Priority,
		&parentID, &deps, &t.Category, &t.ValidationCriteria, &t.ValidationFailCount,
		&t.ReferenceDoc, &t.ExpansionContext, &enriched, &expanded, &tdd,
		&t.CommitSHA, &t.CreatedInSessionID, &assigned, &pendingReview,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if projectID.Valid {
		t.ProjectID = &projectID.String
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.String
	}
	if assigned.Valid {
		t.AssignedSessionID = &assigned.String
	}
	t.DependsOn = unmarshalStrings(deps)
	t.IsEnriched = enriched != 0
	t.IsExpanded = expanded != 0
	t.IsTDDApplied = tdd != 0
	t.PendingReviewAt = scanNullTime(pendingReview)
	return &t, nil
}
