package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// WorktreeStore implements store.WorktreeStore on sqlite.
type WorktreeStore struct {
	db *sql.DB
}

func NewWorktreeStore(db *sql.DB) *WorktreeStore {
	return &WorktreeStore{db: db}
}

const worktreeCols = `id, project_id, task_id, branch_name, filesystem_path, base_branch,
	agent_session_id, status, isolation_mode, created_at, updated_at, merged_at`

func (s *WorktreeStore) Create(ctx context.Context, w *store.WorktreeData) error {
	if w.ID == "" {
		w.ID = store.NewID(store.PrefixWorktree)
	}
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = store.WorktreeActive
	}
	if w.IsolationMode == "" {
		w.IsolationMode = store.IsolationWorktree
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (`+worktreeCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.TaskID, w.BranchName, w.Path, w.BaseBranch,
		w.AgentSessionID, w.Status, w.IsolationMode, now, now, nullTime(w.MergedAt),
	)
	return err
}

func (s *WorktreeStore) Get(ctx context.Context, id string) (*store.WorktreeData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+worktreeCols+` FROM worktrees WHERE id = ?`, id)
	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worktree %s: %w", id, store.ErrNotFound)
	}
	return w, err
}

func (s *WorktreeStore) List(ctx context.Context, projectID, status string) ([]store.WorktreeData, error) {
	q := `SELECT ` + worktreeCols + ` FROM worktrees WHERE 1=1`
	var args []any
	if projectID != "" {
		q += " AND project_id = ?"
		args = append(args, projectID)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WorktreeData
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *WorktreeStore) Update(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return execMapUpdate(ctx, s.db, "worktrees", id, updates)
}

func (s *WorktreeStore) Claim(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET agent_session_id = ?, updated_at = ?
		 WHERE id = ? AND agent_session_id IS NULL AND status = ?`,
		sessionID, time.Now(), id, store.WorktreeActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("worktree %s already claimed: %w", id, store.ErrConflict)
	}
	return nil
}

func (s *WorktreeStore) Release(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET agent_session_id = NULL, updated_at = ?
		 WHERE id = ? AND agent_session_id = ?`,
		time.Now(), id, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("worktree %s not owned by %s: %w", id, sessionID, store.ErrInvalidState)
	}
	return nil
}

func (s *WorktreeStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return err
}

func scanWorktree(r rowScanner) (*store.WorktreeData, error) {
	var w store.WorktreeData
	var taskID, sessionID sql.NullString
	var merged sql.NullTime

	err := r.Scan(&w.ID, &w.ProjectID, &taskID, &w.BranchName, &w.Path, &w.BaseBranch,
		&sessionID, &w.Status, &w.IsolationMode, &w.CreatedAt, &w.UpdatedAt, &merged)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		w.TaskID = &taskID.String
	}
	if sessionID.Valid {
		w.AgentSessionID = &sessionID.String
	}
	w.MergedAt = scanNullTime(merged)
	return &w, nil
}
