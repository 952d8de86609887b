package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// SessionStore implements store.SessionStore on sqlite.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionCols = `id, source, project_id, status, parent_session_id, spawned_by_agent_id,
	agent_depth, transcript_path, machine_id, compact_markdown, terminal_context,
	terminate_requested, created_at, updated_at, ended_at`

func (s *SessionStore) Create(ctx context.Context, d *store.SessionData) error {
	if d.ID == "" {
		d.ID = store.NewID(store.PrefixSession)
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = store.SessionActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.ProjectID, d.Status, d.ParentSessionID, d.SpawnedByAgentID,
		d.AgentDepth, d.TranscriptPath, d.MachineID, d.CompactMarkdown,
		nilStr(marshalJSON(d.TerminalContext)),
		boolInt(d.TerminateRequested), now, now, nullTime(d.EndedAt),
	)
	return err
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.SessionData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	d, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return d, err
}

func (s *SessionStore) List(ctx context.Context, opts store.SessionListOpts) ([]store.SessionData, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE 1=1`
	var args []any
	if opts.ProjectID != "" {
		q += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	q += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SessionData
	for rows.Next() {
		d, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SessionStore) UpdateStatus(ctx context.Context, id, status string) error {
	return s.update(ctx, id, map[string]any{"status": status})
}

func (s *SessionStore) SetEnded(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{"status": store.SessionCompleted, "ended_at": at})
}

func (s *SessionStore) SetProject(ctx context.Context, id, projectID string) error {
	return s.update(ctx, id, map[string]any{"project_id": projectID})
}

func (s *SessionStore) SetTranscriptPath(ctx context.Context, id, path string) error {
	return s.update(ctx, id, map[string]any{"transcript_path": path})
}

func (s *SessionStore) SetCompactMarkdown(ctx context.Context, id, markdown string) error {
	return s.update(ctx, id, map[string]any{"compact_markdown": markdown})
}

func (s *SessionStore) SetTerminalContext(ctx context.Context, id string, tc map[string]any) error {
	return s.update(ctx, id, map[string]any{"terminal_context": tc})
}

func (s *SessionStore) MergeTerminalContext(ctx context.Context, id string, kv map[string]any) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	merged := cur.TerminalContext
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range kv {
		merged[k] = v
	}
	return s.SetTerminalContext(ctx, id, merged)
}

func (s *SessionStore) SetTerminateRequested(ctx context.Context, id string, v bool) error {
	return s.update(ctx, id, map[string]any{"terminate_requested": v})
}

func (s *SessionStore) ArchiveIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions
		 WHERE status IN (?, ?) AND updated_at < ?`,
		store.SessionCompleted, store.SessionExpired, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ?
			 WHERE status IN (?, ?) AND updated_at < ?`,
			store.SessionArchived, time.Now(),
			store.SessionCompleted, store.SessionExpired, cutoff); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SessionStore) update(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return execMapUpdate(ctx, s.db, "sessions", id, updates)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*store.SessionData, error) {
	var d store.SessionData
	var projectID, parentID, spawnedBy, transcript, machine, compact sql.NullString
	var termCtx sql.NullString
	var terminate int
	var ended sql.NullTime

	err := r.Scan(
		&d.ID, &d.Source, &projectID, &d.Status, &parentID, &spawnedBy,
		&d.AgentDepth, &transcript, &machine, &compact, &termCtx,
		&terminate, &d.CreatedAt, &d.UpdatedAt, &ended,
	)
	if err != nil {
		return nil, err
	}

	if projectID.Valid {
		d.ProjectID = &projectID.String
	}
	if parentID.Valid {
		d.ParentSessionID = &parentID.String
	}
	if spawnedBy.Valid {
		d.SpawnedByAgentID = &spawnedBy.String
	}
	if compact.Valid {
		d.CompactMarkdown = &compact.String
	}
	d.TranscriptPath = transcript.String
	d.MachineID = machine.String
	d.TerminalContext = unmarshalMap(termCtx)
	d.TerminateRequested = terminate != 0
	d.EndedAt = scanNullTime(ended)
	return &d, nil
}
