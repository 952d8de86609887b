package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobby/internal/store"
)

// PartyStore implements store.PartyStore on sqlite.
type PartyStore struct {
	db *sql.DB
}

func NewPartyStore(db *sql.DB) *PartyStore {
	return &PartyStore{db: db}
}

const partyCols = `id, definition_snapshot, project_id, status, leader_session_id, task_id,
	created_at, updated_at, completed_at`

func (s *PartyStore) Create(ctx context.Context, p *store.PartyData) error {
	if p.ID == "" {
		p.ID = store.NewID(store.PrefixParty)
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = store.PartyPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parties (`+partyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DefinitionSnapshot, p.ProjectID, p.Status, p.LeaderSessionID, p.TaskID,
		now, now, nullTime(p.CompletedAt),
	)
	return err
}

func (s *PartyStore) Get(ctx context.Context, id string) (*store.PartyData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+partyCols+` FROM parties WHERE id = ?`, id)
	p, err := scanParty(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("party %s: %w", id, store.ErrNotFound)
	}
	return p, err
}

func (s *PartyStore) List(ctx context.Context, projectID string, limit int) ([]store.PartyData, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + partyCols + ` FROM parties`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PartyData
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PartyStore) Update(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return execMapUpdate(ctx, s.db, "parties", id, updates)
}

func (s *PartyStore) AddMember(ctx context.Context, m *store.PartyMemberData) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Status == "" {
		m.Status = store.MemberPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO party_members (id, party_id, role_name, instance_index, session_id, run_id,
		 status, crash_count, on_crash, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PartyID, m.RoleName, m.InstanceIndex, m.SessionID, m.RunID,
		m.Status, m.CrashCount, m.OnCrash, m.MaxRetries,
	)
	return err
}

func (s *PartyStore) Members(ctx context.Context, partyID string) ([]store.PartyMemberData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, party_id, role_name, instance_index, session_id, run_id,
		 status, crash_count, on_crash, max_retries
		 FROM party_members WHERE party_id = ?
		 ORDER BY role_name, instance_index`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PartyMemberData
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PartyStore) UpdateMember(ctx context.Context, memberID string, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "party_members", memberID, updates)
}

func (s *PartyStore) MemberByRun(ctx context.Context, runID string) (*store.PartyMemberData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, party_id, role_name, instance_index, session_id, run_id,
		 status, crash_count, on_crash, max_retries
		 FROM party_members WHERE run_id = ?`, runID)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member for run %s: %w", runID, store.ErrNotFound)
	}
	return m, err
}

func scanParty(r rowScanner) (*store.PartyData, error) {
	var p store.PartyData
	var leader, taskID sql.NullString
	var completed sql.NullTime

	err := r.Scan(&p.ID, &p.DefinitionSnapshot, &p.ProjectID, &p.Status, &leader, &taskID,
		&p.CreatedAt, &p.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if leader.Valid {
		p.LeaderSessionID = &leader.String
	}
	if taskID.Valid {
		p.TaskID = &taskID.String
	}
	p.CompletedAt = scanNullTime(completed)
	return &p, nil
}

func scanMember(r rowScanner) (*store.PartyMemberData, error) {
	var m store.PartyMemberData
	var sessionID, runID sql.NullString

	err := r.Scan(&m.ID, &m.PartyID, &m.RoleName, &m.InstanceIndex, &sessionID, &runID,
		&m.Status, &m.CrashCount, &m.OnCrash, &m.MaxRetries)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		m.SessionID = &sessionID.String
	}
	if runID.Valid {
		m.RunID = &runID.String
	}
	return &m, nil
}
