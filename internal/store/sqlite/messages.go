package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
)

// MessageStore implements store.MessageStore on sqlite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageCols = `id, from_session, to_session, content, priority, message_type, party_id, sent_at, read_at`

func (s *MessageStore) Insert(ctx context.Context, m *store.MessageData) error {
	if m.ID == "" {
		m.ID = store.NewID(store.PrefixMessage)
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if m.Priority == "" {
		m.Priority = store.MessageNormal
	}
	if m.MessageType == "" {
		m.MessageType = store.MessageDirect
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromSession, m.ToSession, m.Content, m.Priority, m.MessageType,
		m.PartyID, m.SentAt, nullTime(m.ReadAt),
	)
	return err
}

func (s *MessageStore) Get(ctx context.Context, id string) (*store.MessageData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return m, err
}

func (s *MessageStore) Poll(ctx context.Context, toSession string, unreadOnly bool, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageCols + ` FROM messages WHERE to_session = ?`
	if unreadOnly {
		q += ` AND read_at IS NULL`
	}
	// Urgent first, then oldest first within a priority.
	q += ` ORDER BY CASE priority WHEN 'urgent' THEN 0 ELSE 1 END, sent_at LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, toSession, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *MessageStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		// Already read; marking read is idempotent.
	}
	return nil
}

func (s *MessageStore) Search(ctx context.Context, sessionID, query string, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE (to_session = ? OR from_session = ?) AND content LIKE ?
		 ORDER BY sent_at DESC LIMIT ?`,
		sessionID, sessionID, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE to_session = ? OR from_session = ?
		 ORDER BY sent_at DESC LIMIT ?`,
		sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.MessageData, error) {
	var out []store.MessageData
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(r rowScanner) (*store.MessageData, error) {
	var m store.MessageData
	var partyID sql.NullString
	var readAt sql.NullTime

	err := r.Scan(&m.ID, &m.FromSession, &m.ToSession, &m.Content,
		&m.Priority, &m.MessageType, &partyID, &m.SentAt, &readAt)
	if err != nil {
		return nil, err
	}
	if partyID.Valid {
		m.PartyID = &partyID.String
	}
	m.ReadAt = scanNullTime(readAt)
	return &m, nil
}
