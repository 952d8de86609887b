package store

import (
	"context"
	"time"
)

// Message priorities and types.
const (
	MessageNormal = "normal"
	MessageUrgent = "urgent"

	MessageDirect         = "direct"
	MessagePartyBroadcast = "party_broadcast"
)

// MessageData is a point-to-point message between sessions.
type MessageData struct {
	ID          string     `json:"id"`
	FromSession string     `json:"from_session"`
	ToSession   string     `json:"to_session"`
	Content     string     `json:"content"`
	Priority    string     `json:"priority"`
	MessageType string     `json:"message_type"`
	PartyID     *string    `json:"party_id,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// MessageStore persists inter-session messages. Delivery is at-least-once
// via polling; real-time WS push is best-effort on top.
type MessageStore interface {
	Insert(ctx context.Context, m *MessageData) error
	Get(ctx context.Context, id string) (*MessageData, error)
	// Poll returns messages addressed to a session, oldest first,
	// urgent before normal. unreadOnly skips rows with read_at set.
	Poll(ctx context.Context, toSession string, unreadOnly bool, limit int) ([]MessageData, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
	// Search matches content substrings across a session's inbox and outbox.
	Search(ctx context.Context, sessionID, query string, limit int) ([]MessageData, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]MessageData, error)
}
