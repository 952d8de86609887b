// Package messaging routes point-to-point and party-broadcast messages
// between sessions. Delivery is durable via polling; a best-effort event is
// broadcast for connected WebSocket clients.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// Service sends and retrieves inter-session messages.
type Service struct {
	messages store.MessageStore
	sessions store.SessionStore
	parties  store.PartyStore
	events   bus.EventPublisher
	logger   *slog.Logger
}

func NewService(messages store.MessageStore, sessions store.SessionStore, parties store.PartyStore, events bus.EventPublisher, logger *slog.Logger) *Service {
	return &Service{messages: messages, sessions: sessions, parties: parties, events: events, logger: logger}
}

// Send delivers a direct message. Both sessions must exist, and when both
// carry a project the projects must match; cross-project chatter is almost
// always a mis-addressed id.
func (s *Service) Send(ctx context.Context, from, to, content, priority string) (*store.MessageData, error) {
	if content == "" {
		return nil, fmt.Errorf("empty message: %w", store.ErrInvalidState)
	}
	if priority == "" {
		priority = store.MessageNormal
	}
	if priority != store.MessageNormal && priority != store.MessageUrgent {
		return nil, fmt.Errorf("priority %q: %w", priority, store.ErrInvalidState)
	}

	sender, err := s.sessions.Get(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := s.sessions.Get(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if sender.ProjectID != nil && recipient.ProjectID != nil && *sender.ProjectID != *recipient.ProjectID {
		return nil, fmt.Errorf("sessions belong to different projects: %w", store.ErrInvalidState)
	}

	return s.insert(ctx, &store.MessageData{
		FromSession: from,
		ToSession:   to,
		Content:     content,
		Priority:    priority,
		MessageType: store.MessageDirect,
	})
}

// SendToParent delivers to the session's parent.
func (s *Service) SendToParent(ctx context.Context, from, content, priority string) (*store.MessageData, error) {
	sender, err := s.sessions.Get(ctx, from)
	if err != nil {
		return nil, err
	}
	if sender.ParentSessionID == nil {
		return nil, fmt.Errorf("session %s has no parent: %w", from, store.ErrInvalidState)
	}
	return s.Send(ctx, from, *sender.ParentSessionID, content, priority)
}

// SendToChild delivers from a parent to one of its spawned children. The
// recipient must actually be a child of the sender.
func (s *Service) SendToChild(ctx context.Context, from, childSessionID, content, priority string) (*store.MessageData, error) {
	child, err := s.sessions.Get(ctx, childSessionID)
	if err != nil {
		return nil, err
	}
	if child.ParentSessionID == nil || *child.ParentSessionID != from {
		return nil, fmt.Errorf("session %s is not a child of %s: %w", childSessionID, from, store.ErrInvalidState)
	}
	return s.Send(ctx, from, childSessionID, content, priority)
}

// BroadcastToParty fans a message out to every party member with a live
// session, excluding the sender. Returns the delivered copies.
func (s *Service) BroadcastToParty(ctx context.Context, from, partyID, content, priority string) ([]store.MessageData, error) {
	if priority == "" {
		priority = store.MessageNormal
	}
	if _, err := s.parties.Get(ctx, partyID); err != nil {
		return nil, err
	}
	members, err := s.parties.Members(ctx, partyID)
	if err != nil {
		return nil, err
	}

	var sent []store.MessageData
	for _, m := range members {
		if m.SessionID == nil || *m.SessionID == from {
			continue
		}
		msg, err := s.insert(ctx, &store.MessageData{
			FromSession: from,
			ToSession:   *m.SessionID,
			Content:     content,
			Priority:    priority,
			MessageType: store.MessagePartyBroadcast,
			PartyID:     &partyID,
		})
		if err != nil {
			s.logger.Warn("party broadcast delivery failed",
				"party_id", partyID, "to", *m.SessionID, "error", err)
			continue
		}
		sent = append(sent, *msg)
	}
	return sent, nil
}

// Poll returns messages addressed to the session, urgent first, oldest
// first within a priority.
func (s *Service) Poll(ctx context.Context, sessionID string, unreadOnly bool, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.messages.Poll(ctx, sessionID, unreadOnly, limit)
}

// UnreadCount reports how many unread messages wait for a session. Backs
// the has_unread_messages workflow condition.
func (s *Service) UnreadCount(ctx context.Context, sessionID string) (int, error) {
	msgs, err := s.messages.Poll(ctx, sessionID, true, 1000)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// MarkRead stamps read_at. Only the recipient may mark a message read.
func (s *Service) MarkRead(ctx context.Context, messageID, sessionID string) error {
	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.ToSession != sessionID {
		return fmt.Errorf("message %s is not addressed to %s: %w", messageID, sessionID, store.ErrInvalidState)
	}
	if m.ReadAt != nil {
		return nil
	}
	return s.messages.MarkRead(ctx, messageID, time.Now())
}

// Search matches content substrings across the session's inbox and outbox.
func (s *Service) Search(ctx context.Context, sessionID, query string, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.messages.Search(ctx, sessionID, query, limit)
}

// History returns the session's recent messages in both directions.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.messages.ListBySession(ctx, sessionID, limit)
}

func (s *Service) insert(ctx context.Context, m *store.MessageData) (*store.MessageData, error) {
	if err := s.messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	s.events.Broadcast(bus.Event{Name: protocol.EventMessageSent, Payload: bus.MessageNotice{
		MessageID:   m.ID,
		FromSession: m.FromSession,
		ToSession:   m.ToSession,
		Priority:    m.Priority,
	}})
	return m, nil
}
