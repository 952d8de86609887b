// Package sessions manages the lifecycle of CLI sessions registered with the
// daemon. A session is created either explicitly on session_start or lazily
// when the first hook event arrives for an unknown session id.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// Manager coordinates session rows and lifecycle events.
type Manager struct {
	store  store.SessionStore
	events bus.EventPublisher
	logger *slog.Logger
}

func NewManager(st store.SessionStore, events bus.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{store: st, events: events, logger: logger}
}

// StartOpts describes a new session.
type StartOpts struct {
	ID               string
	Source           string
	ProjectID        string
	ParentSessionID  string
	SpawnedByAgentID string
	AgentDepth       int
	MachineID        string
	TranscriptPath   string
	TerminalContext  map[string]any
}

// Start registers a session. Root sessions have depth 0 and no parent; child
// sessions carry both a parent and a positive depth, never one without the
// other.
func (m *Manager) Start(ctx context.Context, opts StartOpts) (*store.SessionData, error) {
	if opts.Source == "" {
		opts.Source = protocol.SourceGeneric
	}
	if (opts.AgentDepth == 0) != (opts.ParentSessionID == "") {
		return nil, fmt.Errorf("agent_depth %d with parent %q: %w",
			opts.AgentDepth, opts.ParentSessionID, store.ErrInvalidState)
	}

	s := &store.SessionData{
		ID:              opts.ID,
		Source:          opts.Source,
		Status:          store.SessionActive,
		AgentDepth:      opts.AgentDepth,
		MachineID:       opts.MachineID,
		TranscriptPath:  opts.TranscriptPath,
		TerminalContext: opts.TerminalContext,
	}
	if opts.ProjectID != "" {
		s.ProjectID = &opts.ProjectID
	}
	if opts.ParentSessionID != "" {
		s.ParentSessionID = &opts.ParentSessionID
	}
	if opts.SpawnedByAgentID != "" {
		s.SpawnedByAgentID = &opts.SpawnedByAgentID
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("session started",
		"session_id", s.ID, "source", s.Source, "depth", s.AgentDepth)
	m.events.Broadcast(bus.Event{Name: protocol.EventSessionStarted, Payload: s})
	return s, nil
}

// Ensure returns the session with the given id, creating a root session when
// none exists. The created flag tells the caller whether this event should
// also be treated as a session_start boundary.
func (m *Manager) Ensure(ctx context.Context, id, source string) (*store.SessionData, bool, error) {
	s, err := m.store.Get(ctx, id)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	s, err = m.Start(ctx, StartOpts{ID: id, Source: source})
	if err != nil {
		// Lost a race with another event for the same session.
		if existing, gerr := m.store.Get(ctx, id); gerr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return s, true, nil
}

// End marks a session completed. Ending is terminal; events for an ended
// session still evaluate but never restart it.
func (m *Manager) End(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.EndedAt != nil {
		return nil
	}
	if err := m.store.UpdateStatus(ctx, id, store.SessionCompleted); err != nil {
		return err
	}
	if err := m.store.SetEnded(ctx, id, time.Now()); err != nil {
		return err
	}
	m.logger.Info("session ended", "session_id", id)
	m.events.Broadcast(bus.Event{Name: protocol.EventSessionEnded, Payload: map[string]string{"session_id": id}})
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.SessionData, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, opts store.SessionListOpts) ([]store.SessionData, error) {
	return m.store.List(ctx, opts)
}

// BindProject associates the session with a project once known, usually from
// the cwd reported in a hook payload.
func (m *Manager) BindProject(ctx context.Context, id, projectID string) error {
	return m.store.SetProject(ctx, id, projectID)
}

// UpdateTranscript records the transcript path reported by the CLI.
func (m *Manager) UpdateTranscript(ctx context.Context, id, path string) error {
	return m.store.SetTranscriptPath(ctx, id, path)
}

// MergeTerminalContext merges key-value pairs into the session's terminal
// context, e.g. parent_pid reported by the spawned CLI.
func (m *Manager) MergeTerminalContext(ctx context.Context, id string, kv map[string]any) error {
	return m.store.MergeTerminalContext(ctx, id, kv)
}

// RequestTerminate flags the session for cooperative self-termination. The
// next tool response the session receives carries the terminate action.
func (m *Manager) RequestTerminate(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.store.SetTerminateRequested(ctx, id, true)
}

// ConsumeTerminate reports and clears the pending terminate flag.
func (m *Manager) ConsumeTerminate(ctx context.Context, id string) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.TerminateRequested {
		return false, nil
	}
	if err := m.store.SetTerminateRequested(ctx, id, false); err != nil {
		return false, err
	}
	return true, nil
}

// SaveHandoff stores compacted context for later retrieval by a successor
// session.
func (m *Manager) SaveHandoff(ctx context.Context, id, markdown string) error {
	return m.store.SetCompactMarkdown(ctx, id, markdown)
}

// Handoff returns the stored compact context for a session, or "" when none
// was saved.
func (m *Manager) Handoff(ctx context.Context, id string) (string, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if s.CompactMarkdown == nil {
		return "", nil
	}
	return *s.CompactMarkdown, nil
}

// ArchiveIdle archives completed sessions idle past the cutoff and emits an
// event per archived session. Called by the retention sweeper.
func (m *Manager) ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := m.store.ArchiveIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.events.Broadcast(bus.Event{Name: protocol.EventSessionArchived, Payload: map[string]string{"session_id": id}})
	}
	return len(ids), nil
}
