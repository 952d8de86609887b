package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*store.SessionData
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*store.SessionData)}
}

func (m *memStore) Create(_ context.Context, s *store.SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = store.NewID("sess")
	}
	if _, ok := m.rows[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, store.ErrConflict)
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*store.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) List(_ context.Context, opts store.SessionListOpts) ([]store.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SessionData
	for _, s := range m.rows {
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.ProjectID != "" && (s.ProjectID == nil || *s.ProjectID != opts.ProjectID) {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (m *memStore) update(id string, fn func(*store.SessionData)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	fn(s)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id, status string) error {
	return m.update(id, func(s *store.SessionData) { s.Status = status })
}

func (m *memStore) SetEnded(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(s *store.SessionData) { s.EndedAt = &at })
}

func (m *memStore) SetProject(_ context.Context, id, projectID string) error {
	return m.update(id, func(s *store.SessionData) { s.ProjectID = &projectID })
}

func (m *memStore) SetTranscriptPath(_ context.Context, id, path string) error {
	return m.update(id, func(s *store.SessionData) { s.TranscriptPath = path })
}

func (m *memStore) SetCompactMarkdown(_ context.Context, id, markdown string) error {
	return m.update(id, func(s *store.SessionData) { s.CompactMarkdown = &markdown })
}

func (m *memStore) SetTerminalContext(_ context.Context, id string, tc map[string]any) error {
	return m.update(id, func(s *store.SessionData) { s.TerminalContext = tc })
}

func (m *memStore) MergeTerminalContext(_ context.Context, id string, kv map[string]any) error {
	return m.update(id, func(s *store.SessionData) {
		if s.TerminalContext == nil {
			s.TerminalContext = make(map[string]any)
		}
		for k, v := range kv {
			s.TerminalContext[k] = v
		}
	})
}

func (m *memStore) SetTerminateRequested(_ context.Context, id string, v bool) error {
	return m.update(id, func(s *store.SessionData) { s.TerminateRequested = v })
}

func (m *memStore) ArchiveIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.rows {
		if (s.Status == store.SessionCompleted || s.Status == store.SessionExpired) &&
			s.UpdatedAt.Before(cutoff) {
			s.Status = store.SessionArchived
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func testManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	st := newMemStore()
	return NewManager(st, bus.New(), slog.New(slog.DiscardHandler)), st
}

func TestStartEnforcesDepthParentPairing(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOpts{ID: "root-1"}); err != nil {
		t.Fatalf("root session: %v", err)
	}
	if _, err := m.Start(ctx, StartOpts{ID: "child-1", ParentSessionID: "root-1", AgentDepth: 1}); err != nil {
		t.Fatalf("child session: %v", err)
	}

	if _, err := m.Start(ctx, StartOpts{ID: "bad-1", AgentDepth: 1}); err == nil {
		t.Error("depth without parent accepted")
	}
	if _, err := m.Start(ctx, StartOpts{ID: "bad-2", ParentSessionID: "root-1"}); err == nil {
		t.Error("parent without depth accepted")
	}
}

func TestEnsureCreatesOnce(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	s, created, err := m.Ensure(ctx, "sess-lazy", "codex")
	if err != nil {
		t.Fatal(err)
	}
	if !created || s.Source != "codex" || s.AgentDepth != 0 {
		t.Errorf("first ensure: created=%v session=%+v", created, s)
	}

	_, created, err = m.Ensure(ctx, "sess-lazy", "codex")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second ensure reported created")
	}
}

func TestEndIsTerminalAndIdempotent(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOpts{ID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	s, _ := st.Get(ctx, "sess-1")
	first := *s.EndedAt

	if err := m.End(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	s, _ = st.Get(ctx, "sess-1")
	if !s.EndedAt.Equal(first) {
		t.Error("second end moved ended_at")
	}
}

func TestConsumeTerminateClearsFlag(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOpts{ID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.RequestTerminate(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}

	got, err := m.ConsumeTerminate(ctx, "sess-1")
	if err != nil || !got {
		t.Fatalf("first consume = %v, %v", got, err)
	}
	got, err = m.ConsumeTerminate(ctx, "sess-1")
	if err != nil || got {
		t.Fatalf("second consume = %v, %v", got, err)
	}
}

func TestHandoffRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOpts{ID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	md, err := m.Handoff(ctx, "sess-1")
	if err != nil || md != "" {
		t.Fatalf("empty handoff = %q, %v", md, err)
	}

	if err := m.SaveHandoff(ctx, "sess-1", "## context\nparser rework"); err != nil {
		t.Fatal(err)
	}
	md, err = m.Handoff(ctx, "sess-1")
	if err != nil || md != "## context\nparser rework" {
		t.Fatalf("handoff = %q, %v", md, err)
	}
}

func TestArchiveIdleSweepsCompleted(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOpts{ID: "sess-old"}); err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, "sess-old"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, StartOpts{ID: "sess-live"}); err != nil {
		t.Fatal(err)
	}

	n, err := m.ArchiveIdle(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived = %d", n)
	}
	s, _ := st.Get(ctx, "sess-old")
	if s.Status != store.SessionArchived {
		t.Errorf("status = %s", s.Status)
	}
	s, _ = st.Get(ctx, "sess-live")
	if s.Status != store.SessionActive {
		t.Errorf("live session status = %s", s.Status)
	}
}
