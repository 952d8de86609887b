package worktrees

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
)

type memWorktrees struct {
	mu   sync.Mutex
	rows map[string]*store.WorktreeData
}

func newMemWorktrees() *memWorktrees {
	return &memWorktrees{rows: map[string]*store.WorktreeData{}}
}

func (m *memWorktrees) Create(_ context.Context, w *store.WorktreeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	cp := *w
	m.rows[w.ID] = &cp
	return nil
}

func (m *memWorktrees) Get(_ context.Context, id string) (*store.WorktreeData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memWorktrees) List(_ context.Context, projectID, status string) ([]store.WorktreeData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WorktreeData
	for _, w := range m.rows {
		if projectID != "" && w.ProjectID != projectID {
			continue
		}
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}

func (m *memWorktrees) Update(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["status"].(string); ok {
		w.Status = v
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (m *memWorktrees) Claim(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if w.AgentSessionID != nil {
		return store.ErrConflict
	}
	w.AgentSessionID = &sessionID
	return nil
}

func (m *memWorktrees) Release(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if w.AgentSessionID == nil || *w.AgentSessionID != sessionID {
		return store.ErrInvalidState
	}
	w.AgentSessionID = nil
	return nil
}

func (m *memWorktrees) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memWorktrees) setUpdatedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].UpdatedAt = at
}

func testManager(t *testing.T) (*Manager, *memWorktrees, *[]string) {
	t.Helper()
	cfg := config.Default()
	cfg.Worktrees.Root = t.TempDir()
	cfg.Worktrees.BranchPrefix = "gobby/"
	st := newMemWorktrees()
	m := NewManager(cfg, st, bus.New(), slog.New(slog.DiscardHandler))

	calls := &[]string{}
	m.git = func(_ context.Context, dir string, args ...string) (string, error) {
		*calls = append(*calls, strings.Join(args, " "))
		if len(args) >= 2 && args[0] == "rev-parse" {
			return "main", nil
		}
		return "", nil
	}
	return m, st, calls
}

func TestCreateWorktreeMode(t *testing.T) {
	m, _, calls := testManager(t)
	w, err := m.Create(context.Background(), CreateOpts{ProjectID: "/work/proj"})
	if err != nil {
		t.Fatal(err)
	}
	if w.BaseBranch != "main" {
		t.Errorf("base = %s", w.BaseBranch)
	}
	if !strings.HasPrefix(w.BranchName, "gobby/") {
		t.Errorf("branch = %s", w.BranchName)
	}
	var sawAdd bool
	for _, c := range *calls {
		if strings.HasPrefix(c, "worktree add -b "+w.BranchName) {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("git calls = %v, want worktree add", *calls)
	}
}

func TestCreateCloneMode(t *testing.T) {
	m, _, calls := testManager(t)
	w, err := m.Create(context.Background(), CreateOpts{
		ProjectID:  "/work/proj",
		BaseBranch: "develop",
		Isolation:  store.IsolationClone,
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.IsolationMode != store.IsolationClone {
		t.Errorf("isolation = %s", w.IsolationMode)
	}
	joined := strings.Join(*calls, "; ")
	if !strings.Contains(joined, "clone --branch develop") {
		t.Errorf("git calls = %v, want clone", *calls)
	}
	if !strings.Contains(joined, "checkout -b "+w.BranchName) {
		t.Errorf("git calls = %v, want checkout", *calls)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()
	w, err := m.Create(ctx, CreateOpts{ProjectID: "/work/proj"})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Claim(ctx, w.ID, "sess-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Claim(ctx, w.ID, "sess-b"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second claim err = %v, want conflict", err)
	}
	if err := m.Release(ctx, w.ID, "sess-b"); !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("foreign release err = %v, want invalid_state", err)
	}
	if err := m.Release(ctx, w.ID, "sess-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Claim(ctx, w.ID, "sess-b"); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestDeleteRefusesOwned(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()
	w, err := m.Provision(ctx, "/work/proj", "", "sess-a", store.IsolationClone)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, w.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("delete owned err = %v, want conflict", err)
	}
}

func TestDetectStaleSkipsOwnedAndFresh(t *testing.T) {
	m, st, _ := testManager(t)
	ctx := context.Background()

	old, _ := m.Create(ctx, CreateOpts{ProjectID: "/work/proj"})
	fresh, _ := m.Create(ctx, CreateOpts{ProjectID: "/work/proj"})
	owned, _ := m.Provision(ctx, "/work/proj", "", "sess-a", store.IsolationClone)

	st.setUpdatedAt(old.ID, time.Now().Add(-100*time.Hour))
	st.setUpdatedAt(owned.ID, time.Now().Add(-100*time.Hour))

	stale, err := m.DetectStale(ctx, "/work/proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale = %v, want only %s", stale, old.ID)
	}

	got, _ := m.Get(ctx, fresh.ID)
	if got.Status != store.WorktreeActive {
		t.Errorf("fresh worktree status = %s", got.Status)
	}
}

func TestCleanupStaleRemoves(t *testing.T) {
	m, st, _ := testManager(t)
	ctx := context.Background()
	w, _ := m.Create(ctx, CreateOpts{ProjectID: "/work/proj", Isolation: store.IsolationClone})
	st.setUpdatedAt(w.ID, time.Now().Add(-100*time.Hour))

	if _, err := m.DetectStale(ctx, "/work/proj"); err != nil {
		t.Fatal(err)
	}
	n, err := m.CleanupStale(ctx, "/work/proj")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := m.Get(ctx, w.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("worktree still present: %v", err)
	}
}
