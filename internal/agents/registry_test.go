package agents

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/providers"
	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

type memRuns struct {
	mu   sync.Mutex
	rows map[string]*store.AgentRunData
}

func newMemRuns() *memRuns { return &memRuns{rows: map[string]*store.AgentRunData{}} }

func (m *memRuns) Create(_ context.Context, r *store.AgentRunData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *memRuns) Get(_ context.Context, id string) (*store.AgentRunData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) List(_ context.Context, opts store.AgentRunListOpts) ([]store.AgentRunData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AgentRunData
	for _, r := range m.rows {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.ParentSessionID != "" && r.ParentSessionID != opts.ParentSessionID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *memRuns) Update(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["status"].(string); ok {
		r.Status = v
	}
	if v, ok := updates["pid"].(int); ok {
		r.PID = v
	}
	return nil
}

func (m *memRuns) Finish(_ context.Context, id, status string, result map[string]any, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Terminal() {
		return store.ErrConflict
	}
	r.Status = status
	r.Result = result
	r.Error = errMsg
	r.CompletedAt = &at
	return nil
}

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.SessionData
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: map[string]*store.SessionData{}}
}

func (m *memSessionStore) Create(_ context.Context, s *store.SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; ok {
		return store.ErrConflict
	}
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memSessionStore) Get(_ context.Context, id string) (*store.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) List(_ context.Context, _ store.SessionListOpts) ([]store.SessionData, error) {
	return nil, nil
}

func (m *memSessionStore) UpdateStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.Status = status
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) SetEnded(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.EndedAt = &at
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) SetProject(_ context.Context, id, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.ProjectID = &projectID
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) SetTranscriptPath(_ context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.TranscriptPath = path
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) SetCompactMarkdown(_ context.Context, id, md string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.CompactMarkdown = &md
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) SetTerminalContext(_ context.Context, id string, tc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.TerminalContext = tc
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) MergeTerminalContext(_ context.Context, id string, kv map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.TerminalContext == nil {
		s.TerminalContext = map[string]any{}
	}
	for k, v := range kv {
		s.TerminalContext[k] = v
	}
	return nil
}

func (m *memSessionStore) SetTerminateRequested(_ context.Context, id string, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.TerminateRequested = v
		return nil
	}
	return store.ErrNotFound
}

func (m *memSessionStore) ArchiveIdle(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

type fixedDepth struct{ max int }

func (f fixedDepth) MaxAgentDepth(string, int) int { return f.max }
func (f fixedDepth) Activate(context.Context, string, string, map[string]any) (*store.WorkflowInstanceData, error) {
	return &store.WorkflowInstanceData{}, nil
}

type fakeWorktrees struct {
	provisioned []string
}

func (f *fakeWorktrees) Provision(_ context.Context, projectID, taskID, sessionID, isolation string) (*store.WorktreeData, error) {
	f.provisioned = append(f.provisioned, isolation)
	return &store.WorktreeData{
		ID:            store.NewID(store.PrefixWorktree),
		ProjectID:     projectID,
		Path:          filepath.Join(os.TempDir(), sessionID),
		IsolationMode: isolation,
		Status:        store.WorktreeActive,
	}, nil
}

func (f *fakeWorktrees) Get(_ context.Context, id string) (*store.WorktreeData, error) {
	return nil, store.ErrNotFound
}

func testRegistry(t *testing.T, maxDepth int) (*Registry, *memRuns, *sessions.Manager, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	events := bus.New()
	sessStore := newMemSessionStore()
	mgr := sessions.NewManager(sessStore, events, logger)
	runs := newMemRuns()

	cfg := config.Default()
	cfg.Agents.MaxDepth = maxDepth
	cfg.Agents.KillGraceSec = 1

	reg := NewRegistry(cfg, runs, mgr,
		providers.NewRegistry(cfg, nil),
		fixedDepth{max: maxDepth}, &fakeWorktrees{}, events, logger)
	return reg, runs, mgr, events
}

func startRoot(t *testing.T, mgr *sessions.Manager, id string) {
	t.Helper()
	proj := "/work/proj"
	if _, err := mgr.Start(context.Background(), sessions.StartOpts{
		ID: id, Source: protocol.SourceClaude, ProjectID: proj,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	reg, _, mgr, _ := testRegistry(t, 1)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")

	// Depth 1 is exactly the limit and must be allowed.
	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "claude",
		Mode:            store.ModeInProcess,
		Prompt:          "do the thing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID == "" {
		t.Fatal("no child session id")
	}

	// Depth 2 exceeds the limit.
	_, err = reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: res.SessionID,
		Provider:        "claude",
		Mode:            store.ModeInProcess,
		Prompt:          "go deeper",
	})
	if !errors.Is(err, store.ErrDepthExceeded) {
		t.Fatalf("err = %v, want depth_exceeded", err)
	}
}

func TestSpawnRecordsLineage(t *testing.T) {
	reg, runs, mgr, _ := testRegistry(t, 2)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")

	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "gemini",
		Mode:            store.ModeInProcess,
		Prompt:          "review the diff",
	})
	if err != nil {
		t.Fatal(err)
	}

	child, err := mgr.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if child.AgentDepth != 1 {
		t.Errorf("depth = %d, want 1", child.AgentDepth)
	}
	if child.ParentSessionID == nil || *child.ParentSessionID != "sess-root" {
		t.Errorf("parent = %v", child.ParentSessionID)
	}
	if child.SpawnedByAgentID == nil || *child.SpawnedByAgentID != res.RunID {
		t.Errorf("spawned_by = %v, want %s", child.SpawnedByAgentID, res.RunID)
	}

	run, err := runs.Get(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.ChildSessionID == nil || *run.ChildSessionID != res.SessionID {
		t.Errorf("child session = %v", run.ChildSessionID)
	}
}

func TestSpawnRejectsUnknownMode(t *testing.T) {
	reg, _, mgr, _ := testRegistry(t, 1)
	startRoot(t, mgr, "sess-root")

	_, err := reg.Spawn(context.Background(), SpawnOpts{
		ParentSessionID: "sess-root",
		Mode:            "hologram",
		Prompt:          "x",
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestBuildPromptCarriesMarker(t *testing.T) {
	reg, _, mgr, _ := testRegistry(t, 1)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")
	if err := mgr.SaveHandoff(ctx, "sess-root", "## Prior work\nparser done"); err != nil {
		t.Fatal(err)
	}
	parent, _ := mgr.Get(ctx, "sess-root")

	prompt := reg.buildPrompt(ctx, SpawnOpts{
		Prompt:             "continue",
		SessionContextMode: "summary_markdown",
	}, parent, "sess-child")

	if !strings.HasPrefix(prompt, SpawnMarker+"sess-child\n") {
		t.Errorf("prompt missing marker preamble: %q", prompt)
	}
	if !strings.Contains(prompt, "parser done") {
		t.Error("handoff context not included")
	}
	if !strings.HasSuffix(prompt, "continue") {
		t.Error("user prompt not last")
	}
}

func TestInProcessWithoutClientFails(t *testing.T) {
	reg, runs, mgr, _ := testRegistry(t, 1)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")

	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "claude",
		Mode:            store.ModeInProcess,
		Prompt:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := runs.Get(ctx, res.RunID)
		if err != nil {
			t.Fatal(err)
		}
		if run.Terminal() {
			if run.Status != store.RunError {
				t.Fatalf("status = %s, want error", run.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompleteSelfReport(t *testing.T) {
	reg, runs, mgr, events := testRegistry(t, 1)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")

	var mu sync.Mutex
	var seen []string
	events.Subscribe("test", func(ev bus.Event) {
		if lc, ok := ev.Payload.(bus.AgentLifecycle); ok {
			mu.Lock()
			seen = append(seen, ev.Name+":"+lc.Status)
			mu.Unlock()
		}
	})

	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "codex",
		Mode:            store.ModeInProcess,
		Prompt:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Complete(ctx, res.SessionID, map[string]any{"summary": "done"}); err != nil {
		t.Fatal(err)
	}
	run, _ := runs.Get(ctx, res.RunID)
	if run.Status != store.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.Result["summary"] != "done" {
		t.Errorf("result = %v", run.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawCompleted bool
	for _, s := range seen {
		if s == protocol.EventAgentCompleted+":completed" {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Errorf("lifecycle events = %v, want completed event", seen)
	}
}

func TestKillInProcessRecordsKilled(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hang.Close()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("GOBBY_ANTHROPIC_BASE_URL", hang.URL)

	logger := slog.New(slog.DiscardHandler)
	events := bus.New()
	mgr := sessions.NewManager(newMemSessionStore(), events, logger)
	runs := newMemRuns()
	cfg := config.Default()
	cfg.Agents.MaxDepth = 1
	cfg.Agents.KillGraceSec = 1
	reg := NewRegistry(cfg, runs, mgr,
		providers.NewRegistry(cfg, providers.NewTurnClient()),
		fixedDepth{max: 1}, &fakeWorktrees{}, events, logger)

	ctx := context.Background()
	startRoot(t, mgr, "sess-root")
	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "claude",
		Mode:            store.ModeInProcess,
		Prompt:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}

	kr, err := reg.Kill(ctx, res.RunID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if kr.Status != store.RunKilled {
		t.Fatalf("kill result status = %s", kr.Status)
	}
	run, err := runs.Get(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunKilled {
		t.Fatalf("run status = %s, want killed", run.Status)
	}
}

func TestKillAlreadyDead(t *testing.T) {
	reg, runs, mgr, _ := testRegistry(t, 1)
	ctx := context.Background()
	startRoot(t, mgr, "sess-root")

	res, err := reg.Spawn(ctx, SpawnOpts{
		ParentSessionID: "sess-root",
		Provider:        "codex",
		Mode:            store.ModeInProcess,
		Prompt:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Complete(ctx, res.SessionID, nil); err != nil {
		t.Fatal(err)
	}

	kr, err := reg.Kill(ctx, res.RunID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !kr.AlreadyDead {
		t.Error("expected already_dead")
	}
	run, _ := runs.Get(ctx, res.RunID)
	if run.Status != store.RunCompleted {
		t.Errorf("kill overwrote terminal status: %s", run.Status)
	}
}

func TestTerminalPIDParsing(t *testing.T) {
	tests := []struct {
		name string
		tc   map[string]any
		want int32
		ok   bool
	}{
		{"json number", map[string]any{"parent_pid": float64(4321)}, 4321, true},
		{"int", map[string]any{"parent_pid": 99}, 99, true},
		{"absent", map[string]any{}, 0, false},
		{"zero", map[string]any{"parent_pid": float64(0)}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, ok := terminalPID(tt.tc)
			if ok != tt.ok || (ok && pid != tt.want) {
				t.Errorf("terminalPID = %d,%v want %d,%v", pid, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestIsolationByProviderFamily(t *testing.T) {
	if got := isolationFor(protocol.SourceClaude); got != store.IsolationWorktree {
		t.Errorf("claude isolation = %s", got)
	}
	if got := isolationFor(protocol.SourceGemini); got != store.IsolationClone {
		t.Errorf("gemini isolation = %s", got)
	}
}

func TestChildEnvCarriesProviderEntries(t *testing.T) {
	sid := "sess-child"
	run := &store.AgentRunData{ID: "run-1", ChildSessionID: &sid}
	pcfg := config.ProviderConfig{Env: []string{"API_KEY=abc", "MODEL_OVERRIDE=opus"}}

	env := childEnv(pcfg, run)
	for _, want := range []string{
		"API_KEY=abc",
		"MODEL_OVERRIDE=opus",
		"GOBBY_SESSION_ID=sess-child",
		"GOBBY_RUN_ID=run-1",
	} {
		found := false
		for _, e := range env {
			if e == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("env missing %q", want)
		}
	}
}

func TestTailTranscript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got := tailTranscript(path, "2")
	if got != "three\nfour" {
		t.Errorf("tail = %q", got)
	}
	if tailTranscript(path, "zero") != "" {
		t.Error("bad count should yield empty context")
	}
}
