package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// memTasks is an in-memory store.TaskStore for tests.
type memTasks struct {
	mu    sync.Mutex
	rows  map[string]*store.TaskData
	seq   map[string]int
	clock time.Time
}

func newMemTasks() *memTasks {
	return &memTasks{
		rows:  map[string]*store.TaskData{},
		seq:   map[string]int{},
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memTasks) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memTasks) Create(_ context.Context, t *store.TaskData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = store.NewID(store.PrefixTask)
	}
	t.CreatedAt = m.tick()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.rows[t.ID] = &cp
	return nil
}

func (m *memTasks) Get(_ context.Context, id string) (*store.TaskData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) GetBySeq(_ context.Context, projectID string, seq int) (*store.TaskData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		pid := ""
		if t.ProjectID != nil {
			pid = *t.ProjectID
		}
		if pid == projectID && t.SeqNum == seq {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("task #%d: %w", seq, store.ErrNotFound)
}

func (m *memTasks) List(_ context.Context, opts store.TaskListOpts) ([]store.TaskData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TaskData
	for _, t := range m.rows {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.ProjectID != "" {
			if t.ProjectID == nil || *t.ProjectID != opts.ProjectID {
				continue
			}
		}
		if opts.ParentID != "" {
			if t.ParentTaskID == nil || *t.ParentTaskID != opts.ParentID {
				continue
			}
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTasks) apply(t *store.TaskData, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "assigned_session_id":
			if v == nil {
				t.AssignedSessionID = nil
			} else {
				s := v.(string)
				t.AssignedSessionID = &s
			}
		case "commit_sha":
			t.CommitSHA = v.(string)
		case "pending_review_at":
			if v == nil {
				t.PendingReviewAt = nil
			} else {
				at := v.(time.Time)
				t.PendingReviewAt = &at
			}
		case "validation_fail_count":
			t.ValidationFailCount = v.(int)
		case "description":
			t.Description = v.(string)
		case "validation_criteria":
			t.ValidationCriteria = v.(string)
		case "expansion_context":
			t.ExpansionContext = v.(string)
		case "is_enriched":
			t.IsEnriched = v.(bool)
		case "is_expanded":
			t.IsExpanded = v.(bool)
		case "is_tdd_applied":
			t.IsTDDApplied = v.(bool)
		case "depends_on":
			t.DependsOn = v.([]string)
		}
	}
	t.UpdatedAt = m.tick()
}

func (m *memTasks) Update(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	m.apply(t, updates)
	return nil
}

func (m *memTasks) UpdateStatusCAS(_ context.Context, id, fromStatus, toStatus string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if t.Status != fromStatus {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, store.ErrConflict)
	}
	t.Status = toStatus
	m.apply(t, updates)
	return nil
}

func (m *memTasks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memTasks) NextSeq(_ context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[projectID]++
	return m.seq[projectID], nil
}

func (m *memTasks) ClearAssignee(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.AssignedSessionID != nil && *t.AssignedSessionID == sessionID {
			t.AssignedSessionID = nil
		}
	}
	return nil
}

// memSessions implements the fragment of store.SessionStore the graph uses.
type memSessions struct {
	mu   sync.Mutex
	rows map[string]*store.SessionData
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[string]*store.SessionData{}}
}

func (m *memSessions) add(id string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parent *string
	if depth > 0 {
		p := "sess-parent"
		parent = &p
	}
	m.rows[id] = &store.SessionData{ID: id, Status: store.SessionActive, AgentDepth: depth, ParentSessionID: parent}
}

func (m *memSessions) Create(_ context.Context, s *store.SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*store.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) List(_ context.Context, _ store.SessionListOpts) ([]store.SessionData, error) {
	return nil, nil
}
func (m *memSessions) UpdateStatus(_ context.Context, _, _ string) error        { return nil }
func (m *memSessions) SetEnded(_ context.Context, _ string, _ time.Time) error  { return nil }
func (m *memSessions) SetProject(_ context.Context, _, _ string) error          { return nil }
func (m *memSessions) SetTranscriptPath(_ context.Context, _, _ string) error   { return nil }
func (m *memSessions) SetCompactMarkdown(_ context.Context, _, _ string) error  { return nil }
func (m *memSessions) SetTerminalContext(_ context.Context, _ string, _ map[string]any) error {
	return nil
}
func (m *memSessions) MergeTerminalContext(_ context.Context, _ string, _ map[string]any) error {
	return nil
}
func (m *memSessions) SetTerminateRequested(_ context.Context, _ string, _ bool) error { return nil }
func (m *memSessions) ArchiveIdle(_ context.Context, _ time.Time) ([]string, error)    { return nil, nil }

func testGraph(t *testing.T) (*Graph, *memTasks, *memSessions) {
	t.Helper()
	mt := newMemTasks()
	ms := newMemSessions()
	g := NewGraph(mt, ms, bus.New(), slog.New(slog.DiscardHandler))
	return g, mt, ms
}

func TestDependencyCycleRejected(t *testing.T) {
	g, _, _ := testGraph(t)
	ctx := context.Background()

	a, err := g.Create(ctx, CreateOpts{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Create(ctx, CreateOpts{Title: "b", DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := g.Create(ctx, CreateOpts{Title: "c", DependsOn: []string{b.ID}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.SetDependencies(ctx, a.ID, []string{c.ID}); !errors.Is(err, store.ErrCycleDetected) {
		t.Fatalf("a -> c -> b -> a should be rejected, got %v", err)
	}
	if _, err := g.SetDependencies(ctx, a.ID, []string{a.ID}); !errors.Is(err, store.ErrCycleDetected) {
		t.Fatalf("self-dependency should be rejected, got %v", err)
	}

	// A diamond is still a DAG.
	if _, err := g.Create(ctx, CreateOpts{Title: "d", DependsOn: []string{b.ID, c.ID}}); err != nil {
		t.Fatalf("diamond should be fine: %v", err)
	}
}

func TestDependencyReadiness(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("sess-h", 0)

	t1, _ := g.Create(ctx, CreateOpts{Title: "one", ProjectID: "proj"})
	t2, _ := g.Create(ctx, CreateOpts{Title: "two", ProjectID: "proj", DependsOn: []string{t1.ID}})
	t3, _ := g.Create(ctx, CreateOpts{Title: "three", ProjectID: "proj", DependsOn: []string{t2.ID}})

	ready, err := g.Ready(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != t1.ID {
		t.Fatalf("only t1 should be ready, got %v", ids(ready))
	}

	if _, err := g.Claim(ctx, t1.ID, "sess-h"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Close(ctx, t1.ID, "", "sess-h", false); err != nil {
		t.Fatal(err)
	}
	ready, _ = g.Ready(ctx, "proj")
	if len(ready) != 1 || ready[0].ID != t2.ID {
		t.Fatalf("t2 should become ready, got %v", ids(ready))
	}

	if _, err := g.Claim(ctx, t2.ID, "sess-h"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Close(ctx, t2.ID, "", "sess-h", false); err != nil {
		t.Fatal(err)
	}
	ready, _ = g.Ready(ctx, "proj")
	if len(ready) != 1 || ready[0].ID != t3.ID {
		t.Fatalf("t3 should become ready, got %v", ids(ready))
	}
}

func TestReadyTieBreak(t *testing.T) {
	g, _, _ := testGraph(t)
	ctx := context.Background()

	low, _ := g.Create(ctx, CreateOpts{Title: "low", ProjectID: "p", Priority: 1})
	docHigh, _ := g.Create(ctx, CreateOpts{Title: "doc", ProjectID: "p", Priority: 5, Category: store.CategoryDocument})
	codeHigh, _ := g.Create(ctx, CreateOpts{Title: "code", ProjectID: "p", Priority: 5, Category: store.CategoryCode})

	ready, err := g.Ready(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	got := ids(ready)
	want := []string{codeHigh.ID, docHigh.ID, low.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestReviewGate(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("sess-child", 1)
	ms.add("sess-human", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "impl", ProjectID: "p", Category: store.CategoryCode})
	if _, err := g.Claim(ctx, task.ID, "sess-child"); err != nil {
		t.Fatal(err)
	}

	closed, err := g.Close(ctx, task.ID, "abc123", "sess-child", false)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != store.TaskPendingReview {
		t.Fatalf("agent close should gate, got %s", closed.Status)
	}
	if closed.PendingReviewAt == nil {
		t.Error("pending_review_at should be set")
	}
	if closed.CommitSHA != "abc123" {
		t.Errorf("commit = %q", closed.CommitSHA)
	}

	reopened, err := g.Reopen(ctx, task.ID, "missing tests")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != store.TaskInProgress {
		t.Fatalf("reopen should return to in_progress, got %s", reopened.Status)
	}
	if reopened.CommitSHA != "" {
		t.Errorf("commit should be cleared, got %q", reopened.CommitSHA)
	}

	// Close again and approve this time.
	closed, _ = g.Close(ctx, task.ID, "def456", "sess-child", false)
	approved, err := g.Approve(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != store.TaskCompleted {
		t.Fatalf("approve should complete, got %s", approved.Status)
	}
}

func TestHumanCloseSkipsGate(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("sess-human", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "chore", ProjectID: "p"})
	if _, err := g.Claim(ctx, task.ID, "sess-human"); err != nil {
		t.Fatal(err)
	}
	closed, err := g.Close(ctx, task.ID, "", "sess-human", false)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != store.TaskCompleted {
		t.Fatalf("root session close should complete directly, got %s", closed.Status)
	}
}

func TestKilledAgentTaskReturnsToReady(t *testing.T) {
	mt := newMemTasks()
	ms := newMemSessions()
	b := bus.New()
	g := NewGraph(mt, ms, b, slog.New(slog.DiscardHandler))
	g.WatchAgents(b)
	ctx := context.Background()
	ms.add("sess-child", 1)

	task, _ := g.Create(ctx, CreateOpts{Title: "claimed", ProjectID: "p"})
	if _, err := g.Claim(ctx, task.ID, "sess-child"); err != nil {
		t.Fatal(err)
	}
	if ready, _ := g.Ready(ctx, "p"); len(ready) != 0 {
		t.Fatalf("claimed task should not be ready, got %v", ids(ready))
	}

	b.Broadcast(bus.Event{Name: protocol.EventAgentKilled, Payload: bus.AgentLifecycle{
		RunID:          "run-1",
		ChildSessionID: "sess-child",
		Status:         store.RunKilled,
	}})

	ready, err := g.Ready(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != task.ID {
		t.Fatalf("killed agent's task should be ready again, got %v", ids(ready))
	}
	got, _ := g.Get(ctx, task.ID)
	if got.AssignedSessionID != nil {
		t.Errorf("assignee should be cleared, got %v", *got.AssignedSessionID)
	}
}

func TestCloseRequiresCompletedDependencies(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("sess-h", 0)

	dep, _ := g.Create(ctx, CreateOpts{Title: "dep", ProjectID: "p"})
	dependent, _ := g.Create(ctx, CreateOpts{Title: "dependent", ProjectID: "p",
		DependsOn: []string{dep.ID}})

	// Closing a pending task is not a legal transition.
	if _, err := g.Close(ctx, dependent.ID, "", "sess-h", false); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("close of pending task = %v, want invalid_state", err)
	}

	// Force in_progress around the claim gate, then try to finish while the
	// dependency is still pending.
	if _, err := g.UpdateStatus(ctx, dependent.ID, store.TaskInProgress, "sess-h"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Close(ctx, dependent.ID, "", "sess-h", false); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("close with pending dependency = %v, want invalid_state", err)
	}
	if _, err := g.UpdateStatus(ctx, dependent.ID, store.TaskCompleted, "sess-h"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("update to completed with pending dependency = %v, want invalid_state", err)
	}

	got, err := g.Get(ctx, dependent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == store.TaskCompleted {
		t.Fatal("dependent completed while dependency pending")
	}

	// Completing the dependency unblocks the close.
	if _, err := g.Claim(ctx, dep.ID, "sess-h"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Close(ctx, dep.ID, "", "sess-h", false); err != nil {
		t.Fatal(err)
	}
	closed, err := g.Close(ctx, dependent.ID, "", "sess-h", false)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != store.TaskCompleted {
		t.Fatalf("status = %s", closed.Status)
	}
}

func TestClaimConflict(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("s1", 0)
	ms.add("s2", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "x", ProjectID: "p"})
	if _, err := g.Claim(ctx, task.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Claim(ctx, task.ID, "s2"); err == nil {
		t.Fatal("second claim should conflict")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("s", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "x"})
	if _, err := g.UpdateStatus(ctx, task.ID, store.TaskPendingReview, "s"); err == nil {
		t.Fatal("pending -> pending_review should be illegal")
	}
}

type fakeValidator struct {
	pass bool
}

func (f fakeValidator) Validate(_ context.Context, _ *store.TaskData) (bool, string, error) {
	return f.pass, "feedback", nil
}

func TestValidationEscalation(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("s", 0)
	g.SetValidator(fakeValidator{pass: false})

	task, _ := g.Create(ctx, CreateOpts{Title: "x", ValidationCriteria: "tests pass"})
	if _, err := g.Claim(ctx, task.ID, "s"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		res, err := g.Validate(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Escalated {
			t.Fatalf("escalated after %d failures", i)
		}
		if res.FailCount != i {
			t.Fatalf("fail count = %d, want %d", res.FailCount, i)
		}
	}

	res, err := g.Validate(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Escalated {
		t.Fatal("third failure should escalate")
	}
	got, _ := g.Get(ctx, task.ID)
	if got.Status != store.TaskEscalated {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestWaitZeroTimeoutReturnsImmediately(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("s", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "x"})
	if _, err := g.Claim(ctx, task.ID, "s"); err != nil {
		t.Fatal(err)
	}

	res, err := g.WaitForTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.Status != store.TaskInProgress {
		t.Fatalf("res = %+v", res)
	}
}

func TestWaitWakesOnStatusChange(t *testing.T) {
	g, _, ms := testGraph(t)
	ctx := context.Background()
	ms.add("s", 0)

	task, _ := g.Create(ctx, CreateOpts{Title: "x"})
	if _, err := g.Claim(ctx, task.ID, "s"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Close(ctx, task.ID, "", "s", false)
	}()

	start := time.Now()
	res, err := g.WaitForTask(ctx, task.ID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.TimedOut {
		t.Fatal("should have settled")
	}
	if res.Status != store.TaskCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("wait should wake on the event, not the poll")
	}
}

func TestParseSpec(t *testing.T) {
	g, _, _ := testGraph(t)
	ctx := context.Background()

	md := `# Plan
- [ ] Build the parser
  - [ ] Tokenizer
  - [ ] AST
- [ ] Wire the CLI
`
	created, err := g.ParseSpec(ctx, "p", "PLAN.md", md, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 4 {
		t.Fatalf("created %d tasks, want 4", len(created))
	}
	if created[1].ParentTaskID == nil || *created[1].ParentTaskID != created[0].ID {
		t.Error("tokenizer should be a subtask of the parser task")
	}
	if len(created[2].DependsOn) != 1 || created[2].DependsOn[0] != created[1].ID {
		t.Error("AST should depend on tokenizer")
	}
	if len(created[3].DependsOn) != 1 || created[3].DependsOn[0] != created[0].ID {
		t.Error("CLI should depend on the parser task")
	}
}

func ids(tasks []store.TaskData) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
