package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/stop"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// memState is an in-memory store.WorkflowStateStore.
type memState struct {
	mu        sync.Mutex
	instances map[string]*store.WorkflowInstanceData // session/name
	vars      map[string]map[string]any              // session -> name -> value
}

func newMemState() *memState {
	return &memState{
		instances: map[string]*store.WorkflowInstanceData{},
		vars:      map[string]map[string]any{},
	}
}

func ikey(sessionID, name string) string { return sessionID + "/" + name }

func (m *memState) UpsertInstance(_ context.Context, i *store.WorkflowInstanceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i.ID == "" {
		i.ID = store.NewID(store.PrefixInstance)
	}
	cp := *i
	cp.Variables = cloneMap(i.Variables)
	m.instances[ikey(i.SessionID, i.WorkflowName)] = &cp
	return nil
}

func (m *memState) GetInstance(_ context.Context, sessionID, name string) (*store.WorkflowInstanceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[ikey(sessionID, name)]
	if !ok {
		return nil, fmt.Errorf("instance %s/%s: %w", sessionID, name, store.ErrNotFound)
	}
	cp := *i
	cp.Variables = cloneMap(i.Variables)
	return &cp, nil
}

func (m *memState) ListInstances(_ context.Context, sessionID string) ([]store.WorkflowInstanceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WorkflowInstanceData
	for _, i := range m.instances {
		if i.SessionID == sessionID {
			cp := *i
			cp.Variables = cloneMap(i.Variables)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memState) SaveInstances(_ context.Context, instances []*store.WorkflowInstanceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range instances {
		cp := *i
		cp.Variables = cloneMap(i.Variables)
		m.instances[ikey(i.SessionID, i.WorkflowName)] = &cp
	}
	return nil
}

func (m *memState) DeleteInstance(_ context.Context, sessionID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, ikey(sessionID, name))
	return nil
}

func (m *memState) GetSessionVars(_ context.Context, sessionID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMap(m.vars[sessionID]), nil
}

func (m *memState) SetSessionVar(_ context.Context, sessionID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vars[sessionID] == nil {
		m.vars[sessionID] = map[string]any{}
	}
	m.vars[sessionID][name] = value
	return nil
}

func (m *memState) SetSessionVarDefault(_ context.Context, sessionID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vars[sessionID] == nil {
		m.vars[sessionID] = map[string]any{}
	}
	if _, ok := m.vars[sessionID][name]; !ok {
		m.vars[sessionID][name] = value
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

type noHandoff struct{}

func (noHandoff) SaveHandoff(_ context.Context, _, _ string) error { return nil }

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testEngine(t *testing.T, yamls map[string]string) (*Engine, *memState) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range yamls {
		writeWorkflow(t, dir, name, body)
	}

	logger := slog.New(slog.DiscardHandler)
	loader := NewLoader([]string{dir}, logger)
	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}

	state := newMemState()
	e := NewEngine(loader, state, noHandoff{}, stop.NewRegistry(), bus.New(), logger)
	return e, state
}

func testSession(id string) *store.SessionData {
	return &store.SessionData{ID: id, Source: protocol.SourceClaude, Status: store.SessionActive}
}

func toolEvent(sessionID, tool string) *protocol.HookEvent {
	return &protocol.HookEvent{
		EventType: protocol.EventBeforeTool,
		SessionID: sessionID,
		Source:    protocol.SourceClaude,
		Data:      map[string]any{"tool_name": tool},
	}
}

func TestFirstBlockWins(t *testing.T) {
	e, _ := testEngine(t, map[string]string{
		"sec.yaml": `
name: sec
priority: 10
enabled_default: true
triggers:
  before_tool:
    - when: "tool_name == 'bash'"
      action: block_tools
      message: sec-block
`,
		"audit.yaml": `
name: audit
priority: 20
enabled_default: true
triggers:
  before_tool:
    - action: inject_context
      content: audit-log
`,
	})

	res, err := e.Evaluate(context.Background(), toolEvent("s1", "bash"), testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != protocol.DecisionBlock {
		t.Fatalf("decision = %s", res.Decision)
	}
	if res.Context != "sec-block" {
		t.Fatalf("context = %q, want exactly sec-block", res.Context)
	}

	// A tool the lower-priority workflow does not block reaches audit.
	res, err = e.Evaluate(context.Background(), toolEvent("s1", "read"), testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != protocol.DecisionAllow || res.Context != "audit-log" {
		t.Fatalf("res = %+v", res)
	}
}

func TestVariableIsolationBetweenWorkflows(t *testing.T) {
	e, state := testEngine(t, map[string]string{
		"a.yaml": `
name: wf-a
priority: 10
enabled_default: true
workflow_variables:
  counter: 0
session_variables:
  flag: false
triggers:
  before_agent:
    - action: set_variable
      name: counter
      value: 5
    - action: set_session_variable
      name: flag
      value: true
`,
		"b.yaml": `
name: wf-b
priority: 20
enabled_default: true
workflow_variables:
  counter: 0
session_variables:
  flag: false
triggers:
  before_agent:
    - when: "variables.counter == 0"
      action: set_variable
      name: saw_own_zero
      value: true
    - when: "session.flag == true"
      action: set_variable
      name: saw_shared_flag
      value: true
`,
	})

	ev := &protocol.HookEvent{
		EventType: protocol.EventBeforeAgent,
		SessionID: "s1",
		Source:    protocol.SourceClaude,
		Data:      map[string]any{},
	}
	if _, err := e.Evaluate(context.Background(), ev, testSession("s1")); err != nil {
		t.Fatal(err)
	}

	a, err := state.GetInstance(context.Background(), "s1", "wf-a")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := toFloat64(a.Variables["counter"]); got != 5 {
		t.Errorf("wf-a counter = %v", a.Variables["counter"])
	}

	b, err := state.GetInstance(context.Background(), "s1", "wf-b")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := toFloat64(b.Variables["counter"]); got != 0 {
		t.Errorf("wf-b counter leaked: %v", b.Variables["counter"])
	}
	if b.Variables["saw_own_zero"] != true {
		t.Error("wf-b should see its own counter as 0")
	}
	if b.Variables["saw_shared_flag"] != true {
		t.Error("wf-b should see the shared session flag set by wf-a")
	}
}

func TestStepToolGateAndTransitions(t *testing.T) {
	e, state := testEngine(t, map[string]string{
		"steps.yaml": `
name: gated
priority: 10
enabled_default: true
workflow_variables:
  plan_done: false
steps:
  - name: plan
    allowed_tools: [read, grep]
    rules:
      - tool: bash
        effect: block
        message: no shell while planning
    transitions:
      - to: build
        when: "variables.plan_done == true"
  - name: build
    on_enter:
      - action: inject_context
        content: "Build phase: full tool access."
`,
	})
	ctx := context.Background()

	// Allowed in the first step.
	res, err := e.Evaluate(ctx, toolEvent("s1", "read"), testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != protocol.DecisionAllow {
		t.Fatalf("read should be allowed: %+v", res)
	}

	// Explicit block beats everything.
	res, _ = e.Evaluate(ctx, toolEvent("s1", "bash"), testSession("s1"))
	if res.Decision != protocol.DecisionBlock || res.Context != "no shell while planning" {
		t.Fatalf("bash should be blocked: %+v", res)
	}

	// Outside allowed_tools without an explicit rule is blocked too.
	res, _ = e.Evaluate(ctx, toolEvent("s1", "edit"), testSession("s1"))
	if res.Decision != protocol.DecisionBlock {
		t.Fatalf("edit should be outside the allowed set: %+v", res)
	}

	// Flip the guard and watch the transition fire with its on_enter.
	if err := e.SetVariable(ctx, "s1", "gated", "plan_done", true); err != nil {
		t.Fatal(err)
	}
	res, err = e.Evaluate(ctx, toolEvent("s1", "read"), testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Context != "Build phase: full tool access." {
		t.Fatalf("on_enter context missing: %+v", res)
	}

	inst, _ := state.GetInstance(ctx, "s1", "gated")
	if inst.CurrentStep == nil || *inst.CurrentStep != "build" {
		t.Fatalf("current_step = %v", inst.CurrentStep)
	}

	// Build has no restrictions.
	res, _ = e.Evaluate(ctx, toolEvent("s1", "bash"), testSession("s1"))
	if res.Decision != protocol.DecisionAllow {
		t.Fatalf("bash should be allowed in build: %+v", res)
	}
}

func TestCorruptStepResets(t *testing.T) {
	e, state := testEngine(t, map[string]string{
		"steps.yaml": `
name: twostep
priority: 10
enabled_default: true
steps:
  - name: first
    allowed_tools: [read]
  - name: second
`,
	})
	ctx := context.Background()

	if _, err := e.Evaluate(ctx, toolEvent("s1", "read"), testSession("s1")); err != nil {
		t.Fatal(err)
	}

	// Corrupt the persisted step name.
	inst, _ := state.GetInstance(ctx, "s1", "twostep")
	bad := "gone"
	inst.CurrentStep = &bad
	if err := state.UpsertInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	res, err := e.Evaluate(ctx, toolEvent("s1", "bash"), testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	// After the reset the instance is back in "first", where bash is gated.
	if res.Decision != protocol.DecisionBlock {
		t.Fatalf("expected first-step gating after reset: %+v", res)
	}
	inst, _ = state.GetInstance(ctx, "s1", "twostep")
	if inst.CurrentStep == nil || *inst.CurrentStep != "first" {
		t.Fatalf("current_step = %v, want first", inst.CurrentStep)
	}
}

func TestEndWorkflowClearsStateKeepsSessionVars(t *testing.T) {
	e, state := testEngine(t, map[string]string{
		"a.yaml": `
name: ender
priority: 10
enabled_default: true
workflow_variables:
  x: 1
session_variables:
  keep: original
triggers:
  before_agent:
    - action: set_session_variable
      name: keep
      value: changed
`,
	})
	ctx := context.Background()

	ev := &protocol.HookEvent{EventType: protocol.EventBeforeAgent, SessionID: "s1", Source: protocol.SourceClaude, Data: map[string]any{}}
	if _, err := e.Evaluate(ctx, ev, testSession("s1")); err != nil {
		t.Fatal(err)
	}

	if err := e.End(ctx, "s1", "ender"); err != nil {
		t.Fatal(err)
	}
	inst, _ := state.GetInstance(ctx, "s1", "ender")
	if inst.Enabled || len(inst.Variables) != 0 || inst.CurrentStep != nil {
		t.Fatalf("end should clear instance state: %+v", inst)
	}

	vars, _ := state.GetSessionVars(ctx, "s1")
	if vars["keep"] != "changed" {
		t.Errorf("session vars must survive end_workflow, got %v", vars["keep"])
	}
}

func TestStopSignalBlocksAndTerminates(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	// stop-guard ships bundled and enabled by default.
	e.stops.SignalSession("s1", "user asked to stop")

	ev := &protocol.HookEvent{EventType: protocol.EventBeforeAgent, SessionID: "s1", Source: protocol.SourceClaude, Data: map[string]any{}}
	res, err := e.Evaluate(ctx, ev, testSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != protocol.DecisionBlock || !res.Terminate {
		t.Fatalf("stop signal should block and terminate: %+v", res)
	}

	// Drained: the next event proceeds.
	res, _ = e.Evaluate(ctx, ev, testSession("s1"))
	if res.Decision != protocol.DecisionAllow {
		t.Fatalf("signal should drain: %+v", res)
	}
}

func TestSourceFilter(t *testing.T) {
	e, _ := testEngine(t, map[string]string{
		"claude-only.yaml": `
name: claude-only
priority: 10
enabled_default: true
sources: [claude]
triggers:
  before_tool:
    - action: block_tools
      message: nope
`,
	})
	ctx := context.Background()

	gemini := &protocol.HookEvent{
		EventType: protocol.EventBeforeTool,
		SessionID: "s1",
		Source:    protocol.SourceGemini,
		Data:      map[string]any{"tool_name": "bash"},
	}
	sess := testSession("s1")
	sess.Source = protocol.SourceGemini

	res, err := e.Evaluate(ctx, gemini, sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != protocol.DecisionAllow {
		t.Fatalf("claude-only workflow must not gate gemini: %+v", res)
	}
}
