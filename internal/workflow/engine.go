package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/stop"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// DefaultEventBudget bounds one hook evaluation end to end.
const DefaultEventBudget = 30 * time.Second

// maxTransitionChain bounds consecutive step transitions within one event.
const maxTransitionChain = 8

// ToolInvoker calls a tool on the daemon's own tool surface.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID, tool string, args map[string]any) (any, error)
}

// PipelineRunner executes a named pipeline synchronously.
type PipelineRunner interface {
	Run(ctx context.Context, name, sessionID string, vars map[string]any) (map[string]any, error)
}

// TaskQueries is the slice of the task graph conditions need.
type TaskQueries interface {
	TreeComplete(ctx context.Context, taskID string) (bool, error)
}

// InboxQueries backs the has_unread_messages condition.
type InboxQueries interface {
	UnreadCount(ctx context.Context, sessionID string) (int, error)
}

// HandoffSaver persists compacted context for successor sessions.
type HandoffSaver interface {
	SaveHandoff(ctx context.Context, sessionID, markdown string) error
}

// Result is the aggregated outcome of evaluating one hook event.
type Result struct {
	Decision         string         `json:"decision"`
	Context          string         `json:"context,omitempty"`
	Messages         []string       `json:"messages,omitempty"`
	VariablesUpdated map[string]any `json:"variables_updated,omitempty"`
	Terminate        bool           `json:"terminate,omitempty"`
}

// Engine evaluates hook events against enabled workflow instances.
type Engine struct {
	loader   *Loader
	state    store.WorkflowStateStore
	sessions HandoffSaver
	stops    *stop.Registry
	events   bus.EventPublisher
	logger   *slog.Logger

	// optional collaborators, wired after construction to break cycles.
	tools     ToolInvoker
	pipelines PipelineRunner
	tasks     TaskQueries
	inbox     InboxQueries

	actions   map[string]actionFunc
	condFuncs map[string]condFunc

	eventBudget time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(loader *Loader, state store.WorkflowStateStore, sessions HandoffSaver, stops *stop.Registry, events bus.EventPublisher, logger *slog.Logger) *Engine {
	e := &Engine{
		loader:      loader,
		state:       state,
		sessions:    sessions,
		stops:       stops,
		events:      events,
		logger:      logger,
		eventBudget: DefaultEventBudget,
		locks:       map[string]*sync.Mutex{},
	}
	e.actions = e.builtinActions()
	e.condFuncs = builtinCondFuncs()
	return e
}

// SetToolInvoker wires the tool surface used by call_mcp_tool.
func (e *Engine) SetToolInvoker(t ToolInvoker) { e.tools = t }

// SetPipelineRunner wires the executor behind run_pipeline.
func (e *Engine) SetPipelineRunner(p PipelineRunner) { e.pipelines = p }

// SetTaskQueries wires task-graph condition functions.
func (e *Engine) SetTaskQueries(t TaskQueries) { e.tasks = t }

// SetInboxQueries wires message condition functions.
func (e *Engine) SetInboxQueries(i InboxQueries) { e.inbox = i }

// SetEventBudget overrides the per-event evaluation ceiling.
func (e *Engine) SetEventBudget(d time.Duration) {
	if d > 0 {
		e.eventBudget = d
	}
}

// sessionLock serializes evaluations per session; different sessions run
// concurrently.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// Evaluate runs one hook event through every candidate workflow and returns
// the aggregated decision.
func (e *Engine) Evaluate(ctx context.Context, event *protocol.HookEvent, session *store.SessionData) (*Result, error) {
	lock := e.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.eventBudget)
	defer cancel()

	instances, err := e.loadInstances(ctx, session)
	if err != nil {
		return nil, err
	}

	sessionVars, err := e.state.GetSessionVars(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	ec := &evalContext{
		ctx:          ctx,
		engine:       e,
		event:        event,
		session:      session,
		sessionVars:  sessionVars,
		sessionDirty: map[string]any{},
	}

	candidates := e.candidates(event, instances)
	res := &Result{Decision: protocol.DecisionAllow}
	var contexts []string

	for _, inst := range candidates {
		ec.bind(inst)

		blocked := e.evaluateWorkflow(ec, inst, res, &contexts)
		if blocked {
			res.Decision = protocol.DecisionBlock
			break
		}

		if inst.def.ExitCondition != "" && inst.data.Enabled {
			done, err := EvalExpr(inst.def.ExitCondition, ec)
			if err != nil {
				e.logger.Warn("exit condition failed",
					"workflow", inst.def.Name, "error", err)
			} else if done {
				inst.data.Enabled = false
				inst.dirty = true
				e.events.Broadcast(bus.Event{Name: protocol.EventWorkflowEnded, Payload: map[string]string{
					"session_id": session.ID, "workflow": inst.def.Name,
				}})
			}
		}
	}
	ec.bind(nil)

	// Observers run regardless of the decision; they are read-only apart
	// from session-variable tracking.
	e.runObservers(ec, candidates)

	if err := e.persist(ctx, session.ID, instances, ec); err != nil {
		return nil, fmt.Errorf("persist event state: %w", err)
	}

	res.Context = strings.Join(contexts, "\n\n")
	if len(ec.sessionDirty) > 0 {
		res.VariablesUpdated = ec.sessionDirty
	}
	return res, nil
}

// evaluateWorkflow runs triggers, step tool gates, and step transitions for
// one workflow. Returns true when the workflow blocked the event.
func (e *Engine) evaluateWorkflow(ec *evalContext, inst *instanceState, res *Result, contexts *[]string) bool {
	appendCtx := func(s string) {
		if s != "" {
			*contexts = append(*contexts, s)
			inst.data.ContextInjected = true
			inst.dirty = true
		}
	}

	// Trigger rules for this event type.
	for _, rule := range inst.def.Triggers[ec.event.EventType] {
		out := e.execRule(ec, inst, rule)
		if out == nil {
			continue
		}
		appendCtx(out.context)
		if out.message != "" {
			res.Messages = append(res.Messages, out.message)
		}
		if out.terminate {
			res.Terminate = true
		}
		if out.block {
			appendCtx(out.blockMessage)
			return true
		}
	}

	// Step machinery applies to tool events plus transition evaluation on
	// every event.
	if inst.def.HasSteps() {
		step := e.ensureStep(ec, inst, res, contexts)
		if step == nil {
			return false
		}

		if ec.event.EventType == protocol.EventBeforeTool {
			if msg, blocked := e.gateTool(ec, step); blocked {
				appendCtx(msg)
				return true
			}
		}

		if blocked := e.runTransitions(ec, inst, res, contexts); blocked {
			return true
		}
	}
	return false
}

// ensureStep returns the instance's current step, entering the first step
// (and firing its on_enter) when the instance has none yet.
func (e *Engine) ensureStep(ec *evalContext, inst *instanceState, res *Result, contexts *[]string) *Step {
	if inst.data.CurrentStep == nil {
		first := inst.def.FirstStep()
		inst.enterStep(first.Name)
		e.fireStepHooks(ec, inst, first.OnEnter, res, contexts)
		return first
	}
	return inst.currentStep()
}

// gateTool resolves the step's tool rules for the current tool call.
// Precedence: explicit block > explicit allow > allowed_tools > allow.
func (e *Engine) gateTool(ec *evalContext, step *Step) (string, bool) {
	tool := ec.event.ToolName()
	if tool == "" {
		return "", false
	}

	explicitAllow := false
	for _, r := range step.Rules {
		if r.Tool != tool && r.Tool != "*" {
			continue
		}
		if r.When != "" {
			ok, err := EvalExpr(r.When, ec)
			if err != nil {
				e.logger.Warn("tool rule guard failed",
					"step", step.Name, "tool", r.Tool, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if r.Effect == "block" {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("tool %s is not allowed in step %s", tool, step.Name)
			}
			return msg, true
		}
		explicitAllow = true
	}
	if explicitAllow {
		return "", false
	}

	if len(step.AllowedTools) > 0 {
		for _, t := range step.AllowedTools {
			if t == tool || t == "*" {
				return "", false
			}
		}
		return fmt.Sprintf("tool %s is outside step %s's allowed set", tool, step.Name), true
	}
	return "", false
}

// runTransitions fires matching step transitions, chaining up to the bound.
func (e *Engine) runTransitions(ec *evalContext, inst *instanceState, res *Result, contexts *[]string) bool {
	for hop := 0; hop < maxTransitionChain; hop++ {
		step := inst.currentStep()
		if step == nil {
			return false
		}

		var next *Transition
		for i, t := range step.Transitions {
			if t.When == "" {
				next = &step.Transitions[i]
				break
			}
			ok, err := EvalExpr(t.When, ec)
			if err != nil {
				e.logger.Warn("transition guard failed",
					"workflow", inst.def.Name, "step", step.Name, "to", t.To, "error", err)
				continue
			}
			if ok {
				next = &step.Transitions[i]
				break
			}
		}
		if next == nil {
			return false
		}

		target := inst.def.Step(next.To)
		e.logger.Debug("step transition",
			"workflow", inst.def.Name, "from", step.Name, "to", target.Name)

		if blocked := e.fireStepHooks(ec, inst, step.OnExit, res, contexts); blocked {
			return true
		}
		inst.enterStep(target.Name)
		if blocked := e.fireStepHooks(ec, inst, target.OnEnter, res, contexts); blocked {
			return true
		}
	}
	e.logger.Warn("transition chain bound hit, deferring to next event",
		"workflow", inst.def.Name, "session_id", ec.session.ID)
	return false
}

func (e *Engine) fireStepHooks(ec *evalContext, inst *instanceState, rules []Rule, res *Result, contexts *[]string) bool {
	for _, rule := range rules {
		out := e.execRule(ec, inst, rule)
		if out == nil {
			continue
		}
		if out.context != "" {
			*contexts = append(*contexts, out.context)
			inst.data.ContextInjected = true
			inst.dirty = true
		}
		if out.message != "" {
			res.Messages = append(res.Messages, out.message)
		}
		if out.terminate {
			res.Terminate = true
		}
		if out.block {
			if out.blockMessage != "" {
				*contexts = append(*contexts, out.blockMessage)
			}
			return true
		}
	}
	return false
}

// execRule runs one rule, isolating failures: a failing rule contributes
// nothing and evaluation proceeds.
func (e *Engine) execRule(ec *evalContext, inst *instanceState, rule Rule) *actionOutcome {
	if rule.When != "" {
		ok, err := EvalExpr(rule.When, ec)
		if err != nil {
			e.logger.Warn("rule guard failed",
				"workflow", inst.def.Name, "action", rule.Action, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
	}

	fn, ok := e.actions[rule.Action]
	if !ok {
		e.logger.Warn("unknown action", "workflow", inst.def.Name, "action", rule.Action)
		return nil
	}

	inst.countAction()
	out, err := fn(ec, rule.Params)
	if err != nil {
		e.logger.Warn("action failed",
			"workflow", inst.def.Name, "action", rule.Action, "error", err)
		return nil
	}
	return out
}

func (e *Engine) runObservers(ec *evalContext, candidates []*instanceState) {
	for _, inst := range candidates {
		for _, ob := range inst.def.Observers {
			if ob.Event != "" && ob.Event != ec.event.EventType {
				continue
			}
			ec.bind(inst)
			if ob.When != "" {
				ok, err := EvalExpr(ob.When, ec)
				if err != nil || !ok {
					continue
				}
			}
			switch {
			case ob.Track == "task_claim":
				e.trackTaskClaim(ec)
			case ob.Set != "":
				ec.setSessionVar(ob.Set, ob.Value)
			}
		}
	}
	ec.bind(nil)
}

// trackTaskClaim records the most recently claimed task id in session scope
// so conditions like task_tree_complete(session._current_task) work.
func (e *Engine) trackTaskClaim(ec *evalContext) {
	if ec.event.EventType != protocol.EventAfterTool {
		return
	}
	tool := ec.event.ToolName()
	if tool != "claim_task" && tool != "suggest_next_task" {
		return
	}
	if input, ok := ec.event.Data["tool_input"].(map[string]any); ok {
		if id, ok := input["task_id"].(string); ok && id != "" {
			ec.setSessionVar("_current_task", id)
		}
	}
}

// loadInstances returns the session's instances keyed by workflow name,
// creating rows for enabled_default workflows that lack one.
func (e *Engine) loadInstances(ctx context.Context, session *store.SessionData) (map[string]*instanceState, error) {
	rows, err := e.state.ListInstances(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	out := map[string]*instanceState{}
	for i := range rows {
		def := e.loader.Get(rows[i].WorkflowName)
		if def == nil {
			// Definition removed from disk; the instance stays dormant.
			continue
		}
		out[rows[i].WorkflowName] = newInstanceState(def, &rows[i])
	}

	for _, def := range e.loader.All() {
		if !def.EnabledDefault || !def.AppliesTo(session.Source) {
			continue
		}
		if _, ok := out[def.Name]; ok {
			continue
		}
		inst, err := e.createInstance(ctx, session.ID, def, nil)
		if err != nil {
			return nil, err
		}
		out[def.Name] = inst
	}
	return out, nil
}

func (e *Engine) createInstance(ctx context.Context, sessionID string, def *Definition, extraVars map[string]any) (*instanceState, error) {
	vars := map[string]any{}
	for k, v := range def.WorkflowVariables {
		vars[k] = v
	}
	for k, v := range extraVars {
		vars[k] = v
	}

	data := &store.WorkflowInstanceData{
		SessionID:    sessionID,
		WorkflowName: def.Name,
		Enabled:      true,
		Priority:     def.Priority,
		Variables:    vars,
	}
	if err := e.state.UpsertInstance(ctx, data); err != nil {
		return nil, err
	}

	// First declaration wins for shared session-variable defaults.
	for k, v := range def.SessionVariables {
		if err := e.state.SetSessionVarDefault(ctx, sessionID, k, v); err != nil {
			return nil, err
		}
	}
	return newInstanceState(def, data), nil
}

// candidates selects enabled instances whose workflow is indexed for this
// event (or declares steps, for tool events), sorted by priority.
func (e *Engine) candidates(event *protocol.HookEvent, instances map[string]*instanceState) []*instanceState {
	names := map[string]bool{}
	for _, def := range e.loader.ForEvent(event.EventType) {
		names[def.Name] = true
	}
	if event.EventType == protocol.EventBeforeTool || event.EventType == protocol.EventAfterTool {
		for _, def := range e.loader.StepWorkflows() {
			names[def.Name] = true
		}
	}

	var out []*instanceState
	for name := range names {
		inst, ok := instances[name]
		if !ok || !inst.data.Enabled {
			continue
		}
		if !inst.def.AppliesTo(event.Source) {
			continue
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].data.Priority != out[j].data.Priority {
			return out[i].data.Priority < out[j].data.Priority
		}
		return out[i].def.Name < out[j].def.Name
	})
	return out
}

func (e *Engine) persist(ctx context.Context, sessionID string, instances map[string]*instanceState, ec *evalContext) error {
	var dirty []*store.WorkflowInstanceData
	for _, inst := range instances {
		if inst.dirty {
			dirty = append(dirty, inst.data)
		}
	}
	if err := e.state.SaveInstances(ctx, dirty); err != nil {
		return err
	}
	for k, v := range ec.sessionDirty {
		if err := e.state.SetSessionVar(ctx, sessionID, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Activate enables a workflow on a session, creating the instance on first
// activation.
func (e *Engine) Activate(ctx context.Context, sessionID, name string, vars map[string]any) (*store.WorkflowInstanceData, error) {
	def := e.loader.Get(name)
	if def == nil {
		return nil, fmt.Errorf("workflow %s: %w", name, store.ErrNotFound)
	}

	existing, err := e.state.GetInstance(ctx, sessionID, name)
	if err == nil {
		existing.Enabled = true
		for k, v := range vars {
			if existing.Variables == nil {
				existing.Variables = map[string]any{}
			}
			existing.Variables[k] = v
		}
		if err := e.state.UpsertInstance(ctx, existing); err != nil {
			return nil, err
		}
		e.events.Broadcast(bus.Event{Name: protocol.EventWorkflowActivated, Payload: map[string]string{
			"session_id": sessionID, "workflow": name,
		}})
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	inst, err := e.createInstance(ctx, sessionID, def, vars)
	if err != nil {
		return nil, err
	}
	e.events.Broadcast(bus.Event{Name: protocol.EventWorkflowActivated, Payload: map[string]string{
		"session_id": sessionID, "workflow": name,
	}})
	return inst.data, nil
}

// End disables a workflow instance, clearing step state and workflow-scoped
// variables. Session variables survive.
func (e *Engine) End(ctx context.Context, sessionID, name string) error {
	inst, err := e.state.GetInstance(ctx, sessionID, name)
	if err != nil {
		return err
	}
	inst.Enabled = false
	inst.CurrentStep = nil
	inst.StepEnteredAt = nil
	inst.StepActionCount = 0
	inst.Variables = map[string]any{}
	if err := e.state.UpsertInstance(ctx, inst); err != nil {
		return err
	}
	e.events.Broadcast(bus.Event{Name: protocol.EventWorkflowEnded, Payload: map[string]string{
		"session_id": sessionID, "workflow": name,
	}})
	return nil
}

// SetVariable writes a workflow-scoped variable from the tool surface.
func (e *Engine) SetVariable(ctx context.Context, sessionID, workflowName, name string, value any) error {
	inst, err := e.state.GetInstance(ctx, sessionID, workflowName)
	if err != nil {
		return err
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	inst.Variables[name] = value
	return e.state.UpsertInstance(ctx, inst)
}

// SetSessionVariable writes to the shared session map.
func (e *Engine) SetSessionVariable(ctx context.Context, sessionID, name string, value any) error {
	return e.state.SetSessionVar(ctx, sessionID, name, value)
}

// GetVariable reads a workflow variable, falling back to the session map
// when workflowName is empty.
func (e *Engine) GetVariable(ctx context.Context, sessionID, workflowName, name string) (any, error) {
	if workflowName != "" {
		inst, err := e.state.GetInstance(ctx, sessionID, workflowName)
		if err != nil {
			return nil, err
		}
		return inst.Variables[name], nil
	}
	vars, err := e.state.GetSessionVars(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return vars[name], nil
}

// ListActive returns the session's enabled instances.
func (e *Engine) ListActive(ctx context.Context, sessionID string) ([]store.WorkflowInstanceData, error) {
	all, err := e.state.ListInstances(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []store.WorkflowInstanceData
	for _, i := range all {
		if i.Enabled {
			out = append(out, i)
		}
	}
	return out, nil
}

// MaxAgentDepth reports the depth cap declared by the named workflow, with
// the given fallback when the workflow is unknown or silent.
func (e *Engine) MaxAgentDepth(name string, fallback int) int {
	def := e.loader.Get(name)
	if def == nil || def.MaxAgentDepth == 0 {
		return fallback
	}
	return def.MaxAgentDepth
}
