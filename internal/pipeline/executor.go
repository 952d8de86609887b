package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/store"
)

// maxNesting bounds invoke_pipeline recursion.
const maxNesting = 4

// defaultStepTimeout bounds a single step unless the step overrides it.
const defaultStepTimeout = 60 * time.Second

// ToolInvoker dispatches an mcp step onto the daemon's own tool surface.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID, tool string, args map[string]any) (any, error)
}

// TurnRunner performs one-shot LLM calls for prompt steps.
type TurnRunner interface {
	RunTurn(ctx context.Context, provider, prompt string) (string, error)
}

// AgentRunner is the slice of the agent registry spawn_session steps need.
type AgentRunner interface {
	Spawn(ctx context.Context, opts agents.SpawnOpts) (*agents.SpawnResult, error)
	Get(ctx context.Context, runID string) (*store.AgentRunData, error)
}

// WorkflowActivator activates a workflow on a session.
type WorkflowActivator interface {
	Activate(ctx context.Context, sessionID, name string, vars map[string]any) (*store.WorkflowInstanceData, error)
}

// Executor holds registered pipelines and runs them synchronously.
type Executor struct {
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]Pipeline

	tools     ToolInvoker
	turns     TurnRunner
	agents    AgentRunner
	workflows WorkflowActivator

	gateMu sync.Mutex
	gates  map[string]*gate
}

// gate is a parked approval step.
type gate struct {
	PipelineName string
	StepName     string
	SessionID    string
	Message      string
	decision     chan bool
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{
		logger:    logger,
		pipelines: make(map[string]Pipeline),
		gates:     make(map[string]*gate),
	}
}

// SetToolInvoker, SetTurnRunner, SetAgentRunner, and SetWorkflowActivator
// wire collaborators after construction; the daemon builds components in
// dependency order and closes the loops last.
func (e *Executor) SetToolInvoker(t ToolInvoker) { e.tools = t }

func (e *Executor) SetTurnRunner(t TurnRunner) { e.turns = t }

func (e *Executor) SetAgentRunner(a AgentRunner) { e.agents = a }

func (e *Executor) SetWorkflowActivator(w WorkflowActivator) { e.workflows = w }

// Register adds or replaces a pipeline.
func (e *Executor) Register(p Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.pipelines[p.Name] = p
	e.mu.Unlock()
	return nil
}

// LoadDir registers every parseable pipeline YAML in dir. Invalid files are
// logged and skipped, same as workflow definitions.
func (e *Executor) LoadDir(dir string) int {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return 0
	}
	more, _ := filepath.Glob(filepath.Join(dir, "*.yml"))
	paths = append(paths, more...)

	loaded := 0
	for _, path := range paths {
		p, err := parseFile(path)
		if err != nil {
			e.logger.Warn("pipeline skipped", "path", path, "error", err)
			continue
		}
		if err := e.Register(*p); err != nil {
			e.logger.Warn("pipeline rejected", "path", path, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

// Get returns a registered pipeline.
func (e *Executor) Get(name string) (Pipeline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[name]
	return p, ok
}

// Run executes the named pipeline. vars seed the variable map; each step's
// result lands under its result_variable (default: the step name). The final
// map is returned to the caller, which is also how the run_pipeline workflow
// action receives it.
func (e *Executor) Run(ctx context.Context, name, sessionID string, vars map[string]any) (map[string]any, error) {
	return e.run(ctx, name, sessionID, vars, 0)
}

func (e *Executor) run(ctx context.Context, name, sessionID string, vars map[string]any, depth int) (map[string]any, error) {
	if depth >= maxNesting {
		return nil, fmt.Errorf("pipeline nesting exceeds %d: %w", maxNesting, store.ErrDepthExceeded)
	}
	p, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", name, store.ErrNotFound)
	}

	out := map[string]any{}
	for k, v := range vars {
		out[k] = v
	}

	for _, step := range p.Steps {
		result, err := e.runStep(ctx, p.Name, step, sessionID, out, depth)
		if err != nil {
			return out, fmt.Errorf("pipeline %q step %q: %w", p.Name, step.Name, err)
		}
		key := step.ResultVar
		if key == "" {
			key = step.Name
		}
		if key != "" {
			out[key] = result
		}
	}
	return out, nil
}

func (e *Executor) runStep(ctx context.Context, pipelineName string, step Step, sessionID string, vars map[string]any, depth int) (any, error) {
	timeout := defaultStepTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("pipeline step", "pipeline", pipelineName, "step", step.Name, "type", step.Type)

	switch step.Type {
	case StepExec:
		args := make([]string, len(step.Args))
		for i, a := range step.Args {
			args[i] = expand(a, vars)
		}
		cmd := exec.CommandContext(stepCtx, expand(step.Command, vars), args...)
		outBytes, err := cmd.CombinedOutput()
		output := string(outBytes)
		if err != nil {
			return output, fmt.Errorf("exec: %w", err)
		}
		return output, nil

	case StepPrompt:
		if e.turns == nil {
			return nil, fmt.Errorf("no turn runner wired: %w", store.ErrBackendUnavailable)
		}
		return e.turns.RunTurn(stepCtx, step.Provider, expand(step.Prompt, vars))

	case StepMCP:
		if e.tools == nil {
			return nil, fmt.Errorf("no tool invoker wired: %w", store.ErrBackendUnavailable)
		}
		return e.tools.Invoke(stepCtx, sessionID, step.Tool, expandArgs(step.ToolArgs, vars))

	case StepInvokePipeline:
		return e.run(ctx, step.Pipeline, sessionID, vars, depth+1)

	case StepSpawnSession:
		return e.spawnSession(stepCtx, step, sessionID, vars)

	case StepActivateWorkflow:
		if e.workflows == nil {
			return nil, fmt.Errorf("no workflow engine wired: %w", store.ErrBackendUnavailable)
		}
		inst, err := e.workflows.Activate(stepCtx, sessionID, step.Workflow, vars)
		if err != nil {
			return nil, err
		}
		return inst.WorkflowName, nil

	case StepApproval:
		return e.park(stepCtx, pipelineName, step, sessionID, vars)
	}
	return nil, fmt.Errorf("unknown step type %q: %w", step.Type, store.ErrInvalidState)
}

func (e *Executor) spawnSession(ctx context.Context, step Step, sessionID string, vars map[string]any) (any, error) {
	if e.agents == nil {
		return nil, fmt.Errorf("no agent registry wired: %w", store.ErrBackendUnavailable)
	}
	mode := step.Mode
	if mode == "" {
		mode = store.ModeHeadless
	}
	res, err := e.agents.Spawn(ctx, agents.SpawnOpts{
		ParentSessionID: sessionID,
		Provider:        step.Provider,
		Mode:            mode,
		Workflow:        step.Workflow,
		Prompt:          expand(step.Prompt, vars),
		Variables:       vars,
	})
	if err != nil {
		return nil, err
	}
	if !step.WaitForExit {
		return map[string]any{"run_id": res.RunID, "session_id": res.SessionID}, nil
	}

	for {
		run, err := e.agents.Get(ctx, res.RunID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return map[string]any{
				"run_id":     run.ID,
				"session_id": res.SessionID,
				"status":     run.Status,
				"result":     run.Result,
				"error":      run.Error,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", res.RunID, store.ErrTimeout)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// park blocks the pipeline on an approval gate until Resolve is called or
// the step deadline passes.
func (e *Executor) park(ctx context.Context, pipelineName string, step Step, sessionID string, vars map[string]any) (any, error) {
	g := &gate{
		PipelineName: pipelineName,
		StepName:     step.Name,
		SessionID:    sessionID,
		Message:      expand(step.Message, vars),
		decision:     make(chan bool, 1),
	}
	id := store.NewID("gate")

	e.gateMu.Lock()
	e.gates[id] = g
	e.gateMu.Unlock()
	defer func() {
		e.gateMu.Lock()
		delete(e.gates, id)
		e.gateMu.Unlock()
	}()

	e.logger.Info("pipeline parked on approval",
		"gate_id", id, "pipeline", pipelineName, "step", step.Name)

	select {
	case approved := <-g.decision:
		if !approved {
			return nil, fmt.Errorf("approval %q rejected: %w", step.Name, store.ErrInvalidState)
		}
		return "approved", nil
	case <-ctx.Done():
		return nil, fmt.Errorf("approval %q: %w", step.Name, store.ErrTimeout)
	}
}

// PendingGate describes a parked approval.
type PendingGate struct {
	ID           string `json:"id"`
	PipelineName string `json:"pipeline"`
	StepName     string `json:"step"`
	SessionID    string `json:"session_id"`
	Message      string `json:"message,omitempty"`
}

// Pending lists parked approval gates.
func (e *Executor) Pending() []PendingGate {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	out := make([]PendingGate, 0, len(e.gates))
	for id, g := range e.gates {
		out = append(out, PendingGate{
			ID:           id,
			PipelineName: g.PipelineName,
			StepName:     g.StepName,
			SessionID:    g.SessionID,
			Message:      g.Message,
		})
	}
	return out
}

// Resolve approves or rejects a parked gate, resuming its pipeline.
func (e *Executor) Resolve(gateID string, approved bool) error {
	e.gateMu.Lock()
	g, ok := e.gates[gateID]
	e.gateMu.Unlock()
	if !ok {
		return fmt.Errorf("gate %s: %w", gateID, store.ErrNotFound)
	}
	select {
	case g.decision <- approved:
		return nil
	default:
		return fmt.Errorf("gate %s already resolved: %w", gateID, store.ErrConflict)
	}
}
