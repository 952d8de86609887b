// Package agents spawns and tracks child LLM sessions. Four modes are
// supported: in_process (SDK turn inside the daemon), headless (captured
// stdio), terminal (a terminal emulator window), and embedded (daemon-owned
// PTY). Runs persist as agent_run rows; live process state stays in memory.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/providers"
	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// SpawnMarker prefixes every spawned prompt. Terminal-mode termination
// depends on finding this line in the child's command line.
const SpawnMarker = "Your Gobby session_id is: "

// WorkflowControl is the slice of the workflow engine the spawner needs:
// depth limits from the enabling workflow and activation on the child.
type WorkflowControl interface {
	MaxAgentDepth(name string, fallback int) int
	Activate(ctx context.Context, sessionID, name string, vars map[string]any) (*store.WorkflowInstanceData, error)
}

// WorktreeProvisioner creates an isolated workspace for a spawned agent.
type WorktreeProvisioner interface {
	Provision(ctx context.Context, projectID, taskID, sessionID, isolation string) (*store.WorktreeData, error)
	Get(ctx context.Context, id string) (*store.WorktreeData, error)
}

// Registry owns agent runs and their live handles.
type Registry struct {
	cfg       *config.Config
	runs      store.AgentRunStore
	sessions  *sessions.Manager
	providers *providers.Registry
	workflows WorkflowControl
	worktrees WorktreeProvisioner
	events    bus.EventPublisher
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle // run id -> live process state
}

func NewRegistry(cfg *config.Config, runs store.AgentRunStore, sess *sessions.Manager,
	prov *providers.Registry, wf WorkflowControl, wt WorktreeProvisioner,
	events bus.EventPublisher, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		runs:      runs,
		sessions:  sess,
		providers: prov,
		workflows: wf,
		worktrees: wt,
		events:    events,
		logger:    logger,
		handles:   make(map[string]*handle),
	}
}

// handle tracks a live run. Terminal mode has no handle; its process is
// reached through PID discovery instead.
type handle struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	ptmx   *os.File
	done   chan struct{}

	mu         sync.Mutex
	stopStatus string
}

// setStopStatus records the terminal status an explicit stop wants, so the
// run goroutine does not race it with cancelled/error from the context.
func (h *handle) setStopStatus(status string) {
	h.mu.Lock()
	h.stopStatus = status
	h.mu.Unlock()
}

func (h *handle) requestedStop() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopStatus
}

// SpawnOpts is the spawn contract.
type SpawnOpts struct {
	ParentSessionID    string
	Provider           string
	Mode               string
	Workflow           string
	TaskID             string
	Prompt             string
	WorktreeID         string
	SessionContextMode string // summary_markdown | session_id:<id> | transcript:<n> | file:<path> | none
	Variables          map[string]any
	TimeoutSec         int
	IsolationOverride  string
	PartyID            string
}

// SpawnResult is returned to the caller. ChildFD is the PTY master, set only
// for embedded mode.
type SpawnResult struct {
	RunID     string
	SessionID string
	ChildFD   *os.File
}

// Spawn creates the run and child session, enforces the depth limit, and
// launches the child in the requested mode.
func (r *Registry) Spawn(ctx context.Context, opts SpawnOpts) (*SpawnResult, error) {
	ctx, span := otel.Tracer("gobby").Start(ctx, "agents.spawn")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.mode", opts.Mode),
		attribute.String("agent.provider", opts.Provider),
	)

	parent, err := r.sessions.Get(ctx, opts.ParentSessionID)
	if err != nil {
		return nil, fmt.Errorf("parent session: %w", err)
	}

	switch opts.Mode {
	case store.ModeInProcess, store.ModeHeadless, store.ModeTerminal, store.ModeEmbedded:
	default:
		return nil, fmt.Errorf("mode %q: %w", opts.Mode, store.ErrInvalidState)
	}

	depth := parent.AgentDepth + 1
	maxDepth := r.workflows.MaxAgentDepth(opts.Workflow, r.cfg.Agents.MaxDepth)
	if depth > maxDepth {
		return nil, fmt.Errorf("spawn at depth %d exceeds limit %d: %w",
			depth, maxDepth, store.ErrDepthExceeded)
	}

	if opts.Provider == "" {
		opts.Provider = r.cfg.Agents.DefaultProvider
	}
	pcfg := r.providers.Config(opts.Provider)

	runID := store.NewID(store.PrefixRun)
	childID := store.NewID(store.PrefixSession)

	child, err := r.sessions.Start(ctx, sessions.StartOpts{
		ID:               childID,
		Source:           opts.Provider,
		ProjectID:        derefStr(parent.ProjectID),
		ParentSessionID:  parent.ID,
		SpawnedByAgentID: runID,
		AgentDepth:       depth,
	})
	if err != nil {
		return nil, fmt.Errorf("child session: %w", err)
	}

	run := &store.AgentRunData{
		ID:              runID,
		ParentSessionID: parent.ID,
		ChildSessionID:  &child.ID,
		WorkflowName:    opts.Workflow,
		Provider:        opts.Provider,
		Model:           pcfg.Model,
		Mode:            opts.Mode,
		Prompt:          opts.Prompt,
		Status:          store.RunPending,
		StartedAt:       time.Now(),
	}
	if opts.PartyID != "" {
		run.PartyID = &opts.PartyID
	}

	wt, err := r.resolveWorktree(ctx, opts, parent, child.ID)
	if err != nil {
		return nil, err
	}
	if wt != nil {
		run.WorktreeID = &wt.ID
	}

	if err := r.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if opts.Workflow != "" {
		if _, err := r.workflows.Activate(ctx, child.ID, opts.Workflow, opts.Variables); err != nil {
			r.logger.Warn("workflow activation on child failed",
				"run_id", runID, "workflow", opts.Workflow, "error", err)
		}
	}

	prompt := r.buildPrompt(ctx, opts, parent, child.ID)
	r.emit(run, protocol.EventAgentSpawned, store.RunPending, "")

	res := &SpawnResult{RunID: runID, SessionID: child.ID}
	switch opts.Mode {
	case store.ModeInProcess:
		err = r.launchInProcess(ctx, run, prompt, opts.TimeoutSec)
	case store.ModeHeadless:
		err = r.launchHeadless(run, pcfg, prompt, wt, parent, opts.TimeoutSec)
	case store.ModeTerminal:
		err = r.launchTerminal(ctx, run, pcfg, prompt, wt, parent, child.ID)
	case store.ModeEmbedded:
		res.ChildFD, err = r.launchEmbedded(run, pcfg, prompt, wt, parent)
	}
	if err != nil {
		r.finish(context.Background(), run, store.RunError, nil, err.Error())
		return nil, err
	}

	if err := r.runs.Update(ctx, runID, map[string]any{"status": store.RunRunning, "pid": run.PID}); err != nil {
		r.logger.Warn("run status update failed", "run_id", runID, "error", err)
	}
	r.emit(run, protocol.EventAgentRunning, store.RunRunning, "")
	r.logger.Info("agent spawned",
		"run_id", runID, "session_id", child.ID, "mode", opts.Mode,
		"provider", opts.Provider, "depth", depth)
	return res, nil
}

// resolveWorktree returns the worktree the child should run in. Terminal and
// embedded agents always get one; other modes only when explicitly asked.
func (r *Registry) resolveWorktree(ctx context.Context, opts SpawnOpts, parent *store.SessionData, childID string) (*store.WorktreeData, error) {
	if opts.WorktreeID != "" {
		wt, err := r.worktrees.Get(ctx, opts.WorktreeID)
		if err != nil {
			return nil, fmt.Errorf("worktree %s: %w", opts.WorktreeID, err)
		}
		return wt, nil
	}
	if opts.Mode != store.ModeTerminal && opts.Mode != store.ModeEmbedded {
		return nil, nil
	}
	if parent.ProjectID == nil || r.worktrees == nil {
		return nil, nil
	}
	isolation := opts.IsolationOverride
	if isolation == "" {
		isolation = isolationFor(opts.Provider)
	}
	wt, err := r.worktrees.Provision(ctx, *parent.ProjectID, opts.TaskID, childID, isolation)
	if err != nil {
		return nil, fmt.Errorf("provision worktree: %w", err)
	}
	return wt, nil
}

// isolationFor picks the isolation mode by provider family. Claude-family
// CLIs handle git worktrees; the rest get a flat clone.
func isolationFor(provider string) string {
	switch provider {
	case protocol.SourceClaude, protocol.SourceClaudeSDK:
		return store.IsolationWorktree
	default:
		return store.IsolationClone
	}
}

// buildPrompt assembles the spawn marker, handoff context, and user prompt.
func (r *Registry) buildPrompt(ctx context.Context, opts SpawnOpts, parent *store.SessionData, childID string) string {
	var sb strings.Builder
	sb.WriteString(SpawnMarker)
	sb.WriteString(childID)
	sb.WriteString("\n\n")

	if ctxText := r.sessionContext(ctx, opts.SessionContextMode, parent); ctxText != "" {
		sb.WriteString(ctxText)
		sb.WriteString("\n\n")
	}
	sb.WriteString(opts.Prompt)
	return sb.String()
}

func (r *Registry) sessionContext(ctx context.Context, mode string, parent *store.SessionData) string {
	switch {
	case mode == "" || mode == "none":
		return ""
	case mode == "summary_markdown":
		md, err := r.sessions.Handoff(ctx, parent.ID)
		if err != nil {
			r.logger.Warn("handoff lookup failed", "session_id", parent.ID, "error", err)
			return ""
		}
		return md
	case strings.HasPrefix(mode, "session_id:"):
		md, err := r.sessions.Handoff(ctx, strings.TrimPrefix(mode, "session_id:"))
		if err != nil {
			return ""
		}
		return md
	case strings.HasPrefix(mode, "transcript:"):
		return tailTranscript(parent.TranscriptPath, strings.TrimPrefix(mode, "transcript:"))
	case strings.HasPrefix(mode, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(mode, "file:"))
		if err != nil {
			r.logger.Warn("context file unreadable", "mode", mode, "error", err)
			return ""
		}
		return string(data)
	}
	return ""
}

// Get returns a run row.
func (r *Registry) Get(ctx context.Context, runID string) (*store.AgentRunData, error) {
	return r.runs.Get(ctx, runID)
}

// List returns run rows matching the filter.
func (r *Registry) List(ctx context.Context, opts store.AgentRunListOpts) ([]store.AgentRunData, error) {
	return r.runs.List(ctx, opts)
}

// Result returns the structured result of a finished run, or ErrInvalidState
// while it is still live.
func (r *Registry) Result(ctx context.Context, runID string) (map[string]any, error) {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Terminal() {
		return nil, fmt.Errorf("run %s still %s: %w", runID, run.Status, store.ErrInvalidState)
	}
	return run.Result, nil
}

// Complete records a self-reported completion from the child session. Agents
// call this through the tool surface before exiting.
func (r *Registry) Complete(ctx context.Context, childSessionID string, result map[string]any) error {
	run, err := r.findByChild(ctx, childSessionID)
	if err != nil {
		return err
	}
	r.finish(ctx, run, store.RunCompleted, result, "")
	r.dropHandle(run.ID)
	return nil
}

func (r *Registry) findByChild(ctx context.Context, childSessionID string) (*store.AgentRunData, error) {
	for _, status := range []string{store.RunRunning, store.RunPending} {
		runs, err := r.runs.List(ctx, store.AgentRunListOpts{Status: status})
		if err != nil {
			return nil, err
		}
		for i := range runs {
			if runs[i].ChildSessionID != nil && *runs[i].ChildSessionID == childSessionID {
				return &runs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no live run for session %s: %w", childSessionID, store.ErrNotFound)
}

// finish records a terminal status once and emits the matching event.
// Already-terminal runs win; a late finish is dropped silently.
func (r *Registry) finish(ctx context.Context, run *store.AgentRunData, status string, result map[string]any, errMsg string) {
	if err := r.runs.Finish(ctx, run.ID, status, result, errMsg, time.Now()); err != nil {
		if err != store.ErrConflict {
			r.logger.Warn("run finish failed", "run_id", run.ID, "status", status, "error", err)
		}
		return
	}
	run.Status = status
	r.emit(run, eventForStatus(status), status, errMsg)
	r.logger.Info("agent run finished", "run_id", run.ID, "status", status)
}

func eventForStatus(status string) string {
	switch status {
	case store.RunCompleted:
		return protocol.EventAgentCompleted
	case store.RunKilled, store.RunCancelled:
		return protocol.EventAgentKilled
	case store.RunError, store.RunTimeout:
		return protocol.EventAgentFailed
	default:
		return protocol.EventAgentCrashed
	}
}

func (r *Registry) emit(run *store.AgentRunData, name, status, errMsg string) {
	r.events.Broadcast(bus.Event{Name: name, Payload: bus.AgentLifecycle{
		RunID:           run.ID,
		ParentSessionID: run.ParentSessionID,
		ChildSessionID:  derefStr(run.ChildSessionID),
		PartyID:         derefStr(run.PartyID),
		Status:          status,
		Error:           errMsg,
	}})
}

func (r *Registry) putHandle(runID string, h *handle) {
	r.mu.Lock()
	r.handles[runID] = h
	r.mu.Unlock()
}

func (r *Registry) takeHandle(runID string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[runID]
	return h
}

func (r *Registry) dropHandle(runID string) {
	r.mu.Lock()
	delete(r.handles, runID)
	r.mu.Unlock()
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
