// Package tasks implements the persistent task graph: a DAG of work items
// with dependency-aware retrieval, a status machine with a review gate for
// agent-closed tasks, and validation-failure escalation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// DefaultEscalateLimit is how many validation failures raise escalated.
const DefaultEscalateLimit = 3

// Validator produces a verdict for a task against its validation criteria.
// The production implementation runs an external validator session; tests
// plug in fakes.
type Validator interface {
	Validate(ctx context.Context, task *store.TaskData) (passed bool, feedback string, err error)
}

// Graph coordinates task rows, the status machine, and waiters.
type Graph struct {
	tasks    store.TaskStore
	sessions store.SessionStore
	events   bus.EventPublisher
	logger   *slog.Logger

	validator     Validator
	enricher      Enricher
	escalateLimit int
}

func NewGraph(tasks store.TaskStore, sessions store.SessionStore, events bus.EventPublisher, logger *slog.Logger) *Graph {
	return &Graph{
		tasks:         tasks,
		sessions:      sessions,
		events:        events,
		logger:        logger,
		escalateLimit: DefaultEscalateLimit,
	}
}

// SetValidator installs the external validator used by Validate.
func (g *Graph) SetValidator(v Validator) { g.validator = v }

// SetEscalateLimit overrides the validation failure threshold.
func (g *Graph) SetEscalateLimit(n int) {
	if n > 0 {
		g.escalateLimit = n
	}
}

// CreateOpts describes a new task.
type CreateOpts struct {
	Title              string
	Description        string
	ProjectID          string
	Priority           int
	ParentTaskID       string
	DependsOn          []string
	Category           string
	ValidationCriteria string
	ReferenceDoc       string
	CreatedInSessionID string
}

// Create inserts a task in pending. Dependencies must exist and must not
// introduce a cycle.
func (g *Graph) Create(ctx context.Context, opts CreateOpts) (*store.TaskData, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("task title required: %w", store.ErrInvalidState)
	}

	t := &store.TaskData{
		Title:              opts.Title,
		Description:        opts.Description,
		Status:             store.TaskPending,
		Priority:           opts.Priority,
		DependsOn:          opts.DependsOn,
		Category:           opts.Category,
		ValidationCriteria: opts.ValidationCriteria,
		ReferenceDoc:       opts.ReferenceDoc,
		CreatedInSessionID: opts.CreatedInSessionID,
	}
	if opts.ProjectID != "" {
		t.ProjectID = &opts.ProjectID
	}
	if opts.ParentTaskID != "" {
		t.ParentTaskID = &opts.ParentTaskID
	}

	for _, dep := range opts.DependsOn {
		if _, err := g.tasks.Get(ctx, dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	if opts.ParentTaskID != "" {
		if _, err := g.tasks.Get(ctx, opts.ParentTaskID); err != nil {
			return nil, fmt.Errorf("parent %s: %w", opts.ParentTaskID, err)
		}
	}

	t.ID = store.NewID(store.PrefixTask)
	if err := g.checkNoCycle(ctx, t.ID, opts.DependsOn); err != nil {
		return nil, err
	}

	seq, err := g.tasks.NextSeq(ctx, opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("allocate seq: %w", err)
	}
	t.SeqNum = seq

	if err := g.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	g.logger.Info("task created", "task_id", t.ID, "seq", t.SeqNum, "title", t.Title)
	g.notify(t, protocol.EventTaskCreated)
	return t, nil
}

// checkNoCycle walks depends_on edges depth-first from each new dependency.
// Reaching newID means the new edges would close a cycle.
func (g *Graph) checkNoCycle(ctx context.Context, newID string, deps []string) error {
	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == newID {
			return fmt.Errorf("dependency cycle through %s: %w", id, store.ErrCycleDetected)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		t, err := g.tasks.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		for _, dep := range t.DependsOn {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

// SetDependencies replaces a task's depends_on edges, rejecting cycles.
func (g *Graph) SetDependencies(ctx context.Context, taskID string, deps []string) (*store.TaskData, error) {
	if _, err := g.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep == taskID {
			return nil, fmt.Errorf("task %s cannot depend on itself: %w", taskID, store.ErrCycleDetected)
		}
		if _, err := g.tasks.Get(ctx, dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	if err := g.checkNoCycle(ctx, taskID, deps); err != nil {
		return nil, err
	}
	if err := g.tasks.Update(ctx, taskID, map[string]any{"depends_on": deps}); err != nil {
		return nil, err
	}
	return g.tasks.Get(ctx, taskID)
}

// Get returns a task by id.
func (g *Graph) Get(ctx context.Context, id string) (*store.TaskData, error) {
	return g.tasks.Get(ctx, id)
}

// GetBySeq resolves a human-facing #N reference within a project.
func (g *Graph) GetBySeq(ctx context.Context, projectID string, seq int) (*store.TaskData, error) {
	return g.tasks.GetBySeq(ctx, projectID, seq)
}

// List returns tasks filtered by opts.
func (g *Graph) List(ctx context.Context, opts store.TaskListOpts) ([]store.TaskData, error) {
	return g.tasks.List(ctx, opts)
}

// Delete removes a task. Tasks that others depend on stay deletable; their
// dependents simply never become ready, which detect-style tooling surfaces.
func (g *Graph) Delete(ctx context.Context, id string) error {
	return g.tasks.Delete(ctx, id)
}

// Ready returns tasks that are pending with every dependency completed,
// ordered by priority desc, then code tasks first, then oldest, then id.
func (g *Graph) Ready(ctx context.Context, projectID string) ([]store.TaskData, error) {
	pending, err := g.tasks.List(ctx, store.TaskListOpts{ProjectID: projectID, Status: store.TaskPending})
	if err != nil {
		return nil, err
	}

	statusCache := map[string]string{}
	depStatus := func(id string) (string, error) {
		if s, ok := statusCache[id]; ok {
			return s, nil
		}
		t, err := g.tasks.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				statusCache[id] = ""
				return "", nil
			}
			return "", err
		}
		statusCache[id] = t.Status
		return t.Status, nil
	}

	var ready []store.TaskData
	for _, t := range pending {
		ok := true
		for _, dep := range t.DependsOn {
			s, err := depStatus(dep)
			if err != nil {
				return nil, err
			}
			if s != store.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		aCode, bCode := a.Category == store.CategoryCode, b.Category == store.CategoryCode
		if aCode != bCode {
			return aCode
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ready, nil
}

// SuggestNext returns the best ready task for the session's project. With
// preferSubtasks, subtasks of any in_progress task win over top-level work.
func (g *Graph) SuggestNext(ctx context.Context, sessionID string, preferSubtasks bool) (*store.TaskData, error) {
	projectID := ""
	if sess, err := g.sessions.Get(ctx, sessionID); err == nil && sess.ProjectID != nil {
		projectID = *sess.ProjectID
	}

	ready, err := g.Ready(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("no ready tasks: %w", store.ErrNotFound)
	}

	if preferSubtasks {
		for i := range ready {
			t := &ready[i]
			if t.ParentTaskID == nil {
				continue
			}
			parent, err := g.tasks.Get(ctx, *t.ParentTaskID)
			if err == nil && parent.Status == store.TaskInProgress {
				return t, nil
			}
		}
	}
	return &ready[0], nil
}

// depsCompleted rejects with ErrInvalidState while any dependency of t is
// not completed. Completion and claiming both require it.
func (g *Graph) depsCompleted(ctx context.Context, t *store.TaskData) error {
	for _, dep := range t.DependsOn {
		d, err := g.tasks.Get(ctx, dep)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && d.Status != store.TaskCompleted {
			return fmt.Errorf("dependency %s is %s: %w", dep, d.Status, store.ErrInvalidState)
		}
	}
	return nil
}

// Claim moves a ready task to in_progress and assigns it to the session.
// Loses to concurrent claimers with ErrConflict.
func (g *Graph) Claim(ctx context.Context, taskID, sessionID string) (*store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := g.depsCompleted(ctx, t); err != nil {
		return nil, err
	}

	err = g.tasks.UpdateStatusCAS(ctx, taskID, store.TaskPending, store.TaskInProgress,
		map[string]any{"assigned_session_id": sessionID})
	if err != nil {
		return nil, err
	}
	t, err = g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.notify(t, protocol.EventTaskUpdated)
	return t, nil
}

// UpdateStatus applies an arbitrary legal transition.
func (g *Graph) UpdateStatus(ctx context.Context, taskID, newStatus, actorSessionID string) (*store.TaskData, error) {
	if !validStatus(newStatus) {
		return nil, fmt.Errorf("unknown status %q: %w", newStatus, store.ErrInvalidState)
	}
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t.Status, newStatus); err != nil {
		return nil, err
	}
	if newStatus == store.TaskCompleted {
		if err := g.depsCompleted(ctx, t); err != nil {
			return nil, err
		}
	}

	updates := map[string]any{}
	if newStatus == store.TaskPending {
		updates["assigned_session_id"] = nil
	}
	if err := g.tasks.UpdateStatusCAS(ctx, taskID, t.Status, newStatus, updates); err != nil {
		return nil, err
	}
	t, err = g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.logger.Info("task status", "task_id", taskID, "status", newStatus, "actor", actorSessionID)
	g.notify(t, protocol.EventTaskUpdated)
	return t, nil
}

// Close finishes a task. Agents (actor depth > 0) land in pending_review;
// root sessions and non-agent callers complete directly. The override flag
// lets a non-agent caller skip the gate for agent-held tasks.
func (g *Graph) Close(ctx context.Context, taskID, commitSHA, actorSessionID string, override bool) (*store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	depth := 0
	if actorSessionID != "" {
		if sess, err := g.sessions.Get(ctx, actorSessionID); err == nil {
			depth = sess.AgentDepth
		}
	}

	target := store.TaskCompleted
	updates := map[string]any{}
	if commitSHA != "" {
		updates["commit_sha"] = commitSHA
	}
	if depth > 0 && !override {
		target = store.TaskPendingReview
		updates["pending_review_at"] = time.Now()
	}

	if err := checkTransition(t.Status, target); err != nil {
		return nil, err
	}
	if target == store.TaskCompleted {
		if err := g.depsCompleted(ctx, t); err != nil {
			return nil, err
		}
	}
	if err := g.tasks.UpdateStatusCAS(ctx, taskID, t.Status, target, updates); err != nil {
		return nil, err
	}
	t, err = g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.logger.Info("task closed", "task_id", taskID, "status", target, "commit", commitSHA)
	g.notify(t, protocol.EventTaskUpdated)
	return t, nil
}

// Approve resolves the review gate, moving pending_review to completed.
// Approval transitions status only; worktree merge is a separate operation.
func (g *Graph) Approve(ctx context.Context, taskID string) (*store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := g.depsCompleted(ctx, t); err != nil {
		return nil, err
	}
	if err := g.tasks.UpdateStatusCAS(ctx, taskID, store.TaskPendingReview, store.TaskCompleted,
		map[string]any{"pending_review_at": nil}); err != nil {
		return nil, err
	}
	t, err = g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.notify(t, protocol.EventTaskUpdated)
	return t, nil
}

// Reopen sends a reviewed task back to in_progress and clears its commit.
func (g *Graph) Reopen(ctx context.Context, taskID, reason string) (*store.TaskData, error) {
	err := g.tasks.UpdateStatusCAS(ctx, taskID, store.TaskPendingReview, store.TaskInProgress,
		map[string]any{"commit_sha": "", "pending_review_at": nil})
	if err != nil {
		return nil, err
	}
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.logger.Info("task reopened", "task_id", taskID, "reason", reason)
	g.notify(t, protocol.EventTaskUpdated)
	return t, nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Passed    bool   `json:"passed"`
	Feedback  string `json:"feedback,omitempty"`
	FailCount int    `json:"fail_count"`
	Escalated bool   `json:"escalated"`
}

// Validate runs the external validator against the task's criteria. Failures
// increment validation_fail_count; reaching the limit escalates the task.
func (g *Graph) Validate(ctx context.Context, taskID string) (*ValidationResult, error) {
	if g.validator == nil {
		return nil, fmt.Errorf("no validator configured: %w", store.ErrInvalidState)
	}
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	passed, feedback, err := g.validator.Validate(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}
	res := &ValidationResult{Passed: passed, Feedback: feedback, FailCount: t.ValidationFailCount}
	if passed {
		return res, nil
	}

	res.FailCount = t.ValidationFailCount + 1
	updates := map[string]any{"validation_fail_count": res.FailCount}
	if err := g.tasks.Update(ctx, taskID, updates); err != nil {
		return nil, err
	}

	if res.FailCount >= g.escalateLimit && t.Status != store.TaskEscalated {
		if canTransition(t.Status, store.TaskEscalated) {
			if err := g.tasks.UpdateStatusCAS(ctx, taskID, t.Status, store.TaskEscalated, nil); err == nil {
				res.Escalated = true
				g.logger.Warn("task escalated", "task_id", taskID, "fail_count", res.FailCount)
				if updated, gerr := g.tasks.Get(ctx, taskID); gerr == nil {
					g.notify(updated, protocol.EventTaskEscalated)
				}
			}
		}
	}
	return res, nil
}

// ReleaseSession unassigns every task held by a session, e.g. when the
// session ends or its agent is killed. Claimed tasks go back to pending so
// they re-enter the ready set.
func (g *Graph) ReleaseSession(ctx context.Context, sessionID string) error {
	claimed, err := g.tasks.List(ctx, store.TaskListOpts{Status: store.TaskInProgress})
	if err != nil {
		return err
	}
	for i := range claimed {
		t := &claimed[i]
		if t.AssignedSessionID == nil || *t.AssignedSessionID != sessionID {
			continue
		}
		err := g.tasks.UpdateStatusCAS(ctx, t.ID, store.TaskInProgress, store.TaskPending,
			map[string]any{"assigned_session_id": nil})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		if released, err := g.tasks.Get(ctx, t.ID); err == nil {
			g.notify(released, protocol.EventTaskUpdated)
		}
	}
	return g.tasks.ClearAssignee(ctx, sessionID)
}

// WatchAgents subscribes the graph to agent and session lifecycle events so
// tasks held by a dead agent are released without waiting for a sweep.
func (g *Graph) WatchAgents(events bus.EventPublisher) {
	events.Subscribe("tasks-graph", func(ev bus.Event) {
		var sessionID string
		switch ev.Name {
		case protocol.EventAgentKilled, protocol.EventAgentFailed,
			protocol.EventAgentCrashed, protocol.EventAgentCompleted:
			lc, ok := ev.Payload.(bus.AgentLifecycle)
			if !ok {
				return
			}
			sessionID = lc.ChildSessionID
		case protocol.EventSessionEnded:
			if p, ok := ev.Payload.(map[string]string); ok {
				sessionID = p["session_id"]
			}
		default:
			return
		}
		if sessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.ReleaseSession(ctx, sessionID); err != nil {
			g.logger.Warn("task release after session exit failed",
				"session_id", sessionID, "error", err)
		}
	})
}

// TreeComplete reports whether a task and all its descendants are completed.
// Exposed to workflow conditions as task_tree_complete(task_id).
func (g *Graph) TreeComplete(ctx context.Context, taskID string) (bool, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != store.TaskCompleted {
		return false, nil
	}
	children, err := g.tasks.List(ctx, store.TaskListOpts{ParentID: taskID})
	if err != nil {
		return false, err
	}
	for _, c := range children {
		done, err := g.TreeComplete(ctx, c.ID)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

func (g *Graph) notify(t *store.TaskData, event string) {
	projectID := ""
	if t.ProjectID != nil {
		projectID = *t.ProjectID
	}
	g.events.Broadcast(bus.Event{Name: event, Payload: bus.TaskChange{
		TaskID:    t.ID,
		ProjectID: projectID,
		Status:    t.Status,
	}})
}
