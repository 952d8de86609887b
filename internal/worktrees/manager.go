// Package worktrees manages isolated filesystem workspaces for agents. Two
// isolation modes exist: a git worktree sharing the project's object store,
// and a flat clone for CLIs that misbehave inside worktrees.
package worktrees

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// Manager creates, claims, and reconciles worktrees.
type Manager struct {
	cfg    *config.Config
	store  store.WorktreeStore
	events bus.EventPublisher
	logger *slog.Logger

	// git runs a git invocation in dir. Swappable in tests.
	git func(ctx context.Context, dir string, args ...string) (string, error)
}

func NewManager(cfg *config.Config, st store.WorktreeStore, events bus.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, store: st, events: events, logger: logger, git: runGit}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateOpts describes a new worktree. ProjectID is the project's root path.
type CreateOpts struct {
	ProjectID  string
	TaskID     string
	BaseBranch string // defaults to the project's current branch
	Isolation  string // worktree | clone, defaults to worktree
}

// Create makes the branch and filesystem workspace and records the row.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*store.WorktreeData, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("worktree needs a project: %w", store.ErrInvalidState)
	}
	if opts.Isolation == "" {
		opts.Isolation = store.IsolationWorktree
	}

	base := opts.BaseBranch
	if base == "" {
		branch, err := m.git(ctx, opts.ProjectID, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, err
		}
		base = branch
	}

	id := store.NewID(store.PrefixWorktree)
	branch := m.cfg.Worktrees.BranchPrefix + strings.TrimPrefix(id, store.PrefixWorktree+"-")
	path := filepath.Join(m.cfg.WorktreeRoot(), filepath.Base(opts.ProjectID)+"-"+strings.TrimPrefix(id, store.PrefixWorktree+"-"))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	switch opts.Isolation {
	case store.IsolationWorktree:
		if _, err := m.git(ctx, opts.ProjectID, "worktree", "add", "-b", branch, path, base); err != nil {
			return nil, err
		}
	case store.IsolationClone:
		if _, err := m.git(ctx, "", "clone", "--branch", base, opts.ProjectID, path); err != nil {
			return nil, err
		}
		if _, err := m.git(ctx, path, "checkout", "-b", branch); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("isolation %q: %w", opts.Isolation, store.ErrInvalidState)
	}

	w := &store.WorktreeData{
		ID:            id,
		ProjectID:     opts.ProjectID,
		BranchName:    branch,
		Path:          path,
		BaseBranch:    base,
		Status:        store.WorktreeActive,
		IsolationMode: opts.Isolation,
	}
	if opts.TaskID != "" {
		w.TaskID = &opts.TaskID
	}
	if err := m.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("record worktree: %w", err)
	}

	m.logger.Info("worktree created",
		"worktree_id", id, "branch", branch, "isolation", opts.Isolation)
	m.events.Broadcast(bus.Event{Name: protocol.EventWorktreeCreated, Payload: w})
	return w, nil
}

// Provision creates a worktree and claims it for the session in one step.
// The agent spawner uses this for terminal and embedded modes.
func (m *Manager) Provision(ctx context.Context, projectID, taskID, sessionID, isolation string) (*store.WorktreeData, error) {
	w, err := m.Create(ctx, CreateOpts{ProjectID: projectID, TaskID: taskID, Isolation: isolation})
	if err != nil {
		return nil, err
	}
	if err := m.store.Claim(ctx, w.ID, sessionID); err != nil {
		return nil, err
	}
	w.AgentSessionID = &sessionID
	return w, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.WorktreeData, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, projectID, status string) ([]store.WorktreeData, error) {
	return m.store.List(ctx, projectID, status)
}

// Claim gives the session exclusive ownership. A second claimant gets
// ErrConflict.
func (m *Manager) Claim(ctx context.Context, id, sessionID string) error {
	return m.store.Claim(ctx, id, sessionID)
}

// Release drops ownership held by the session.
func (m *Manager) Release(ctx context.Context, id, sessionID string) error {
	return m.store.Release(ctx, id, sessionID)
}

// SyncFromMain merges the base branch into the worktree's branch.
func (m *Manager) SyncFromMain(ctx context.Context, id string) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.IsolationMode == store.IsolationClone {
		if _, err := m.git(ctx, w.Path, "fetch", "origin", w.BaseBranch); err != nil {
			return err
		}
		if _, err := m.git(ctx, w.Path, "merge", "origin/"+w.BaseBranch); err != nil {
			return err
		}
	} else {
		if _, err := m.git(ctx, w.Path, "merge", w.BaseBranch); err != nil {
			return err
		}
	}
	return m.store.Update(ctx, id, map[string]any{"status": w.Status})
}

// Delete removes the workspace from disk and git, then drops the row.
func (m *Manager) Delete(ctx context.Context, id string) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.AgentSessionID != nil {
		return fmt.Errorf("worktree %s is owned by %s: %w", id, *w.AgentSessionID, store.ErrConflict)
	}

	if w.IsolationMode == store.IsolationWorktree {
		if _, err := m.git(ctx, w.ProjectID, "worktree", "remove", "--force", w.Path); err != nil {
			m.logger.Warn("worktree remove failed, deleting path directly",
				"worktree_id", id, "error", err)
			os.RemoveAll(w.Path)
		}
		if _, err := m.git(ctx, w.ProjectID, "branch", "-D", w.BranchName); err != nil {
			m.logger.Warn("branch delete failed", "worktree_id", id, "error", err)
		}
	} else {
		if err := os.RemoveAll(w.Path); err != nil {
			return err
		}
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("worktree deleted", "worktree_id", id)
	return nil
}

// DetectStale marks unowned worktrees idle past the configured window and
// returns them. Owned worktrees are never stale while claimed.
func (m *Manager) DetectStale(ctx context.Context, projectID string) ([]store.WorktreeData, error) {
	hours := m.cfg.Worktrees.StaleAfterHours
	if hours <= 0 {
		hours = 72
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	active, err := m.store.List(ctx, projectID, store.WorktreeActive)
	if err != nil {
		return nil, err
	}
	var stale []store.WorktreeData
	for _, w := range active {
		if w.AgentSessionID != nil || w.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.store.Update(ctx, w.ID, map[string]any{"status": store.WorktreeStale}); err != nil {
			m.logger.Warn("stale mark failed", "worktree_id", w.ID, "error", err)
			continue
		}
		w.Status = store.WorktreeStale
		stale = append(stale, w)
		m.events.Broadcast(bus.Event{Name: protocol.EventWorktreeStale, Payload: w})
	}
	return stale, nil
}

// CleanupStale deletes every stale worktree for the project and reports how
// many were removed.
func (m *Manager) CleanupStale(ctx context.Context, projectID string) (int, error) {
	stale, err := m.store.List(ctx, projectID, store.WorktreeStale)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, w := range stale {
		if err := m.Delete(ctx, w.ID); err != nil {
			m.logger.Warn("stale cleanup failed", "worktree_id", w.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
