package tools

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/worktrees"
)

// RegisterWorktreeTools wires the worktrees/ namespace.
func RegisterWorktreeTools(r *Registry, mgr *worktrees.Manager, reg *agents.Registry) {
	r.Register("worktrees/create_worktree", "Create an isolated worktree or clone for a task",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			wt, err := mgr.Create(ctx, worktrees.CreateOpts{
				ProjectID:  argString(args, "project_id"),
				TaskID:     argString(args, "task_id"),
				BaseBranch: argString(args, "base_branch"),
				Isolation:  argString(args, "isolation"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("created %s at %s", wt.ID, wt.Path), wt)
		})

	r.Register("worktrees/list_worktrees", "List worktrees for a project",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := mgr.List(ctx, argString(args, "project_id"), argString(args, "status"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d worktrees", len(list)), list)
		})

	r.Register("worktrees/claim_worktree", "Claim exclusive ownership of a worktree",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := mgr.Claim(ctx, argString(args, "worktree_id"), sessionID); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("worktree claimed")
		})

	r.Register("worktrees/release_worktree", "Release a worktree this session owns",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := mgr.Release(ctx, argString(args, "worktree_id"), sessionID); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("worktree released")
		})

	r.Register("worktrees/delete_worktree", "Delete an unowned worktree and its branch",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := mgr.Delete(ctx, argString(args, "worktree_id")); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("worktree deleted")
		})

	r.Register("worktrees/sync_worktree_from_main", "Merge the base branch into a worktree",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := mgr.SyncFromMain(ctx, argString(args, "worktree_id")); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("worktree synced")
		})

	r.Register("worktrees/detect_stale_worktrees", "Mark long-unused unowned worktrees stale",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			stale, err := mgr.DetectStale(ctx, argString(args, "project_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d stale worktrees", len(stale)), stale)
		})

	r.Register("worktrees/cleanup_stale_worktrees", "Delete every stale worktree in a project",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			n, err := mgr.CleanupStale(ctx, argString(args, "project_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("removed %d worktrees", n), map[string]any{"removed": n})
		})

	r.Register("worktrees/spawn_agent_in_worktree", "Spawn a child agent inside a fresh worktree",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			wt, err := mgr.Provision(ctx, argString(args, "project_id"),
				argString(args, "task_id"), sessionID, argString(args, "isolation"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			res, err := reg.Spawn(ctx, agents.SpawnOpts{
				ParentSessionID: sessionID,
				Provider:        argString(args, "provider"),
				Mode:            argString(args, "mode"),
				Workflow:        argString(args, "workflow"),
				TaskID:          argString(args, "task_id"),
				Prompt:          argString(args, "prompt"),
				WorktreeID:      wt.ID,
				TimeoutSec:      argInt(args, "timeout_sec"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(
				fmt.Sprintf("spawned run %s in worktree %s", res.RunID, wt.ID),
				map[string]any{"run": res, "worktree": wt})
		})
}
