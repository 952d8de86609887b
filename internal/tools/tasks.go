package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/internal/tasks"
)

// RegisterTaskTools wires the tasks/ namespace onto the registry.
func RegisterTaskTools(r *Registry, graph *tasks.Graph) {
	r.Register("tasks/create_task", "Create a task in the project task graph",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Create(ctx, tasks.CreateOpts{
				Title:              argString(args, "title"),
				Description:        argString(args, "description"),
				ProjectID:          argString(args, "project_id"),
				Priority:           argInt(args, "priority"),
				ParentTaskID:       argString(args, "parent_task_id"),
				DependsOn:          argStrings(args, "depends_on"),
				Category:           argString(args, "category"),
				ValidationCriteria: argString(args, "validation_criteria"),
				ReferenceDoc:       argString(args, "reference_doc"),
				CreatedInSessionID: sessionID,
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("created task %s (#%d)", t.ID, t.SeqNum), t)
		})

	r.Register("tasks/get_task", "Fetch one task by id",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Get(ctx, argString(args, "task_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(jsonText(t), t)
		})

	r.Register("tasks/list_tasks", "List tasks filtered by project, status, or parent",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := graph.List(ctx, store.TaskListOpts{
				ProjectID: argString(args, "project_id"),
				Status:    argString(args, "status"),
				ParentID:  argString(args, "parent_id"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d tasks", len(list)), list)
		})

	r.Register("tasks/update_task", "Change a task's status or dependencies",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			taskID := argString(args, "task_id")
			if deps := argStrings(args, "depends_on"); deps != nil {
				t, err := graph.SetDependencies(ctx, taskID, deps)
				if err != nil {
					return ErrorResult("").WithError(err)
				}
				return DataResult("dependencies updated", t)
			}
			status := argString(args, "status")
			if status == "" {
				return ErrorResult("update_task needs status or depends_on").
					WithError(store.ErrInvalidState)
			}
			t, err := graph.UpdateStatus(ctx, taskID, status, sessionID)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("task is now "+t.Status, t)
		})

	r.Register("tasks/delete_task", "Delete a task",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := graph.Delete(ctx, argString(args, "task_id")); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("task deleted")
		})

	r.Register("tasks/claim_task", "Claim a ready task for this session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Claim(ctx, argString(args, "task_id"), sessionID)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("claimed "+t.ID, t)
		})

	r.Register("tasks/list_ready_tasks", "List tasks whose dependencies are all satisfied",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			ready, err := graph.Ready(ctx, argString(args, "project_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d ready tasks", len(ready)), ready)
		})

	r.Register("tasks/suggest_next_task", "Suggest the next task this session should work on",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.SuggestNext(ctx, sessionID, argBool(args, "prefer_subtasks"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if t == nil {
				return NewResult("no ready tasks")
			}
			return DataResult("suggested "+t.ID+": "+t.Title, t)
		})

	r.Register("tasks/close_task", "Close a task; agent closes land in pending_review",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Close(ctx, argString(args, "task_id"),
				argString(args, "commit_sha"), sessionID, argBool(args, "override_review"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("task is now "+t.Status, t)
		})

	r.Register("tasks/approve_task", "Approve a task waiting in pending_review",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Approve(ctx, argString(args, "task_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("task approved", t)
		})

	r.Register("tasks/reopen_task", "Send a reviewed task back to in_progress",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Reopen(ctx, argString(args, "task_id"), argString(args, "reason"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("task reopened", t)
		})

	r.Register("tasks/validate_task", "Run the task's validation criteria",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			vr, err := graph.Validate(ctx, argString(args, "task_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if vr.Passed {
				return DataResult("validation passed", vr)
			}
			return DataResult("validation failed: "+vr.Feedback, vr)
		})

	r.Register("tasks/wait_for_task", "Block until a task settles or the timeout passes",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			res, err := graph.WaitForTask(ctx, argString(args, "task_id"), waitTimeout(args))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(waitSummary([]tasks.WaitResult{*res}), res)
		})

	r.Register("tasks/wait_for_any_task", "Block until any listed task settles",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			res, err := graph.WaitForAnyTask(ctx, argStrings(args, "task_ids"), waitTimeout(args))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(waitSummary(res), res)
		})

	r.Register("tasks/wait_for_all_tasks", "Block until every listed task settles",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			res, err := graph.WaitForAllTasks(ctx, argStrings(args, "task_ids"), waitTimeout(args))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(waitSummary(res), res)
		})

	r.Register("tasks/parse_spec", "Turn a markdown checklist into a task tree",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			created, err := graph.ParseSpec(ctx, argString(args, "project_id"),
				argString(args, "reference_doc"), argString(args, "markdown"), sessionID)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("created %d tasks", len(created)), created)
		})

	r.Register("tasks/enrich_task", "Enrich a task description via the configured enricher",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.Enrich(ctx, argString(args, "task_id"), argBool(args, "force"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("task enriched", t)
		})

	r.Register("tasks/expand_task", "Expand a task into dependent subtasks",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			subs, err := graph.Expand(ctx, argString(args, "task_id"), argBool(args, "force"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d subtasks", len(subs)), subs)
		})

	r.Register("tasks/apply_tdd", "Rewrite a task plan in test-first order",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			t, err := graph.ApplyTDD(ctx, argString(args, "task_id"), argBool(args, "force"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("tdd plan applied", t)
		})
}

func waitTimeout(args map[string]any) time.Duration {
	return time.Duration(argInt(args, "timeout_sec")) * time.Second
}

func waitSummary(results []tasks.WaitResult) string {
	for _, r := range results {
		if r.TimedOut {
			return "timed out waiting"
		}
	}
	return fmt.Sprintf("%d tasks settled", len(results))
}
