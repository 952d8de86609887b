package tools

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/messaging"
	"github.com/gobby-dev/gobby/internal/store"
)

// RegisterAgentTools wires the agents/ namespace: spawning, lifecycle, and
// the inter-session message verbs that ride on the parent/child lineage.
func RegisterAgentTools(r *Registry, reg *agents.Registry, msgs *messaging.Service) {
	r.Register("agents/start_agent", "Spawn a child agent session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			res, err := reg.Spawn(ctx, agents.SpawnOpts{
				ParentSessionID:    sessionID,
				Provider:           argString(args, "provider"),
				Mode:               argString(args, "mode"),
				Workflow:           argString(args, "workflow"),
				TaskID:             argString(args, "task_id"),
				Prompt:             argString(args, "prompt"),
				WorktreeID:         argString(args, "worktree_id"),
				SessionContextMode: argString(args, "session_context"),
				Variables:          argMap(args, "variables"),
				TimeoutSec:         argInt(args, "timeout_sec"),
				IsolationOverride:  argString(args, "isolation"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(
				fmt.Sprintf("spawned run %s (session %s)", res.RunID, res.SessionID), res)
		})

	r.Register("agents/kill_agent", "Force-stop a running agent",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			kr, err := reg.Kill(ctx, argString(args, "run_id"), argInt(args, "timeout_sec"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if kr.AlreadyDead {
				return DataResult("run already finished as "+kr.Status, kr)
			}
			return DataResult("run killed", kr)
		})

	r.Register("agents/cancel_agent", "Cancel a running agent without marking it failed",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			kr, err := reg.Cancel(ctx, argString(args, "run_id"), argInt(args, "timeout_sec"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("run cancelled", kr)
		})

	r.Register("agents/list_agents", "List agent runs spawned by this session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			runs, err := reg.List(ctx, store.AgentRunListOpts{
				ParentSessionID: sessionID,
				Status:          argString(args, "status"),
				Limit:           argInt(args, "limit"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d runs", len(runs)), runs)
		})

	r.Register("agents/get_agent_result", "Fetch the result payload of a finished run",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			data, err := reg.Result(ctx, argString(args, "run_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(jsonText(data), data)
		})

	r.Register("agents/complete", "Report this agent's work as done with a structured result",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			result := argMap(args, "result")
			if result == nil {
				result = map[string]any{"summary": argString(args, "summary")}
			}
			if err := reg.Complete(ctx, sessionID, result); err != nil {
				return ErrorResult("").WithError(err)
			}
			return &Result{ForLLM: "run marked completed", Action: "terminate"}
		})

	r.Register("agents/send_to_parent", "Send a message up to the spawning session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			m, err := msgs.SendToParent(ctx, sessionID,
				argString(args, "content"), argString(args, "priority"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("sent "+m.ID, m)
		})

	r.Register("agents/send_to_child", "Send a message down to a spawned child session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			m, err := msgs.SendToChild(ctx, sessionID, argString(args, "session_id"),
				argString(args, "content"), argString(args, "priority"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("sent "+m.ID, m)
		})

	r.Register("agents/broadcast_to_children", "Send a message to every live child session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			runs, err := reg.List(ctx, store.AgentRunListOpts{
				ParentSessionID: sessionID,
				Status:          store.RunRunning,
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			sent := 0
			for _, run := range runs {
				if run.ChildSessionID == nil {
					continue
				}
				if _, err := msgs.SendToChild(ctx, sessionID, *run.ChildSessionID,
					argString(args, "content"), argString(args, "priority")); err == nil {
					sent++
				}
			}
			return DataResult(fmt.Sprintf("delivered to %d children", sent),
				map[string]any{"delivered": sent})
		})

	r.Register("agents/send_message", "Send a direct message to any session in the project",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			m, err := msgs.Send(ctx, sessionID, argString(args, "to_session"),
				argString(args, "content"), argString(args, "priority"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("sent "+m.ID, m)
		})

	r.Register("agents/poll_messages", "Fetch messages addressed to this session, urgent first",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			unreadOnly := true
			if v, ok := args["unread_only"].(bool); ok {
				unreadOnly = v
			}
			list, err := msgs.Poll(ctx, sessionID, unreadOnly, argInt(args, "limit"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if len(list) == 0 {
				return SilentResult("no messages")
			}
			return DataResult(fmt.Sprintf("%d messages", len(list)), list)
		})

	r.Register("agents/mark_read", "Mark one inbox message as read",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := msgs.MarkRead(ctx, argString(args, "message_id"), sessionID); err != nil {
				return ErrorResult("").WithError(err)
			}
			return SilentResult("marked read")
		})
}
