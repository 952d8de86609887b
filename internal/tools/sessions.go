package tools

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/messaging"
	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/internal/tasks"
)

// RegisterSessionTools wires the sessions/ namespace: lookup, handoffs, and
// the message history views.
func RegisterSessionTools(r *Registry, mgr *sessions.Manager, graph *tasks.Graph, msgs *messaging.Service) {
	r.Register("sessions/get_session", "Fetch one session by id",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			s, err := mgr.Get(ctx, argString(args, "session_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(jsonText(s), s)
		})

	r.Register("sessions/get_current_session", "Fetch the calling session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			s, err := mgr.Get(ctx, sessionID)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(jsonText(s), s)
		})

	r.Register("sessions/list_sessions", "List sessions filtered by project or status",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := mgr.List(ctx, store.SessionListOpts{
				ProjectID: argString(args, "project_id"),
				Status:    argString(args, "status"),
				Limit:     argInt(args, "limit"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d sessions", len(list)), list)
		})

	r.Register("sessions/create_handoff", "Save a handoff summary for successor sessions",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			md := argString(args, "markdown")
			if md == "" {
				md = argString(args, "summary")
			}
			if err := mgr.SaveHandoff(ctx, sessionID, md); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("handoff saved")
		})

	r.Register("sessions/get_handoff_context", "Read the handoff summary left by a session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			id := argString(args, "session_id")
			if id == "" {
				id = sessionID
			}
			md, err := mgr.Handoff(ctx, id)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if md == "" {
				return SilentResult("no handoff recorded")
			}
			return DataResult(md, map[string]any{"markdown": md})
		})

	r.Register("sessions/get_session_commits", "List commits recorded by tasks this session closed",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			id := argString(args, "session_id")
			if id == "" {
				id = sessionID
			}
			s, err := mgr.Get(ctx, id)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			opts := store.TaskListOpts{}
			if s.ProjectID != nil {
				opts.ProjectID = *s.ProjectID
			}
			list, err := graph.List(ctx, opts)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			type commit struct {
				TaskID string `json:"task_id"`
				Title  string `json:"title"`
				SHA    string `json:"sha"`
			}
			var commits []commit
			for _, t := range list {
				if t.CommitSHA == "" {
					continue
				}
				if t.AssignedSessionID != nil && *t.AssignedSessionID == id {
					commits = append(commits, commit{TaskID: t.ID, Title: t.Title, SHA: t.CommitSHA})
				}
			}
			return DataResult(fmt.Sprintf("%d commits", len(commits)), commits)
		})

	r.Register("sessions/get_session_messages", "Show this session's recent messages, both directions",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := msgs.History(ctx, sessionID, argInt(args, "limit"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d messages", len(list)), list)
		})

	r.Register("sessions/search_messages", "Search message content across inbox and outbox",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := msgs.Search(ctx, sessionID, argString(args, "query"), argInt(args, "limit"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d matches", len(list)), list)
		})
}
