package tools

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/workflow"
)

// RegisterWorkflowTools wires the workflows/ namespace onto the engine.
func RegisterWorkflowTools(r *Registry, engine *workflow.Engine) {
	r.Register("workflows/activate_workflow", "Activate a workflow on this session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			inst, err := engine.Activate(ctx, sessionID,
				argString(args, "name"), argMap(args, "variables"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("activated "+inst.WorkflowName, inst)
		})

	r.Register("workflows/end_workflow", "Deactivate a workflow on this session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := engine.End(ctx, sessionID, argString(args, "name")); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("workflow ended")
		})

	r.Register("workflows/set_variable", "Set a variable on an active workflow instance",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			err := engine.SetVariable(ctx, sessionID,
				argString(args, "workflow"), argString(args, "name"), args["value"])
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return SilentResult("variable set")
		})

	r.Register("workflows/set_session_variable", "Set a session-scoped variable visible to all workflows",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			err := engine.SetSessionVariable(ctx, sessionID, argString(args, "name"), args["value"])
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return SilentResult("variable set")
		})

	r.Register("workflows/get_variable", "Read a workflow or session variable",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			v, err := engine.GetVariable(ctx, sessionID,
				argString(args, "workflow"), argString(args, "name"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(jsonText(v), map[string]any{"value": v})
		})

	r.Register("workflows/list_active_workflows", "List workflows active on this session",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := engine.ListActive(ctx, sessionID)
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d active workflows", len(list)), list)
		})
}
