package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// evalContext is the per-event evaluation scope. variables.* rebinds to the
// iterating workflow's store; everything else is stable for the event.
type evalContext struct {
	ctx     context.Context
	engine  *Engine
	event   *protocol.HookEvent
	session *store.SessionData

	// sessionVars is the shared per-session map; sessionDirty collects
	// writes to flush after the evaluation.
	sessionVars  map[string]any
	sessionDirty map[string]any

	// current instance binding, swapped as workflows iterate.
	inst *instanceState
}

func (ec *evalContext) bind(inst *instanceState) { ec.inst = inst }

// Resolve implements Scope.
func (ec *evalContext) Resolve(name string) (any, bool) {
	switch {
	case strings.HasPrefix(name, "variables."):
		if ec.inst == nil {
			return nil, false
		}
		v, ok := ec.inst.data.Variables[name[len("variables."):]]
		return v, ok
	case strings.HasPrefix(name, "session."):
		v, ok := ec.sessionVars[name[len("session."):]]
		return v, ok
	case strings.HasPrefix(name, "event.data."):
		// Missing event fields resolve to null so guards can compare
		// against it without erroring.
		v, _ := lookupPath(ec.event.Data, name[len("event.data."):])
		return v, true
	}

	switch name {
	case "event", "event_type":
		return ec.event.EventType, true
	case "session_id":
		return ec.session.ID, true
	case "source":
		return ec.event.Source, true
	case "agent_depth":
		return ec.session.AgentDepth, true
	case "tool_name":
		return ec.event.ToolName(), true
	case "current_step":
		if ec.inst == nil || ec.inst.data.CurrentStep == nil {
			return "", true
		}
		return *ec.inst.data.CurrentStep, true
	}

	if strings.HasPrefix(name, "tool_input.") {
		if input, ok := ec.event.Data["tool_input"].(map[string]any); ok {
			return lookupPath(input, name[len("tool_input."):])
		}
		return nil, false
	}

	v, ok := ec.event.Data[name]
	return v, ok
}

// Call implements Scope, dispatching to registered condition functions.
func (ec *evalContext) Call(fn string, args []any) (any, error) {
	f, ok := ec.engine.condFuncs[fn]
	if !ok {
		return nil, fmt.Errorf("unknown function: %s", fn)
	}
	return f(ec, args)
}

// setVar writes to the current workflow's store.
func (ec *evalContext) setVar(name string, value any) {
	if ec.inst == nil {
		return
	}
	if ec.inst.data.Variables == nil {
		ec.inst.data.Variables = map[string]any{}
	}
	ec.inst.data.Variables[name] = value
	ec.inst.dirty = true
}

// setSessionVar writes to the shared session map.
func (ec *evalContext) setSessionVar(name string, value any) {
	ec.sessionVars[name] = value
	ec.sessionDirty[name] = value
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// condFunc is a condition function callable from guard expressions.
type condFunc func(ec *evalContext, args []any) (any, error)

func builtinCondFuncs() map[string]condFunc {
	return map[string]condFunc{
		// user_says("deploy") matches the prompt text case-insensitively.
		"user_says": func(ec *evalContext, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("user_says takes one argument")
			}
			keyword, _ := args[0].(string)
			prompt, _ := ec.event.Data["prompt"].(string)
			if prompt == "" {
				prompt, _ = ec.event.Data["message"].(string)
			}
			return strings.Contains(strings.ToLower(prompt), strings.ToLower(keyword)), nil
		},

		// is_test_file(tool_input.file_path)
		"is_test_file": func(_ *evalContext, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("is_test_file takes one argument")
			}
			path, _ := args[0].(string)
			base := path
			if i := strings.LastIndexByte(base, '/'); i >= 0 {
				base = base[i+1:]
			}
			return strings.HasSuffix(base, "_test.go") ||
				strings.HasPrefix(base, "test_") ||
				strings.Contains(base, ".test.") ||
				strings.Contains(base, ".spec."), nil
		},

		// task_tree_complete(task_id)
		"task_tree_complete": func(ec *evalContext, args []any) (any, error) {
			if ec.engine.tasks == nil {
				return false, fmt.Errorf("task queries not configured")
			}
			if len(args) != 1 {
				return nil, fmt.Errorf("task_tree_complete takes one argument")
			}
			id, _ := args[0].(string)
			return ec.engine.tasks.TreeComplete(ec.ctx, id)
		},

		// has_unread_messages()
		"has_unread_messages": func(ec *evalContext, args []any) (any, error) {
			if ec.engine.inbox == nil {
				return false, nil
			}
			n, err := ec.engine.inbox.UnreadCount(ec.ctx, ec.session.ID)
			return n > 0, err
		},

		// stop_requested()
		"stop_requested": func(ec *evalContext, _ []any) (any, error) {
			if ec.engine.stops == nil {
				return false, nil
			}
			return ec.engine.stops.Peek(ec.session.ID), nil
		},

		// variables.get('X') routes to the workflow store first and falls
		// back to the session store. Kept for older definitions; guards
		// should use variables.X / session.X instead.
		"variables.get": func(ec *evalContext, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("variables.get takes one argument")
			}
			name, _ := args[0].(string)
			if ec.inst != nil {
				if v, ok := ec.inst.data.Variables[name]; ok {
					return v, nil
				}
			}
			ec.engine.logger.Debug("variables.get fell back to session scope",
				"name", name, "workflow", ec.workflowName())
			if v, ok := ec.sessionVars[name]; ok {
				return v, nil
			}
			return nil, nil
		},
	}
}

func (ec *evalContext) workflowName() string {
	if ec.inst == nil {
		return ""
	}
	return ec.inst.data.WorkflowName
}
