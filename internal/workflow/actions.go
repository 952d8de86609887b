package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobby-dev/gobby/pkg/protocol"
)

// actionOutcome is what one executed rule contributes to the event response.
type actionOutcome struct {
	block        bool
	blockMessage string
	context      string
	message      string
	terminate    bool
}

// actionFunc executes one workflow action. Errors are isolated per rule by
// the engine; they never flip an accumulated block decision.
type actionFunc func(ec *evalContext, params map[string]any) (*actionOutcome, error)

func (e *Engine) builtinActions() map[string]actionFunc {
	return map[string]actionFunc{
		"inject_context":          actInjectContext,
		"inject_message":          actInjectMessage,
		"block_tools":             actBlockTools,
		"block_stop":              actBlockStop,
		"set_variable":            actSetVariable,
		"set_session_variable":    actSetSessionVariable,
		"call_mcp_tool":           e.actCallTool,
		"run_pipeline":            e.actRunPipeline,
		"activate_workflow":       e.actActivateWorkflow,
		"end_workflow":            e.actEndWorkflow,
		"extract_handoff_context": e.actExtractHandoff,
		"memory_recall":           e.actMemoryRecall,
		"remember":                e.actRemember,
		"track_progress":          actTrackProgress,
		"check_stop_signal":       e.actCheckStopSignal,
	}
}

func paramString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func actInjectContext(_ *evalContext, params map[string]any) (*actionOutcome, error) {
	content := paramString(params, "content")
	if content == "" {
		content = paramString(params, "context")
	}
	if content == "" {
		return nil, fmt.Errorf("inject_context needs content")
	}
	return &actionOutcome{context: content}, nil
}

func actInjectMessage(_ *evalContext, params map[string]any) (*actionOutcome, error) {
	content := paramString(params, "content")
	if content == "" {
		content = paramString(params, "message")
	}
	if content == "" {
		return nil, fmt.Errorf("inject_message needs content")
	}
	return &actionOutcome{message: content}, nil
}

// actBlockTools blocks the current tool call when the tool matches the
// rule's list (or always, with no list).
func actBlockTools(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	tool := ec.event.ToolName()
	msg := paramString(params, "message")
	if msg == "" {
		msg = "tool blocked by workflow"
	}

	raw, ok := params["tools"]
	if !ok {
		return &actionOutcome{block: true, blockMessage: msg}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("block_tools: tools must be a list")
	}
	for _, t := range list {
		name, _ := t.(string)
		if name == tool || name == "*" {
			return &actionOutcome{block: true, blockMessage: msg}, nil
		}
	}
	return &actionOutcome{}, nil
}

// actBlockStop keeps an autonomous session going by blocking the stop event.
func actBlockStop(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	if ec.event.EventType != protocol.EventStop {
		return &actionOutcome{}, nil
	}
	msg := paramString(params, "message")
	if msg == "" {
		msg = "continue working: the workflow has unfinished state"
	}
	return &actionOutcome{block: true, blockMessage: msg}, nil
}

func actSetVariable(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	name := paramString(params, "name")
	if name == "" {
		return nil, fmt.Errorf("set_variable needs name")
	}
	ec.setVar(name, params["value"])
	return &actionOutcome{}, nil
}

func actSetSessionVariable(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	name := paramString(params, "name")
	if name == "" {
		return nil, fmt.Errorf("set_session_variable needs name")
	}
	ec.setSessionVar(name, params["value"])
	return &actionOutcome{}, nil
}

func (e *Engine) actCallTool(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	if e.tools == nil {
		return nil, fmt.Errorf("tool invoker not configured")
	}
	name := paramString(params, "tool")
	if name == "" {
		return nil, fmt.Errorf("call_mcp_tool needs tool")
	}
	args, _ := params["arguments"].(map[string]any)

	result, err := e.tools.Invoke(ec.ctx, ec.session.ID, name, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	if into := paramString(params, "result_variable"); into != "" {
		ec.setVar(into, result)
	}
	return &actionOutcome{}, nil
}

func (e *Engine) actRunPipeline(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	if e.pipelines == nil {
		return nil, fmt.Errorf("pipeline runner not configured")
	}
	name := paramString(params, "pipeline")
	if name == "" {
		return nil, fmt.Errorf("run_pipeline needs pipeline")
	}
	vars, _ := params["variables"].(map[string]any)

	result, err := e.pipelines.Run(ec.ctx, name, ec.session.ID, vars)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}
	into := paramString(params, "result_variable")
	if into == "" {
		into = "pipeline_result"
	}
	ec.setVar(into, result)
	return &actionOutcome{}, nil
}

func (e *Engine) actActivateWorkflow(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	name := paramString(params, "workflow")
	if name == "" {
		return nil, fmt.Errorf("activate_workflow needs workflow")
	}
	vars, _ := params["variables"].(map[string]any)
	if _, err := e.Activate(ec.ctx, ec.session.ID, name, vars); err != nil {
		return nil, err
	}
	return &actionOutcome{}, nil
}

func (e *Engine) actEndWorkflow(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	name := paramString(params, "workflow")
	if name == "" {
		name = ec.workflowName()
	}
	if err := e.End(ec.ctx, ec.session.ID, name); err != nil {
		return nil, err
	}
	if name == ec.workflowName() && ec.inst != nil {
		ec.inst.data.Enabled = false
		ec.inst.dirty = true
	}
	return &actionOutcome{}, nil
}

// actExtractHandoff saves compacted context for a successor session. The
// content comes from the pre_compact payload or an explicit param.
func (e *Engine) actExtractHandoff(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	md := paramString(params, "content")
	if md == "" {
		md, _ = ec.event.Data["summary_markdown"].(string)
	}
	if md == "" {
		md, _ = ec.event.Data["transcript_summary"].(string)
	}
	if md == "" {
		return nil, fmt.Errorf("no handoff content available")
	}
	if err := e.sessions.SaveHandoff(ec.ctx, ec.session.ID, md); err != nil {
		return nil, err
	}
	return &actionOutcome{}, nil
}

const memoryVar = "_memory"

func (e *Engine) actRemember(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	content := paramString(params, "content")
	if content == "" {
		return nil, fmt.Errorf("remember needs content")
	}
	notes, _ := ec.sessionVars[memoryVar].([]any)
	notes = append(notes, fmt.Sprintf("[%s] %s", time.Now().Format("15:04"), content))
	ec.setSessionVar(memoryVar, notes)
	return &actionOutcome{}, nil
}

func (e *Engine) actMemoryRecall(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	query := strings.ToLower(paramString(params, "query"))
	notes, _ := ec.sessionVars[memoryVar].([]any)
	if len(notes) == 0 {
		return &actionOutcome{}, nil
	}

	var matched []string
	for _, n := range notes {
		s, _ := n.(string)
		if query == "" || strings.Contains(strings.ToLower(s), query) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return &actionOutcome{}, nil
	}
	return &actionOutcome{context: "Recalled notes:\n" + strings.Join(matched, "\n")}, nil
}

// actTrackProgress bumps a counter variable, defaulting to "progress".
func actTrackProgress(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	name := paramString(params, "name")
	if name == "" {
		name = "progress"
	}
	cur := 0.0
	if v, ok := ec.inst.data.Variables[name]; ok {
		if f, ok := toFloat64(v); ok {
			cur = f
		}
	}
	ec.setVar(name, cur+1)
	return &actionOutcome{}, nil
}

// actCheckStopSignal drains a pending stop and, when one exists, blocks the
// event with the stop reason so the loop winds down.
func (e *Engine) actCheckStopSignal(ec *evalContext, params map[string]any) (*actionOutcome, error) {
	if e.stops == nil {
		return &actionOutcome{}, nil
	}
	sig, ok := e.stops.Check(ec.session.ID)
	if !ok {
		return &actionOutcome{}, nil
	}
	msg := sig.Reason
	if msg == "" {
		msg = "stop requested"
	}
	return &actionOutcome{block: true, blockMessage: "stopping: " + msg, terminate: true}, nil
}
