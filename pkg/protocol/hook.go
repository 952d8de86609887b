package protocol

// Canonical hook event types. Every CLI adapter normalizes into one of these.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventBeforeAgent      = "before_agent"
	EventAfterAgent       = "after_agent"
	EventBeforeTool       = "before_tool"
	EventAfterTool        = "after_tool"
	EventPreCompact       = "pre_compact"
	EventStop             = "stop"
	EventUserPromptSubmit = "user_prompt_submit"
)

// Hook sources (the CLI flavor that emitted the event).
const (
	SourceClaude    = "claude"
	SourceGemini    = "gemini"
	SourceCodex     = "codex"
	SourceClaudeSDK = "claude_sdk"
	SourceGeneric   = "generic"
)

// Hook decisions.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// HookEvent is the canonical event evaluated by the workflow engine.
// Adapters in internal/hooks translate each CLI's native payload into this.
type HookEvent struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
}

// ToolName returns data.tool_name if present (before_tool/after_tool events).
func (e *HookEvent) ToolName() string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data["tool_name"].(string); ok {
		return v
	}
	return ""
}

// HookResponse is returned to the CLI after evaluation.
type HookResponse struct {
	Decision string `json:"decision"` // "allow" or "block"
	Context  string `json:"context,omitempty"`
	Message  string `json:"message,omitempty"`

	// VariablesUpdated lists variable writes applied during this evaluation,
	// keyed by "<workflow>.<name>" or "session.<name>". Diagnostics only.
	VariablesUpdated map[string]any `json:"variables_updated,omitempty"`

	// Action carries a daemon instruction to a well-behaved agent,
	// e.g. "terminate" for cooperative self-termination.
	Action string `json:"action,omitempty"`
}

// Allowed reports whether the response permits the gated action.
func (r *HookResponse) Allowed() bool { return r.Decision != DecisionBlock }
