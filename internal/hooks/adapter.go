// Package hooks normalizes heterogeneous CLI hook payloads into canonical
// events and drives the workflow engine with them.
package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/gobby-dev/gobby/pkg/protocol"
)

// Adapter translates one CLI's native hook payload into a canonical event.
type Adapter interface {
	Translate(payload map[string]any) (*protocol.HookEvent, error)
}

// AdapterFor returns the adapter for a hook source. Unknown sources get the
// generic adapter, which expects payloads already in canonical shape.
func AdapterFor(source string) Adapter {
	switch source {
	case protocol.SourceClaude, protocol.SourceClaudeSDK:
		return claudeAdapter{source: source}
	case protocol.SourceGemini:
		return geminiAdapter{}
	case protocol.SourceCodex:
		return codexAdapter{}
	default:
		return genericAdapter{}
	}
}

// claudeAdapter maps Claude Code's hook_event_name payloads.
type claudeAdapter struct {
	source string
}

var claudeEventNames = map[string]string{
	"SessionStart":     protocol.EventSessionStart,
	"SessionEnd":       protocol.EventSessionEnd,
	"PreToolUse":       protocol.EventBeforeTool,
	"PostToolUse":      protocol.EventAfterTool,
	"UserPromptSubmit": protocol.EventUserPromptSubmit,
	"Stop":             protocol.EventStop,
	"SubagentStop":     protocol.EventStop,
	"PreCompact":       protocol.EventPreCompact,
	"Notification":     protocol.EventAfterAgent,
}

func (a claudeAdapter) Translate(payload map[string]any) (*protocol.HookEvent, error) {
	name, _ := payload["hook_event_name"].(string)
	eventType, ok := claudeEventNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown claude hook event %q", name)
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("claude hook without session_id")
	}

	data := map[string]any{}
	copyKeys(data, payload,
		"tool_name", "tool_input", "tool_response", "prompt",
		"transcript_path", "cwd", "stop_hook_active", "trigger", "message")

	return &protocol.HookEvent{
		EventType: eventType,
		SessionID: sessionID,
		Source:    a.source,
		Data:      data,
	}, nil
}

// geminiAdapter maps Gemini CLI hook payloads. Gemini has no native session
// boundary hooks; the ingress synthesizes them.
type geminiAdapter struct{}

var geminiEventNames = map[string]string{
	"BeforeModel": protocol.EventBeforeAgent,
	"AfterModel":  protocol.EventAfterAgent,
	"BeforeTool":  protocol.EventBeforeTool,
	"AfterTool":   protocol.EventAfterTool,
	"UserPrompt":  protocol.EventUserPromptSubmit,
}

func (geminiAdapter) Translate(payload map[string]any) (*protocol.HookEvent, error) {
	name, _ := payload["event"].(string)
	eventType, ok := geminiEventNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown gemini hook event %q", name)
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("gemini hook without session_id")
	}

	data := map[string]any{}
	copyKeys(data, payload, "prompt", "cwd", "model")
	if tool, ok := payload["tool"].(map[string]any); ok {
		if n, ok := tool["name"].(string); ok {
			data["tool_name"] = n
		}
		if args, ok := tool["args"].(map[string]any); ok {
			data["tool_input"] = args
		}
		if out, ok := tool["output"]; ok {
			data["tool_response"] = out
		}
	}

	return &protocol.HookEvent{
		EventType: eventType,
		SessionID: sessionID,
		Source:    protocol.SourceGemini,
		Data:      data,
	}, nil
}

// codexAdapter maps Codex CLI notification payloads.
type codexAdapter struct{}

var codexEventNames = map[string]string{
	"session.start":   protocol.EventSessionStart,
	"session.end":     protocol.EventSessionEnd,
	"turn.start":      protocol.EventBeforeAgent,
	"turn.end":        protocol.EventAfterAgent,
	"tool.before":     protocol.EventBeforeTool,
	"tool.after":      protocol.EventAfterTool,
	"agent.stopped":   protocol.EventStop,
	"prompt.submit":   protocol.EventUserPromptSubmit,
	"context.compact": protocol.EventPreCompact,
}

func (codexAdapter) Translate(payload map[string]any) (*protocol.HookEvent, error) {
	name, _ := payload["type"].(string)
	eventType, ok := codexEventNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown codex event %q", name)
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		sessionID, _ = payload["conversation_id"].(string)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("codex event without session id")
	}

	data := map[string]any{}
	copyKeys(data, payload, "tool_name", "tool_input", "tool_response", "prompt", "cwd")

	return &protocol.HookEvent{
		EventType: eventType,
		SessionID: sessionID,
		Source:    protocol.SourceCodex,
		Data:      data,
	}, nil
}

// genericAdapter accepts payloads already in canonical HookEvent shape.
type genericAdapter struct{}

func (genericAdapter) Translate(payload map[string]any) (*protocol.HookEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var ev protocol.HookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.EventType == "" || ev.SessionID == "" {
		return nil, fmt.Errorf("generic hook needs event_type and session_id")
	}
	if ev.Source == "" {
		ev.Source = protocol.SourceGeneric
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return &ev, nil
}

func copyKeys(dst, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}
