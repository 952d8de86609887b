package hooks

import (
	"testing"

	"github.com/gobby-dev/gobby/pkg/protocol"
)

func TestClaudeAdapter(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]any
		wantType  string
		wantTool  string
		wantError bool
	}{
		{
			name: "pre tool use",
			payload: map[string]any{
				"hook_event_name": "PreToolUse",
				"session_id":      "sess-1",
				"tool_name":       "Bash",
				"tool_input":      map[string]any{"command": "ls"},
			},
			wantType: protocol.EventBeforeTool,
			wantTool: "Bash",
		},
		{
			name: "session start",
			payload: map[string]any{
				"hook_event_name": "SessionStart",
				"session_id":      "sess-1",
				"transcript_path": "/tmp/t.jsonl",
				"cwd":             "/work/proj",
			},
			wantType: protocol.EventSessionStart,
		},
		{
			name: "subagent stop folds into stop",
			payload: map[string]any{
				"hook_event_name": "SubagentStop",
				"session_id":      "sess-1",
			},
			wantType: protocol.EventStop,
		},
		{
			name:      "unknown event",
			payload:   map[string]any{"hook_event_name": "Mystery", "session_id": "s"},
			wantError: true,
		},
		{
			name:      "missing session id",
			payload:   map[string]any{"hook_event_name": "Stop"},
			wantError: true,
		},
	}

	a := AdapterFor(protocol.SourceClaude)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := a.Translate(tt.payload)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ev.EventType != tt.wantType {
				t.Errorf("type = %s, want %s", ev.EventType, tt.wantType)
			}
			if ev.Source != protocol.SourceClaude {
				t.Errorf("source = %s", ev.Source)
			}
			if tt.wantTool != "" && ev.ToolName() != tt.wantTool {
				t.Errorf("tool = %s, want %s", ev.ToolName(), tt.wantTool)
			}
		})
	}
}

func TestGeminiAdapterNestsToolFields(t *testing.T) {
	a := AdapterFor(protocol.SourceGemini)
	ev, err := a.Translate(map[string]any{
		"event":      "BeforeTool",
		"session_id": "sess-g",
		"tool": map[string]any{
			"name": "write_file",
			"args": map[string]any{"path": "x.txt"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventType != protocol.EventBeforeTool {
		t.Errorf("type = %s", ev.EventType)
	}
	if ev.ToolName() != "write_file" {
		t.Errorf("tool = %s", ev.ToolName())
	}
	input, _ := ev.Data["tool_input"].(map[string]any)
	if input["path"] != "x.txt" {
		t.Errorf("tool_input = %v", ev.Data["tool_input"])
	}
}

func TestCodexAdapterConversationID(t *testing.T) {
	a := AdapterFor(protocol.SourceCodex)
	ev, err := a.Translate(map[string]any{
		"type":            "turn.start",
		"conversation_id": "conv-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.SessionID != "conv-9" {
		t.Errorf("session = %s", ev.SessionID)
	}
	if ev.EventType != protocol.EventBeforeAgent {
		t.Errorf("type = %s", ev.EventType)
	}
}

func TestGenericAdapterPassthrough(t *testing.T) {
	a := AdapterFor("something-else")
	ev, err := a.Translate(map[string]any{
		"event_type": "before_tool",
		"session_id": "sess-x",
		"data":       map[string]any{"tool_name": "run"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source != protocol.SourceGeneric {
		t.Errorf("source = %s", ev.Source)
	}
	if ev.ToolName() != "run" {
		t.Errorf("tool = %s", ev.ToolName())
	}

	if _, err := a.Translate(map[string]any{"data": map[string]any{}}); err == nil {
		t.Error("generic payload without event_type/session_id should fail")
	}
}
