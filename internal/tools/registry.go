// Package tools exposes the daemon's capabilities to agents as namespaced
// tools (agents/, tasks/, workflows/, worktrees/, sessions/, party/). Every
// tool takes a JSON argument object and returns a structured Result.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gobby-dev/gobby/internal/store"
)

// Handler executes one tool call on behalf of a session.
type Handler func(ctx context.Context, sessionID string, args map[string]any) *Result

// Tool is one named capability.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	handler     Handler
}

// Registry holds the tool table and dispatches calls.
type Registry struct {
	logger   *slog.Logger
	maxInput int

	// consumeTerminate reports and clears a pending cooperative-termination
	// flag; when set, the next tool response carries action=terminate.
	consumeTerminate func(ctx context.Context, sessionID string) (bool, error)

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(maxInput int, logger *slog.Logger) *Registry {
	if maxInput <= 0 {
		maxInput = 1 << 20
	}
	return &Registry{
		logger:   logger,
		maxInput: maxInput,
		tools:    make(map[string]Tool),
	}
}

// SetTerminateCheck wires the session manager's cooperative-termination
// consumer.
func (r *Registry) SetTerminateCheck(fn func(ctx context.Context, sessionID string) (bool, error)) {
	r.consumeTerminate = fn
}

// Register adds a tool under its namespaced name, e.g. "tasks/close_task".
func (r *Registry) Register(name, description string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = Tool{Name: name, Description: description, handler: handler}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns every registered tool sorted by name, for surfaces that
// need descriptions alongside names.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs a tool call and returns the full structured result. Errors
// come back as error results with a kind, never as Go errors; only transport
// problems (unknown tool, oversized input) reach the error return.
func (r *Registry) Dispatch(ctx context.Context, sessionID, name string, args map[string]any) *Result {
	ctx, span := otel.Tracer("gobby").Start(ctx, "tools.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	if args == nil {
		args = map[string]any{}
	}
	if raw, err := json.Marshal(args); err == nil && len(raw) > r.maxInput {
		return &Result{
			ForLLM:    fmt.Sprintf("input exceeds %d bytes", r.maxInput),
			IsError:   true,
			ErrorKind: store.Kind(store.ErrInputTooLarge),
		}
	}

	tool, ok := r.Get(name)
	if !ok {
		return &Result{
			ForLLM:    fmt.Sprintf("unknown tool %q", name),
			IsError:   true,
			ErrorKind: store.Kind(store.ErrNotFound),
		}
	}

	res := tool.handler(ctx, sessionID, args)
	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	if res.Err != nil {
		res.IsError = true
		res.ErrorKind = store.Kind(res.Err)
		if res.ForLLM == "" {
			res.ForLLM = res.Err.Error()
		}
		r.logger.Debug("tool failed",
			"tool", name, "session_id", sessionID, "kind", res.ErrorKind, "error", res.Err)
	}

	// Cooperative self-termination rides on any tool response.
	if res.Action == "" && r.consumeTerminate != nil && sessionID != "" {
		if terminate, err := r.consumeTerminate(ctx, sessionID); err == nil && terminate {
			res.Action = "terminate"
		}
	}
	return res
}

// Invoke adapts Dispatch for the workflow engine and pipeline executor:
// success returns the structured data (or the text), failure returns an
// error carrying the domain kind.
func (r *Registry) Invoke(ctx context.Context, sessionID, name string, args map[string]any) (any, error) {
	res := r.Dispatch(ctx, sessionID, name, args)
	if res.IsError {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, fmt.Errorf("%s: %s", res.ErrorKind, res.ForLLM)
	}
	if res.Data != nil {
		return res.Data, nil
	}
	return res.ForLLM, nil
}

// Argument helpers. Tool args arrive as generic JSON; these normalize the
// common shapes.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argMap(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if direct, ok := args[key].([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
