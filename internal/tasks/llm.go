package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gobby-dev/gobby/internal/store"
)

// TurnRunner executes one LLM turn through a named provider.
type TurnRunner interface {
	RunTurn(ctx context.Context, provider, prompt string) (string, error)
}

// LLMAssistant implements Enricher and Validator by prompting a provider
// and parsing structured replies.
type LLMAssistant struct {
	turns    TurnRunner
	provider string
	logger   *slog.Logger
}

func NewLLMAssistant(turns TurnRunner, provider string, logger *slog.Logger) *LLMAssistant {
	return &LLMAssistant{turns: turns, provider: provider, logger: logger}
}

func (a *LLMAssistant) Enrich(ctx context.Context, t *store.TaskData) (string, string, error) {
	prompt := fmt.Sprintf(`You are enriching a development task.

Title: %s
Current description: %s

Reply with JSON only: {"description": "...", "validation_criteria": "..."}.
The description should be actionable for an autonomous coding agent; the
validation criteria should be objectively checkable.`, t.Title, t.Description)

	out, err := a.turns.RunTurn(ctx, a.provider, prompt)
	if err != nil {
		return "", "", err
	}
	var parsed struct {
		Description        string `json:"description"`
		ValidationCriteria string `json:"validation_criteria"`
	}
	if err := parseJSONReply(out, &parsed); err != nil {
		return "", "", fmt.Errorf("enrich reply: %w", err)
	}
	if parsed.Description == "" {
		return "", "", fmt.Errorf("enrich reply missing description: %w", store.ErrInvalidState)
	}
	return parsed.Description, parsed.ValidationCriteria, nil
}

func (a *LLMAssistant) Expand(ctx context.Context, t *store.TaskData) ([]CreateOpts, string, error) {
	prompt := fmt.Sprintf(`Break this development task into 2-6 ordered subtasks.

Title: %s
Description: %s

Reply with JSON only:
{"subtasks": [{"title": "...", "description": "..."}], "context": "shared context for all subtasks"}`,
		t.Title, t.Description)

	out, err := a.turns.RunTurn(ctx, a.provider, prompt)
	if err != nil {
		return nil, "", err
	}
	var parsed struct {
		Subtasks []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"subtasks"`
		Context string `json:"context"`
	}
	if err := parseJSONReply(out, &parsed); err != nil {
		return nil, "", fmt.Errorf("expand reply: %w", err)
	}
	if len(parsed.Subtasks) == 0 {
		return nil, "", fmt.Errorf("expand reply has no subtasks: %w", store.ErrInvalidState)
	}

	subs := make([]CreateOpts, 0, len(parsed.Subtasks))
	for _, s := range parsed.Subtasks {
		if s.Title == "" {
			continue
		}
		subs = append(subs, CreateOpts{Title: s.Title, Description: s.Description})
	}
	return subs, parsed.Context, nil
}

func (a *LLMAssistant) TDDPlan(ctx context.Context, t *store.TaskData) (string, error) {
	prompt := fmt.Sprintf(`Rewrite this task description as a test-first plan:
write the failing tests first, then the implementation steps that make them
pass. Reply with the rewritten description only, no preamble.

Title: %s
Description: %s`, t.Title, t.Description)

	out, err := a.turns.RunTurn(ctx, a.provider, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty tdd reply: %w", store.ErrInvalidState)
	}
	return out, nil
}

func (a *LLMAssistant) Validate(ctx context.Context, t *store.TaskData) (bool, string, error) {
	prompt := fmt.Sprintf(`Judge whether this task meets its validation criteria.

Title: %s
Description: %s
Criteria: %s

Reply with JSON only: {"passed": true|false, "feedback": "..."}.`,
		t.Title, t.Description, t.ValidationCriteria)

	out, err := a.turns.RunTurn(ctx, a.provider, prompt)
	if err != nil {
		return false, "", err
	}
	var parsed struct {
		Passed   bool   `json:"passed"`
		Feedback string `json:"feedback"`
	}
	if err := parseJSONReply(out, &parsed); err != nil {
		return false, "", fmt.Errorf("validation reply: %w", err)
	}
	return parsed.Passed, parsed.Feedback, nil
}

// parseJSONReply tolerates prose and code fences around the JSON object.
func parseJSONReply(out string, v any) error {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply: %w", store.ErrInvalidState)
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), v); err != nil {
		return fmt.Errorf("%v: %w", err, store.ErrInvalidState)
	}
	return nil
}
