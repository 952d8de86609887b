package tasks

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/gobby-dev/gobby/internal/store"
)

// Enricher produces generated task content. The production implementation
// spawns a headless LLM run; tests supply canned output.
type Enricher interface {
	// Enrich expands a bare title into a detailed description.
	Enrich(ctx context.Context, t *store.TaskData) (description string, criteria string, err error)
	// Expand proposes subtasks for a large task.
	Expand(ctx context.Context, t *store.TaskData) (subtasks []CreateOpts, contextNote string, err error)
	// TDDPlan rewrites the description with a test-first plan.
	TDDPlan(ctx context.Context, t *store.TaskData) (description string, err error)
}

// SetEnricher installs the LLM-backed enricher.
func (g *Graph) SetEnricher(e Enricher) { g.enricher = e }

// Enrich fills in description and validation criteria. Idempotent: when
// is_enriched is already set and force is false, the task is returned as is.
func (g *Graph) Enrich(ctx context.Context, taskID string, force bool) (*store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsEnriched && !force {
		return t, nil
	}
	if g.enricher == nil {
		return nil, fmt.Errorf("no enricher configured: %w", store.ErrInvalidState)
	}

	desc, criteria, err := g.enricher.Enrich(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	updates := map[string]any{"is_enriched": true}
	if desc != "" {
		updates["description"] = desc
	}
	if criteria != "" {
		updates["validation_criteria"] = criteria
	}
	if err := g.tasks.Update(ctx, taskID, updates); err != nil {
		return nil, err
	}
	return g.tasks.Get(ctx, taskID)
}

// Expand splits a task into subtasks that depend on the chain before them.
// Idempotent on is_expanded unless forced.
func (g *Graph) Expand(ctx context.Context, taskID string, force bool) ([]store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsExpanded && !force {
		return g.tasks.List(ctx, store.TaskListOpts{ParentID: taskID})
	}
	if g.enricher == nil {
		return nil, fmt.Errorf("no enricher configured: %w", store.ErrInvalidState)
	}

	subs, note, err := g.enricher.Expand(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	var created []store.TaskData
	var prevID string
	for _, opts := range subs {
		opts.ParentTaskID = taskID
		if t.ProjectID != nil {
			opts.ProjectID = *t.ProjectID
		}
		if prevID != "" {
			opts.DependsOn = append(opts.DependsOn, prevID)
		}
		sub, err := g.Create(ctx, opts)
		if err != nil {
			return nil, err
		}
		created = append(created, *sub)
		prevID = sub.ID
	}

	updates := map[string]any{"is_expanded": true}
	if note != "" {
		updates["expansion_context"] = note
	}
	if err := g.tasks.Update(ctx, taskID, updates); err != nil {
		return nil, err
	}
	return created, nil
}

// ApplyTDD rewrites the task description with a test-first plan. Idempotent
// on is_tdd_applied unless forced.
func (g *Graph) ApplyTDD(ctx context.Context, taskID string, force bool) (*store.TaskData, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTDDApplied && !force {
		return t, nil
	}
	if g.enricher == nil {
		return nil, fmt.Errorf("no enricher configured: %w", store.ErrInvalidState)
	}

	desc, err := g.enricher.TDDPlan(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("apply tdd: %w", err)
	}
	updates := map[string]any{"is_tdd_applied": true}
	if desc != "" {
		updates["description"] = desc
	}
	if err := g.tasks.Update(ctx, taskID, updates); err != nil {
		return nil, err
	}
	return g.tasks.Get(ctx, taskID)
}

// ParseSpec turns a markdown plan into tasks. Each "- [ ] title" checkbox
// becomes a task; indented checkboxes become subtasks of the nearest
// top-level one, each depending on its predecessor sibling.
func (g *Graph) ParseSpec(ctx context.Context, projectID, referenceDoc, markdown, sessionID string) ([]store.TaskData, error) {
	var created []store.TaskData
	var currentParent string
	var prevTop, prevSub string

	sc := bufio.NewScanner(strings.NewReader(markdown))
	for sc.Scan() {
		line := sc.Text()
		title, indented, ok := parseCheckbox(line)
		if !ok || title == "" {
			continue
		}

		opts := CreateOpts{
			Title:              title,
			ProjectID:          projectID,
			ReferenceDoc:       referenceDoc,
			CreatedInSessionID: sessionID,
		}
		if indented && currentParent != "" {
			opts.ParentTaskID = currentParent
			if prevSub != "" {
				opts.DependsOn = []string{prevSub}
			}
		} else if prevTop != "" {
			opts.DependsOn = []string{prevTop}
		}

		t, err := g.Create(ctx, opts)
		if err != nil {
			return created, err
		}
		created = append(created, *t)

		if indented {
			prevSub = t.ID
		} else {
			currentParent = t.ID
			prevTop = t.ID
			prevSub = ""
		}
	}
	if err := sc.Err(); err != nil {
		return created, err
	}
	return created, nil
}

func parseCheckbox(line string) (title string, indented bool, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	indented = len(line) > len(trimmed)
	for _, prefix := range []string{"- [ ] ", "* [ ] ", "- [x] ", "* [x] "} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):]), indented, true
		}
	}
	return "", false, false
}
