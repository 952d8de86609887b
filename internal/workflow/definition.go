// Package workflow implements the hook-event workflow engine: declarative
// definitions loaded from YAML, per-session instances, trigger and step
// evaluation, and the two-scope variable model.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is one declarative workflow loaded from YAML.
type Definition struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Priority       int      `yaml:"priority"`
	EnabledDefault bool     `yaml:"enabled_default"`
	Sources        []string `yaml:"sources,omitempty"`
	MaxAgentDepth  int      `yaml:"max_agent_depth,omitempty"`

	WorkflowVariables map[string]any `yaml:"workflow_variables,omitempty"`
	SessionVariables  map[string]any `yaml:"session_variables,omitempty"`

	// Triggers maps a canonical event type to an ordered rule list.
	Triggers map[string][]Rule `yaml:"triggers,omitempty"`

	Steps         []Step     `yaml:"steps,omitempty"`
	Observers     []Observer `yaml:"observers,omitempty"`
	ExitCondition string     `yaml:"exit_condition,omitempty"`

	// origin records where the definition was loaded from (bundled, user,
	// project) for doctor output.
	origin string
}

// Rule is one trigger entry: an optional guard plus an action with free-form
// parameters.
type Rule struct {
	When   string
	Action string
	Params map[string]any
}

// UnmarshalYAML captures when/action and folds every other key into Params,
// so rule parameters stay flat in the YAML:
//
//	- when: "variables.counter > 3"
//	  action: inject_context
//	  content: "Slow down."
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if v, ok := raw["when"].(string); ok {
		r.When = v
	}
	if v, ok := raw["action"].(string); ok {
		r.Action = v
	}
	delete(raw, "when")
	delete(raw, "action")
	r.Params = raw
	return nil
}

// Step is a named state in a step-workflow.
type Step struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description,omitempty"`
	AllowedTools []string     `yaml:"allowed_tools,omitempty"`
	Rules        []ToolRule   `yaml:"rules,omitempty"`
	OnEnter      []Rule       `yaml:"on_enter,omitempty"`
	OnExit       []Rule       `yaml:"on_exit,omitempty"`
	Transitions  []Transition `yaml:"transitions,omitempty"`
}

// ToolRule allows or blocks one tool under a condition. Effect is "allow"
// or "block".
type ToolRule struct {
	Tool    string `yaml:"tool"`
	When    string `yaml:"when,omitempty"`
	Effect  string `yaml:"effect"`
	Message string `yaml:"message,omitempty"`
}

// Transition moves the instance to another step when its guard holds.
type Transition struct {
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
}

// Observer is a read-only reaction evaluated after the decision is made.
type Observer struct {
	Event string `yaml:"event"`
	Track string `yaml:"track,omitempty"`
	When  string `yaml:"when,omitempty"`
	Set   string `yaml:"set,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Validate rejects definitions the engine cannot run.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(d.Triggers) == 0 && len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: neither triggers nor steps", d.Name)
	}

	names := map[string]bool{}
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: unnamed step", d.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Name, s.Name)
		}
		names[s.Name] = true
	}
	for _, s := range d.Steps {
		for _, t := range s.Transitions {
			if !names[t.To] {
				return fmt.Errorf("workflow %s: step %s transitions to unknown step %q", d.Name, s.Name, t.To)
			}
		}
		for _, r := range s.Rules {
			if r.Effect != "allow" && r.Effect != "block" {
				return fmt.Errorf("workflow %s: step %s tool rule effect %q", d.Name, s.Name, r.Effect)
			}
		}
	}
	return nil
}

// HasSteps reports whether the workflow declares a step machine, which makes
// it a candidate on every tool event regardless of triggers.
func (d *Definition) HasSteps() bool { return len(d.Steps) > 0 }

// Step returns the named step, or nil.
func (d *Definition) Step(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the initial step, or nil for trigger-only workflows.
func (d *Definition) FirstStep() *Step {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// AppliesTo reports whether the workflow accepts events from the source.
// An empty sources list matches every CLI.
func (d *Definition) AppliesTo(source string) bool {
	if len(d.Sources) == 0 {
		return true
	}
	for _, s := range d.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// Origin reports where this definition was loaded from.
func (d *Definition) Origin() string { return d.origin }
