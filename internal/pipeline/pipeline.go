// Package pipeline runs deterministic step sequences: external commands,
// one-shot LLM calls, daemon tool calls, nested pipelines, agent spawns, and
// workflow activations. Pipelines compose with workflows in both directions:
// the run_pipeline action invokes this executor, and an activate_workflow
// step reaches back into the engine.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gobby-dev/gobby/internal/store"
)

// Step types.
const (
	StepExec             = "exec"
	StepPrompt           = "prompt"
	StepMCP              = "mcp"
	StepInvokePipeline   = "invoke_pipeline"
	StepSpawnSession     = "spawn_session"
	StepActivateWorkflow = "activate_workflow"
	StepApproval         = "approval"
)

// Step is one unit of pipeline work. Fields are type-specific; unused ones
// stay empty.
type Step struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// exec
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// prompt / spawn_session
	Provider string `yaml:"provider,omitempty"`
	Prompt   string `yaml:"prompt,omitempty"`

	// mcp
	Tool     string         `yaml:"tool,omitempty"`
	ToolArgs map[string]any `yaml:"tool_args,omitempty"`

	// invoke_pipeline
	Pipeline string `yaml:"pipeline,omitempty"`

	// spawn_session
	Mode        string `yaml:"mode,omitempty"`
	Workflow    string `yaml:"workflow,omitempty"`
	WaitForExit bool   `yaml:"wait_for_exit,omitempty"`

	// approval
	Message string `yaml:"message,omitempty"`

	ResultVar  string `yaml:"result_variable,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

// Pipeline is a named ordered step list.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Validate rejects empty and malformed pipelines.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline needs a name: %w", store.ErrInvalidState)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps: %w", p.Name, store.ErrInvalidState)
	}
	for i, s := range p.Steps {
		switch s.Type {
		case StepExec:
			if s.Command == "" {
				return fmt.Errorf("pipeline %q step %d: exec needs a command: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepPrompt:
			if s.Prompt == "" {
				return fmt.Errorf("pipeline %q step %d: prompt is empty: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepMCP:
			if s.Tool == "" {
				return fmt.Errorf("pipeline %q step %d: mcp needs a tool: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepInvokePipeline:
			if s.Pipeline == "" {
				return fmt.Errorf("pipeline %q step %d: invoke_pipeline needs a target: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepSpawnSession:
			if s.Prompt == "" {
				return fmt.Errorf("pipeline %q step %d: spawn_session needs a prompt: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepActivateWorkflow:
			if s.Workflow == "" {
				return fmt.Errorf("pipeline %q step %d: activate_workflow needs a workflow: %w", p.Name, i, store.ErrInvalidState)
			}
		case StepApproval:
		default:
			return fmt.Errorf("pipeline %q step %d: unknown type %q: %w", p.Name, i, s.Type, store.ErrInvalidState)
		}
	}
	return nil
}

// parseFile reads one pipeline definition from YAML.
func parseFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// expand substitutes ${name} references from vars into s. Unknown names
// expand to the empty string.
func expand(s string, vars map[string]any) string {
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// expandArgs applies expand to every string leaf of a tool-args map.
func expandArgs(args map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = expand(s, vars)
			continue
		}
		out[k] = v
	}
	return out
}
