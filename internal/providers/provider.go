// Package providers abstracts the heterogeneous coding CLIs the daemon can
// drive. Each provider reports its hook capabilities and knows how to build
// its CLI invocation; in_process turns go through the Turn client instead.
package providers

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/config"
)

// Provider is the narrow capability interface over one CLI flavor.
type Provider interface {
	Name() string

	// SupportsHooks reports whether the CLI emits hook events natively.
	SupportsHooks() bool

	// SessionStartAvailable reports whether the CLI emits a native
	// session_start; when false the ingress synthesizes the boundary.
	SessionStartAvailable() bool

	// BuildCommand assembles the CLI invocation for a one-shot prompt.
	BuildCommand(cfg config.ProviderConfig, prompt string) (bin string, args []string)

	// RunTurn performs one in-process LLM call without spawning a CLI.
	RunTurn(ctx context.Context, prompt string) (string, error)
}

// Registry resolves providers by name.
type Registry struct {
	cfg  *config.Config
	turn *TurnClient
}

func NewRegistry(cfg *config.Config, turn *TurnClient) *Registry {
	return &Registry{cfg: cfg, turn: turn}
}

// Get returns the provider for a source name. Unknown names resolve to the
// generic provider.
func (r *Registry) Get(name string) Provider {
	switch name {
	case "claude", "claude_sdk":
		return &claudeProvider{turn: r.turn}
	case "gemini":
		return &geminiProvider{turn: r.turn}
	case "codex":
		return &codexProvider{turn: r.turn}
	default:
		return &genericProvider{name: name, turn: r.turn}
	}
}

// Config returns the CLI configuration for a provider name.
func (r *Registry) Config(name string) config.ProviderConfig {
	return r.cfg.Provider(name)
}

// RunTurn executes one in-process LLM turn for a named provider. An empty
// name falls back to the configured default.
func (r *Registry) RunTurn(ctx context.Context, name, prompt string) (string, error) {
	if name == "" {
		name = r.cfg.Agents.DefaultProvider
	}
	return r.Get(name).RunTurn(ctx, prompt)
}

type claudeProvider struct{ turn *TurnClient }

func (p *claudeProvider) Name() string                { return "claude" }
func (p *claudeProvider) SupportsHooks() bool         { return true }
func (p *claudeProvider) SessionStartAvailable() bool { return true }

func (p *claudeProvider) BuildCommand(cfg config.ProviderConfig, prompt string) (string, []string) {
	bin := cfg.Command
	if bin == "" {
		bin = "claude"
	}
	args := append([]string{}, cfg.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SkipPermits {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, prompt)
	return bin, args
}

func (p *claudeProvider) RunTurn(ctx context.Context, prompt string) (string, error) {
	return runTurn(ctx, p.turn, prompt)
}

type geminiProvider struct{ turn *TurnClient }

func (p *geminiProvider) Name() string                { return "gemini" }
func (p *geminiProvider) SupportsHooks() bool         { return true }
func (p *geminiProvider) SessionStartAvailable() bool { return false }

func (p *geminiProvider) BuildCommand(cfg config.ProviderConfig, prompt string) (string, []string) {
	bin := cfg.Command
	if bin == "" {
		bin = "gemini"
	}
	args := append([]string{}, cfg.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, "--prompt", prompt)
	return bin, args
}

func (p *geminiProvider) RunTurn(ctx context.Context, prompt string) (string, error) {
	return runTurn(ctx, p.turn, prompt)
}

type codexProvider struct{ turn *TurnClient }

func (p *codexProvider) Name() string                { return "codex" }
func (p *codexProvider) SupportsHooks() bool         { return false }
func (p *codexProvider) SessionStartAvailable() bool { return false }

func (p *codexProvider) BuildCommand(cfg config.ProviderConfig, prompt string) (string, []string) {
	bin := cfg.Command
	if bin == "" {
		bin = "codex"
	}
	args := append([]string{}, cfg.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, prompt)
	return bin, args
}

func (p *codexProvider) RunTurn(ctx context.Context, prompt string) (string, error) {
	return runTurn(ctx, p.turn, prompt)
}

type genericProvider struct {
	name string
	turn *TurnClient
}

func (p *genericProvider) Name() string                { return p.name }
func (p *genericProvider) SupportsHooks() bool         { return false }
func (p *genericProvider) SessionStartAvailable() bool { return false }

func (p *genericProvider) BuildCommand(cfg config.ProviderConfig, prompt string) (string, []string) {
	bin := cfg.Command
	if bin == "" {
		bin = p.name
	}
	args := append([]string{}, cfg.Args...)
	args = append(args, prompt)
	return bin, args
}

func (p *genericProvider) RunTurn(ctx context.Context, prompt string) (string, error) {
	return runTurn(ctx, p.turn, prompt)
}

func runTurn(ctx context.Context, turn *TurnClient, prompt string) (string, error) {
	if turn == nil {
		return "", fmt.Errorf("in_process turns need an API client (set GOBBY_ANTHROPIC_API_KEY)")
	}
	return turn.Complete(ctx, prompt)
}
