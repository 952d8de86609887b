// Package config holds the daemon configuration, loaded from a JSON5 file
// with env var overlays.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the gobby daemon.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Daemon    DaemonConfig    `json:"daemon"`
	Storage   StorageConfig   `json:"storage"`
	Workflows WorkflowsConfig `json:"workflows"`
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Party     PartyConfig     `json:"party"`
	Worktrees WorktreesConfig `json:"worktrees"`
	Retention RetentionConfig `json:"retention"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// DaemonConfig configures the HTTP/WebSocket gateway.
type DaemonConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token,omitempty"`
	RateLimitRPS    int    `json:"rate_limit_rps"`
	MaxInputBytes   int    `json:"max_input_bytes"`
	ShutdownGraceMS int    `json:"shutdown_grace_ms"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `json:"path"`
}

// WorkflowsConfig configures workflow definition loading.
type WorkflowsConfig struct {
	// BundledDir < UserDir < ProjectDir; later dirs shadow earlier by name.
	UserDir    string `json:"user_dir"`
	ProjectDir string `json:"project_dir"`
	HotReload  bool   `json:"hot_reload"`
}

// AgentsConfig configures spawning of child agent sessions.
type AgentsConfig struct {
	MaxDepth int `json:"max_depth"`
	// DefaultTimeoutSec bounds headless runs; 0 means no timeout.
	DefaultTimeoutSec int `json:"default_timeout_sec"`
	KillGraceSec      int `json:"kill_grace_sec"`
	// TerminalCommand is the template used to open terminal-mode agents,
	// e.g. `osascript -e 'tell app "Terminal" to do script "{cmd}"'`.
	TerminalCommand string `json:"terminal_command,omitempty"`
	DefaultProvider string `json:"default_provider"`
}

// ProviderConfig describes one CLI provider binary.
type ProviderConfig struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Model       string   `json:"model,omitempty"`
	Env         []string `json:"env,omitempty"`
	SkipPermits bool     `json:"skip_permissions,omitempty"`
}

// ProvidersConfig maps provider names to their CLI invocations.
type ProvidersConfig struct {
	Claude  ProviderConfig `json:"claude"`
	Gemini  ProviderConfig `json:"gemini"`
	Codex   ProviderConfig `json:"codex"`
	Generic ProviderConfig `json:"generic"`
}

// PartyConfig bounds party execution.
type PartyConfig struct {
	MaxMembers        int `json:"max_members"`
	DefaultMaxRetries int `json:"default_max_retries"`
}

// WorktreesConfig configures git isolation for agents.
type WorktreesConfig struct {
	Root         string `json:"root"`
	BranchPrefix string `json:"branch_prefix"`
	// StaleAfterHours marks worktrees with no activity as stale.
	StaleAfterHours int `json:"stale_after_hours"`
}

// RetentionConfig drives the background sweeper.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Cron is a gronx expression; default runs hourly.
	Cron            string `json:"cron"`
	SessionIdleDays int    `json:"session_idle_days"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// ListenAddr returns host:port for the gateway listener.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return addr(c.Daemon.Host, c.Daemon.Port)
}

// ShutdownGrace returns the drain window for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Daemon.ShutdownGraceMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Daemon.ShutdownGraceMS) * time.Millisecond
}

// Provider returns the configuration for a named provider. Unknown names
// fall back to the generic provider.
func (c *Config) Provider(name string) ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "claude", "claude_sdk":
		return c.Providers.Claude
	case "gemini":
		return c.Providers.Gemini
	case "codex":
		return c.Providers.Codex
	default:
		return c.Providers.Generic
	}
}
