package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults. Paths live under
// ~/.gobby so a first run needs no config file at all.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:            "127.0.0.1",
			Port:            18900,
			RateLimitRPS:    50,
			MaxInputBytes:   1 << 20,
			ShutdownGraceMS: 5000,
		},
		Storage: StorageConfig{
			Path: "~/.gobby/gobby.db",
		},
		Workflows: WorkflowsConfig{
			UserDir:    "~/.gobby/workflows",
			ProjectDir: ".gobby/workflows",
			HotReload:  true,
		},
		Agents: AgentsConfig{
			MaxDepth:          1,
			DefaultTimeoutSec: 1800,
			KillGraceSec:      5,
			DefaultProvider:   "claude",
		},
		Providers: ProvidersConfig{
			Claude: ProviderConfig{Command: "claude", Args: []string{"-p"}},
			Gemini: ProviderConfig{Command: "gemini"},
			Codex:  ProviderConfig{Command: "codex", Args: []string{"exec"}},
		},
		Party: PartyConfig{
			MaxMembers:        12,
			DefaultMaxRetries: 2,
		},
		Worktrees: WorktreesConfig{
			Root:            "~/.gobby/worktrees",
			BranchPrefix:    "gobby/",
			StaleAfterHours: 72,
		},
		Retention: RetentionConfig{
			Enabled:         true,
			Cron:            "0 * * * *",
			SessionIdleDays: 14,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gobby",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// DefaultPath returns ~/.gobby/config.json.
func DefaultPath() string {
	return ExpandHome("~/.gobby/config.json")
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GOBBY_HOST", &c.Daemon.Host)
	if v := os.Getenv("GOBBY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Daemon.Port = port
		}
	}
	envStr("GOBBY_TOKEN", &c.Daemon.Token)
	envStr("GOBBY_DB_PATH", &c.Storage.Path)
	envStr("GOBBY_WORKFLOWS_DIR", &c.Workflows.UserDir)
	envStr("GOBBY_TERMINAL_COMMAND", &c.Agents.TerminalCommand)
	envStr("GOBBY_DEFAULT_PROVIDER", &c.Agents.DefaultProvider)

	if v := os.Getenv("GOBBY_MAX_AGENT_DEPTH"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d >= 0 {
			c.Agents.MaxDepth = d
		}
	}

	envStr("GOBBY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOBBY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOBBY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOBBY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// DatabasePath returns the expanded sqlite path, creating the parent dir.
func (c *Config) DatabasePath() (string, error) {
	c.mu.RLock()
	p := ExpandHome(c.Storage.Path)
	c.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return p, nil
}

// WorktreeRoot returns the expanded worktree root.
func (c *Config) WorktreeRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Worktrees.Root)
}

// WorkflowDirs returns the definition search path in precedence order,
// lowest first. The bundled dir is compiled in, so only user and project
// dirs appear here.
func (c *Config) WorkflowDirs(projectRoot string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{ExpandHome(c.Workflows.UserDir)}
	if projectRoot != "" && c.Workflows.ProjectDir != "" {
		dirs = append(dirs, filepath.Join(projectRoot, c.Workflows.ProjectDir))
	}
	return dirs
}

func addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
