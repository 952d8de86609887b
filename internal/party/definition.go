// Package party schedules a DAG of heterogeneous agent roles. Roles spawn in
// topological waves; every instance of a role must complete before dependent
// roles start. Crash recovery is per-role: restart, pause, or abort.
package party

import (
	"fmt"

	"github.com/gobby-dev/gobby/internal/store"
)

// Recovery carries party-wide crash defaults, overridable per role.
type Recovery struct {
	OnCrash       string `json:"on_crash,omitempty" yaml:"on_crash,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	Notify        string `json:"notify,omitempty" yaml:"notify,omitempty"` // leader | user | party
}

// Role describes one agent role in a party.
type Role struct {
	Provider      string `json:"provider" yaml:"provider"`
	Workflow      string `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Prompt        string `json:"prompt" yaml:"prompt"`
	Count         int    `json:"count,omitempty" yaml:"count,omitempty"`
	OnCrash       string `json:"on_crash,omitempty" yaml:"on_crash,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	Notify        string `json:"notify,omitempty" yaml:"notify,omitempty"`
	Isolation     string `json:"isolation,omitempty" yaml:"isolation,omitempty"`
}

// Definition is a full party: roles plus the dependency DAG between them.
type Definition struct {
	Name         string              `json:"name" yaml:"name"`
	Roles        map[string]Role     `json:"roles" yaml:"roles"`
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Recovery     Recovery            `json:"recovery,omitempty" yaml:"recovery,omitempty"`
}

// Validate checks the definition: at least one role, dependencies only on
// declared roles, no cycles, and known recovery policies.
func (d *Definition) Validate() error {
	if len(d.Roles) == 0 {
		return fmt.Errorf("party %q has no roles: %w", d.Name, store.ErrInvalidState)
	}
	for name, deps := range d.Dependencies {
		if _, ok := d.Roles[name]; !ok {
			return fmt.Errorf("dependency map names unknown role %q: %w", name, store.ErrInvalidState)
		}
		for _, dep := range deps {
			if _, ok := d.Roles[dep]; !ok {
				return fmt.Errorf("role %q depends on unknown role %q: %w", name, dep, store.ErrInvalidState)
			}
			if dep == name {
				return fmt.Errorf("role %q depends on itself: %w", name, store.ErrCycleDetected)
			}
		}
	}
	for name, role := range d.Roles {
		switch role.OnCrash {
		case "", store.OnCrashRestart, store.OnCrashPause, store.OnCrashAbort:
		default:
			return fmt.Errorf("role %q on_crash %q: %w", name, role.OnCrash, store.ErrInvalidState)
		}
	}
	if _, err := d.Waves(); err != nil {
		return err
	}
	return nil
}

// Waves returns roles layered topologically: each wave's roles depend only on
// roles in earlier waves. Kahn's algorithm; a leftover role means a cycle.
func (d *Definition) Waves() ([][]string, error) {
	indegree := make(map[string]int, len(d.Roles))
	for name := range d.Roles {
		indegree[name] = len(d.Dependencies[name])
	}

	dependents := map[string][]string{}
	for name, deps := range d.Dependencies {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var waves [][]string
	placed := 0
	for placed < len(d.Roles) {
		var wave []string
		for name, deg := range indegree {
			if deg == 0 {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("party %q role graph has a cycle: %w", d.Name, store.ErrCycleDetected)
		}
		for _, name := range wave {
			delete(indegree, name)
			for _, next := range dependents[name] {
				indegree[next]--
			}
		}
		placed += len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}

// roleRecovery resolves a role's effective crash policy over the party-wide
// defaults.
func (d *Definition) roleRecovery(name string) (onCrash string, retries int, notify string) {
	role := d.Roles[name]
	onCrash = role.OnCrash
	if onCrash == "" {
		onCrash = d.Recovery.OnCrash
	}
	if onCrash == "" {
		onCrash = store.OnCrashRestart
	}
	retries = role.RetryAttempts
	if retries == 0 {
		retries = d.Recovery.RetryAttempts
	}
	notify = role.Notify
	if notify == "" {
		notify = d.Recovery.Notify
	}
	if notify == "" {
		notify = "leader"
	}
	return onCrash, retries, notify
}

func (d *Definition) roleCount(name string) int {
	if c := d.Roles[name].Count; c > 0 {
		return c
	}
	return 1
}
