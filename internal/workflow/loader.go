package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed bundled/*.yaml
var bundledFS embed.FS

// Loader loads workflow definitions from the bundled set plus user and
// project directories, later sources shadowing earlier ones by name.
// Definitions are read-mostly; Reload swaps the whole index under a write
// lock.
type Loader struct {
	dirs   []string
	logger *slog.Logger

	mu      sync.RWMutex
	defs    map[string]*Definition
	byEvent map[string][]*Definition
	steps   []*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a loader over the search dirs in precedence order,
// lowest first. Call Reload before first use.
func NewLoader(dirs []string, logger *slog.Logger) *Loader {
	return &Loader{dirs: dirs, logger: logger}
}

// Reload re-reads every definition source and rebuilds the trigger index.
// Invalid files are logged and skipped; they never poison the loaded set.
func (l *Loader) Reload() error {
	defs := map[string]*Definition{}

	loadOne := func(origin, name string, data []byte) {
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			l.logger.Warn("workflow parse failed", "file", name, "error", err)
			return
		}
		if err := def.Validate(); err != nil {
			l.logger.Warn("workflow invalid", "file", name, "error", err)
			return
		}
		def.origin = origin
		defs[def.Name] = &def
	}

	entries, err := fs.ReadDir(bundledFS, "bundled")
	if err != nil {
		return fmt.Errorf("bundled workflows: %w", err)
	}
	for _, e := range entries {
		data, err := bundledFS.ReadFile("bundled/" + e.Name())
		if err != nil {
			return err
		}
		loadOne("bundled", e.Name(), data)
	}

	for _, dir := range l.dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || !isYAML(f.Name()) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("workflow read failed", "file", path, "error", err)
				continue
			}
			loadOne(dir, path, data)
		}
	}

	byEvent := map[string][]*Definition{}
	var steps []*Definition
	for _, def := range defs {
		for event := range def.Triggers {
			byEvent[event] = append(byEvent[event], def)
		}
		if def.HasSteps() {
			steps = append(steps, def)
		}
	}
	for event := range byEvent {
		list := byEvent[event]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].Name < list[j].Name
		})
	}

	l.mu.Lock()
	l.defs = defs
	l.byEvent = byEvent
	l.steps = steps
	l.mu.Unlock()

	l.logger.Info("workflows loaded", "count", len(defs))
	return nil
}

// Watch starts hot reload on the search dirs. Safe to call once.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range l.dirs {
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := w.Add(dir); err != nil {
				l.logger.Warn("watch failed", "dir", dir, "error", err)
			}
		}
	}

	l.watcher = w
	l.done = make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isYAML(ev.Name) {
					continue
				}
				l.logger.Info("workflow change detected", "file", ev.Name, "op", ev.Op.String())
				if err := l.Reload(); err != nil {
					l.logger.Error("workflow reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("workflow watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	if l.done != nil {
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Get returns the definition by name, or nil.
func (l *Loader) Get(name string) *Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.defs[name]
}

// All returns every loaded definition.
func (l *Loader) All() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.defs))
	for _, d := range l.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForEvent returns definitions with triggers on the event type, sorted by
// priority.
func (l *Loader) ForEvent(eventType string) []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byEvent[eventType]
}

// StepWorkflows returns definitions that declare steps; they evaluate on
// every tool event regardless of triggers.
func (l *Loader) StepWorkflows() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.steps
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
