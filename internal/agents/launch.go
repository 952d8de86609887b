package agents

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
)

// launchInProcess runs one LLM turn inside the daemon. The handle's cancel
// func doubles as the cooperative kill path.
func (r *Registry) launchInProcess(ctx context.Context, run *store.AgentRunData, prompt string, timeoutSec int) error {
	runCtx, cancel := r.runContext(timeoutSec)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.putHandle(run.ID, h)

	provider := r.providers.Get(run.Provider)
	go func() {
		defer close(h.done)
		defer r.dropHandle(run.ID)

		output, err := provider.RunTurn(runCtx, prompt)
		switch {
		case err == nil:
			r.finish(context.Background(), run, store.RunCompleted, map[string]any{"output": output}, "")
		case h.requestedStop() != "":
			r.finish(context.Background(), run, h.requestedStop(), nil, "")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			r.finish(context.Background(), run, store.RunTimeout, nil, "turn deadline exceeded")
		case errors.Is(runCtx.Err(), context.Canceled):
			r.finish(context.Background(), run, store.RunCancelled, nil, "")
		default:
			r.finish(context.Background(), run, store.RunError, nil, err.Error())
		}
	}()
	return nil
}

// launchHeadless starts the CLI with captured stdio and reaps it in the
// background.
func (r *Registry) launchHeadless(run *store.AgentRunData, pcfg config.ProviderConfig, prompt string, wt *store.WorktreeData, parent *store.SessionData, timeoutSec int) error {
	runCtx, cancel := r.runContext(timeoutSec)

	bin, args := r.providers.Get(run.Provider).BuildCommand(pcfg, prompt)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = workDir(wt, parent)
	cmd.Env = childEnv(pcfg, run)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", bin, err)
	}
	run.PID = cmd.Process.Pid

	h := &handle{cancel: cancel, cmd: cmd, done: make(chan struct{})}
	r.putHandle(run.ID, h)

	go func() {
		defer close(h.done)
		defer r.dropHandle(run.ID)
		defer cancel()

		err := cmd.Wait()
		result := map[string]any{
			"output":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": cmd.ProcessState.ExitCode(),
		}
		switch {
		case err == nil:
			r.finish(context.Background(), run, store.RunCompleted, result, "")
		case h.requestedStop() != "":
			r.finish(context.Background(), run, h.requestedStop(), result, "")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			r.finish(context.Background(), run, store.RunTimeout, result, "run deadline exceeded")
		default:
			r.finish(context.Background(), run, store.RunError, result, err.Error())
		}
	}()
	return nil
}

// launchTerminal opens a terminal emulator window running the CLI. The
// launcher usually exits immediately, so no handle is kept; termination goes
// through PID discovery.
func (r *Registry) launchTerminal(ctx context.Context, run *store.AgentRunData, pcfg config.ProviderConfig, prompt string, wt *store.WorktreeData, parent *store.SessionData, childID string) error {
	tmpl := r.cfg.Agents.TerminalCommand
	if tmpl == "" {
		return fmt.Errorf("terminal mode needs agents.terminal_command in config: %w", store.ErrInvalidState)
	}

	bin, args := r.providers.Get(run.Provider).BuildCommand(pcfg, prompt)
	inner := shellQuote(bin)
	for _, a := range args {
		inner += " " + shellQuote(a)
	}
	if dir := workDir(wt, parent); dir != "" {
		inner = "cd " + shellQuote(dir) + " && " + inner
	}

	launcher := exec.CommandContext(ctx, "sh", "-c", strings.ReplaceAll(tmpl, "{cmd}", inner))
	launcher.Env = childEnv(pcfg, run)
	if out, err := launcher.CombinedOutput(); err != nil {
		return fmt.Errorf("terminal launcher: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// launchEmbedded attaches the CLI to a daemon-owned PTY and returns the
// master for UI streaming.
func (r *Registry) launchEmbedded(run *store.AgentRunData, pcfg config.ProviderConfig, prompt string, wt *store.WorktreeData, parent *store.SessionData) (*os.File, error) {
	bin, args := r.providers.Get(run.Provider).BuildCommand(pcfg, prompt)
	cmd := exec.Command(bin, args...)
	cmd.Dir = workDir(wt, parent)
	cmd.Env = childEnv(pcfg, run)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start %s: %w", bin, err)
	}
	run.PID = cmd.Process.Pid

	h := &handle{cancel: func() {}, cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	r.putHandle(run.ID, h)

	go func() {
		defer close(h.done)
		defer r.dropHandle(run.ID)
		defer ptmx.Close()

		if err := cmd.Wait(); err != nil {
			r.finish(context.Background(), run, store.RunError, nil, err.Error())
			return
		}
		r.finish(context.Background(), run, store.RunCompleted, map[string]any{
			"exit_code": cmd.ProcessState.ExitCode(),
		}, "")
	}()
	return ptmx, nil
}

func (r *Registry) runContext(timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec == 0 {
		timeoutSec = r.cfg.Agents.DefaultTimeoutSec
	}
	if timeoutSec > 0 {
		return context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(context.Background())
}

func workDir(wt *store.WorktreeData, parent *store.SessionData) string {
	if wt != nil {
		return wt.Path
	}
	if parent.ProjectID != nil {
		return *parent.ProjectID
	}
	return ""
}

func childEnv(pcfg config.ProviderConfig, run *store.AgentRunData) []string {
	env := os.Environ()
	env = append(env, pcfg.Env...)
	if run.ChildSessionID != nil {
		env = append(env, "GOBBY_SESSION_ID="+*run.ChildSessionID)
	}
	env = append(env, "GOBBY_RUN_ID="+run.ID)
	return env
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailTranscript returns the last n lines of a JSONL transcript for use as
// spawn context.
func tailTranscript(path, nStr string) string {
	n, err := strconv.Atoi(nStr)
	if err != nil || n <= 0 || path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}
