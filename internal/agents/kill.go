package agents

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gobby-dev/gobby/internal/store"
)

// KillResult reports how a termination request was resolved.
type KillResult struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	AlreadyDead bool   `json:"already_dead,omitempty"`
	FoundVia    string `json:"found_via,omitempty"` // terminal_context | process_enumeration
	PID         int    `json:"pid,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Kill terminates a run: polite stop first, force after the grace window.
func (r *Registry) Kill(ctx context.Context, runID string, graceSec int) (*KillResult, error) {
	return r.stop(ctx, runID, store.RunKilled, graceSec)
}

// Cancel is Kill recorded as a cancellation rather than a kill.
func (r *Registry) Cancel(ctx context.Context, runID string, graceSec int) (*KillResult, error) {
	return r.stop(ctx, runID, store.RunCancelled, graceSec)
}

func (r *Registry) stop(ctx context.Context, runID, status string, graceSec int) (*KillResult, error) {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return &KillResult{RunID: runID, Status: run.Status, AlreadyDead: true}, nil
	}
	if graceSec <= 0 {
		graceSec = r.cfg.Agents.KillGraceSec
	}
	grace := time.Duration(graceSec) * time.Second

	res := &KillResult{RunID: runID, Status: status}

	if h := r.takeHandle(runID); h != nil {
		h.setStopStatus(status)
		r.stopHandle(run, h, grace)
		r.finish(ctx, run, status, nil, "")
		r.dropHandle(runID)
		return res, nil
	}

	// Terminal mode, or a run whose handle is gone: reach the process by pid.
	pid, via, err := r.discoverPID(ctx, run)
	if err != nil {
		res.Note = "pid discovery failed: " + err.Error()
		r.finish(ctx, run, store.RunKilled, nil, res.Note)
		r.logger.Warn("kill without pid", "run_id", runID, "error", err)
		return res, nil
	}
	res.PID = int(pid)
	res.FoundVia = via

	if err := stopPID(ctx, pid, grace); err != nil {
		res.Note = err.Error()
	}
	r.finish(ctx, run, status, nil, "")
	r.logger.Info("agent killed", "run_id", runID, "pid", pid, "found_via", via)
	return res, nil
}

// stopHandle terminates a run the daemon launched directly. Embedded runs
// lose their PTY master first so the child sees EOF before any signal.
func (r *Registry) stopHandle(run *store.AgentRunData, h *handle, grace time.Duration) {
	if run.Mode == store.ModeInProcess {
		h.cancel()
		<-h.done
		return
	}

	if h.ptmx != nil {
		h.ptmx.Close()
	}
	if h.cmd != nil && h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
			h.cmd.Process.Kill()
		}
		select {
		case <-h.done:
		case <-time.After(grace):
			h.cmd.Process.Kill()
			<-h.done
		}
	}
	h.cancel()
}

// discoverPID locates the live process for a run without a handle.
// terminal_context.parent_pid wins; the marker scan is the fallback.
func (r *Registry) discoverPID(ctx context.Context, run *store.AgentRunData) (int32, string, error) {
	if run.ChildSessionID != nil {
		session, err := r.sessions.Get(ctx, *run.ChildSessionID)
		if err == nil {
			if pid, ok := terminalPID(session.TerminalContext); ok {
				return pid, "terminal_context", nil
			}
		}
		pid, err := findByMarker(ctx, *run.ChildSessionID)
		if err == nil {
			return pid, "process_enumeration", nil
		}
		return 0, "", err
	}
	if run.PID > 0 {
		return int32(run.PID), "terminal_context", nil
	}
	return 0, "", fmt.Errorf("run %s has no session to search for: %w", run.ID, store.ErrNotFound)
}

func terminalPID(tc map[string]any) (int32, bool) {
	v, ok := tc["parent_pid"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int32(n), n > 0
	case int:
		return int32(n), n > 0
	case int64:
		return int32(n), n > 0
	}
	return 0, false
}

// findByMarker scans process command lines for the spawn marker carrying the
// session id.
func findByMarker(ctx context.Context, sessionID string) (int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate processes: %w", err)
	}
	marker := SpawnMarker + sessionID
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, marker) {
			return p.Pid, nil
		}
	}
	return 0, fmt.Errorf("no process carries marker for %s: %w", sessionID, store.ErrNotFound)
}

// stopPID expresses polite stop then force stop on a discovered pid.
func stopPID(ctx context.Context, pid int32, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return p.KillWithContext(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return p.KillWithContext(ctx)
}
