package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// WaitResult reports the outcome of a wait call for one task.
type WaitResult struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	TimedOut bool   `json:"timed_out"`
}

const waitPollInterval = 2 * time.Second

// settled reports whether a status ends a wait: anything except in_progress.
func settled(status string) bool {
	return status != store.TaskInProgress
}

// WaitForTask blocks until the task leaves in_progress or the timeout
// elapses. timeout 0 returns the current state immediately. Timeouts are
// reported in the result, not as errors; context cancellation is an error.
func (g *Graph) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*WaitResult, error) {
	results, err := g.waitFor(ctx, []string{taskID}, timeout, true)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// WaitForAnyTask returns as soon as any of the tasks settles.
func (g *Graph) WaitForAnyTask(ctx context.Context, taskIDs []string, timeout time.Duration) ([]WaitResult, error) {
	return g.waitFor(ctx, taskIDs, timeout, true)
}

// WaitForAllTasks returns once every task has settled, or on timeout with
// the per-task states at that moment.
func (g *Graph) WaitForAllTasks(ctx context.Context, taskIDs []string, timeout time.Duration) ([]WaitResult, error) {
	return g.waitFor(ctx, taskIDs, timeout, false)
}

func (g *Graph) waitFor(ctx context.Context, taskIDs []string, timeout time.Duration, any bool) ([]WaitResult, error) {
	check := func() ([]WaitResult, bool, error) {
		results := make([]WaitResult, 0, len(taskIDs))
		settledCount := 0
		for _, id := range taskIDs {
			t, err := g.tasks.Get(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// A deleted task cannot settle; treat as settled so the
					// waiter is not stuck forever.
					results = append(results, WaitResult{TaskID: id, Status: ""})
					settledCount++
					continue
				}
				return nil, false, err
			}
			r := WaitResult{TaskID: id, Status: t.Status}
			if settled(t.Status) {
				settledCount++
			}
			results = append(results, r)
		}
		if any {
			return results, settledCount > 0, nil
		}
		return results, settledCount == len(taskIDs), nil
	}

	results, done, err := check()
	if err != nil {
		return nil, err
	}
	if done || timeout == 0 {
		if !done {
			markTimedOut(results)
		}
		return results, nil
	}

	// Wake on task change events; poll as a fallback for missed wakeups.
	wake := make(chan struct{}, 1)
	subID := store.NewID("wait")
	g.events.Subscribe(subID, func(e bus.Event) {
		switch e.Name {
		case protocol.EventTaskUpdated, protocol.EventTaskEscalated:
		default:
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer g.events.Unsubscribe(subID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(waitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			results, _, err := check()
			if err != nil {
				return nil, err
			}
			markTimedOut(results)
			return results, nil
		case <-wake:
		case <-poll.C:
		}

		results, done, err := check()
		if err != nil {
			return nil, err
		}
		if done {
			return results, nil
		}
	}
}

func markTimedOut(results []WaitResult) {
	for i := range results {
		if !settled(results[i].Status) {
			results[i].TimedOut = true
		}
	}
}
