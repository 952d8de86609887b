package tasks

import (
	"fmt"

	"github.com/gobby-dev/gobby/internal/store"
)

// legalTransitions is the task status machine. Completed is terminal except
// for nothing; pending_review resolves by approve or reopen.
var legalTransitions = map[string][]string{
	store.TaskPending: {
		store.TaskInProgress,
		store.TaskBlocked,
		store.TaskCancelled,
	},
	store.TaskInProgress: {
		store.TaskPendingReview,
		store.TaskCompleted,
		store.TaskBlocked,
		store.TaskEscalated,
		store.TaskCancelled,
		store.TaskPending, // unclaim
	},
	store.TaskPendingReview: {
		store.TaskCompleted,
		store.TaskInProgress,
		store.TaskCancelled,
	},
	store.TaskBlocked: {
		store.TaskPending,
		store.TaskInProgress,
		store.TaskCancelled,
	},
	store.TaskEscalated: {
		store.TaskInProgress,
		store.TaskCancelled,
	},
	store.TaskCompleted: {},
	store.TaskCancelled: {},
}

func canTransition(from, to string) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !canTransition(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, store.ErrInvalidState)
	}
	return nil
}

func validStatus(s string) bool {
	_, ok := legalTransitions[s]
	return ok || s == store.TaskCompleted || s == store.TaskCancelled
}
