// Package store defines the entity data types, domain errors, and storage
// interfaces for all daemon-owned persistent state. No component reaches
// around this layer for another component's entities.
package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Sessions      SessionStore
	Tasks         TaskStore
	Messages      MessageStore
	AgentRuns     AgentRunStore
	Worktrees     WorktreeStore
	Parties       PartyStore
	WorkflowState WorkflowStateStore
}
