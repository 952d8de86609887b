package protocol

// WebSocket event names pushed from the daemon to clients.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Session lifecycle
	EventSessionStarted   = "session.started"
	EventSessionEnded     = "session.ended"
	EventSessionArchived  = "session.archived"

	// Task graph
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskEscalated = "task.escalated"

	// Agent run lifecycle (payload: run_id, session_id, status)
	EventAgentSpawned   = "agent.spawned"
	EventAgentRunning   = "agent.running"
	EventAgentCompleted = "agent.completed"
	EventAgentFailed    = "agent.failed"
	EventAgentKilled    = "agent.killed"
	EventAgentCrashed   = "agent.crashed"

	// Inter-session messaging (real-time best-effort delivery)
	EventMessageSent = "message.sent"

	// Party scheduler
	EventPartyStarted   = "party.started"
	EventPartyCompleted = "party.completed"
	EventPartyFailed    = "party.failed"
	EventPartyCancelled = "party.cancelled"
	EventPartyMember    = "party.member"

	// Workflow engine
	EventWorkflowActivated = "workflow.activated"
	EventWorkflowEnded     = "workflow.ended"
	EventWorkflowsReloaded = "workflows.reloaded"

	// Worktrees
	EventWorktreeCreated = "worktree.created"
	EventWorktreeStale   = "worktree.stale"
)
