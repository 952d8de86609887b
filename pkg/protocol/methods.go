package protocol

// RPC method name constants for the gateway WebSocket surface.

// System
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
	MethodHook    = "hook" // hook ingress over WS (HTTP /hooks is equivalent)
)

// Tool invocation. Params: {registry, tool, session_id, args}.
const (
	MethodToolsInvoke = "tools.invoke"
	MethodToolsList   = "tools.list"
)

// Sessions
const (
	MethodSessionsList = "sessions.list"
	MethodSessionsGet  = "sessions.get"
)

// Agent runs
const (
	MethodAgentsList = "agents.list"
	MethodAgentsGet  = "agents.get"
	MethodAgentsKill = "agents.kill"
)

// Tasks
const (
	MethodTasksList  = "tasks.list"
	MethodTasksReady = "tasks.ready"
)

// Parties
const (
	MethodPartiesList = "parties.list"
	MethodPartiesGet  = "parties.get"
)

// Workflows
const (
	MethodWorkflowsList   = "workflows.list"
	MethodWorkflowsReload = "workflows.reload"
)
