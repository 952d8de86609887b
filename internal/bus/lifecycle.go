package bus

// AgentLifecycle is the payload of agent.* events emitted by the registry.
// Subscribers include the party scheduler (crash recovery) and the task
// graph (assigned-session cleanup).
type AgentLifecycle struct {
	RunID           string `json:"run_id"`
	ParentSessionID string `json:"parent_session_id"`
	ChildSessionID  string `json:"child_session_id,omitempty"`
	PartyID         string `json:"party_id,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// TaskChange is the payload of task.* events. Waiters use it to wake early
// instead of riding out their poll interval.
type TaskChange struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status"`
}

// MessageNotice is the payload of message.sent, pushed best-effort over WS.
// Durable delivery is by polling the message store.
type MessageNotice struct {
	MessageID   string `json:"message_id"`
	FromSession string `json:"from_session"`
	ToSession   string `json:"to_session"`
	Priority    string `json:"priority"`
}
