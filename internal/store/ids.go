package store

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Entity id prefixes. Ids are opaque to users; sequence numbers are for display.
const (
	PrefixSession  = "sess"
	PrefixTask     = "task"
	PrefixRun      = "run"
	PrefixWorktree = "wt"
	PrefixMessage  = "msg"
	PrefixParty    = "party"
	PrefixInstance = "wfi"
)

// NewID returns a short prefixed identifier like "task-3fa09c12".
// The 8 hex chars come from the random tail of a UUIDv7 so ids stay
// roughly time-sortable within a prefix.
func NewID(prefix string) string {
	u := uuid.Must(uuid.NewV7())
	return prefix + "-" + hex.EncodeToString(u[12:16])
}

// GenNewID returns a full UUIDv7 for rows that need a globally unique key.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
