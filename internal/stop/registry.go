// Package stop tracks cooperative stop signals for running agent sessions.
// Signals are advisory: workflows poll them via the check_stop_signal action
// and wind the session down cleanly.
package stop

import (
	"sync"
	"time"
)

// Signal records one stop request.
type Signal struct {
	Reason    string
	Requested time.Time
}

// Registry holds a global stop flag plus per-session flags. Reads drain the
// per-session flag so a signal fires at most once; the global flag persists
// until cleared.
type Registry struct {
	mu       sync.Mutex
	global   *Signal
	sessions map[string]*Signal
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Signal)}
}

// SignalSession requests a stop for one session.
func (r *Registry) SignalSession(sessionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &Signal{Reason: reason, Requested: time.Now()}
}

// SignalAll requests a stop for every session.
func (r *Registry) SignalAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = &Signal{Reason: reason, Requested: time.Now()}
}

// ClearGlobal removes the global stop flag.
func (r *Registry) ClearGlobal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = nil
}

// Check reports whether the session should stop. The global flag wins and is
// not drained; a per-session flag is drained on read.
func (r *Registry) Check(sessionID string) (*Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.global != nil {
		return r.global, true
	}
	if s, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		return s, true
	}
	return nil, false
}

// Peek reports whether a signal is pending without draining it.
func (r *Registry) Peek(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.global != nil {
		return true
	}
	_, ok := r.sessions[sessionID]
	return ok
}

// Forget drops any pending per-session signal, e.g. when the session ends.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
