package party

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// Spawner is the slice of the agent registry the scheduler drives.
type Spawner interface {
	Spawn(ctx context.Context, opts agents.SpawnOpts) (*agents.SpawnResult, error)
	Kill(ctx context.Context, runID string, graceSec int) (*agents.KillResult, error)
}

// Notifier delivers crash notifications through the messaging bus.
type Notifier interface {
	Send(ctx context.Context, from, to, content, priority string) (*store.MessageData, error)
	BroadcastToParty(ctx context.Context, from, partyID, content, priority string) ([]store.MessageData, error)
}

// Scheduler launches parties and supervises their members to completion.
type Scheduler struct {
	cfg      *config.Config
	store    store.PartyStore
	spawner  Spawner
	notifier Notifier
	events   bus.EventPublisher
	logger   *slog.Logger

	mu   sync.Mutex
	defs map[string]Definition
	live map[string]*runtime
}

// runtime is the in-memory state of one running party.
type runtime struct {
	def      Definition
	lifeline chan bus.AgentLifecycle
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(cfg *config.Config, st store.PartyStore, spawner Spawner,
	notifier Notifier, events bus.EventPublisher, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		spawner:  spawner,
		notifier: notifier,
		events:   events,
		logger:   logger,
		defs:     make(map[string]Definition),
		live:     make(map[string]*runtime),
	}
	events.Subscribe("party-scheduler", s.onAgentEvent)
	return s
}

// onAgentEvent routes agent lifecycle events to the owning party's runtime.
func (s *Scheduler) onAgentEvent(ev bus.Event) {
	lc, ok := ev.Payload.(bus.AgentLifecycle)
	if !ok || lc.PartyID == "" {
		return
	}
	switch ev.Name {
	case protocol.EventAgentCompleted, protocol.EventAgentFailed,
		protocol.EventAgentKilled, protocol.EventAgentCrashed:
	default:
		return
	}

	s.mu.Lock()
	rt := s.live[lc.PartyID]
	s.mu.Unlock()
	if rt == nil {
		return
	}
	select {
	case rt.lifeline <- lc:
	default:
		s.logger.Warn("party lifeline full, event dropped",
			"party_id", lc.PartyID, "run_id", lc.RunID)
	}
}

// SaveDefinition registers a reusable party definition by name.
func (s *Scheduler) SaveDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("definition needs a name: %w", store.ErrInvalidState)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.defs[def.Name] = def
	s.mu.Unlock()
	return nil
}

// Definition returns a previously saved definition.
func (s *Scheduler) Definition(name string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	return def, ok
}

// LaunchOpts starts a party from a saved name or an inline definition.
type LaunchOpts struct {
	DefinitionName  string
	Definition      *Definition
	LeaderSessionID string
	ProjectID       string
	TaskID          string
}

// Launch validates, persists, and starts the party. Waves execute in a
// background goroutine; the returned row is already in running state.
func (s *Scheduler) Launch(ctx context.Context, opts LaunchOpts) (*store.PartyData, error) {
	var def Definition
	switch {
	case opts.Definition != nil:
		def = *opts.Definition
	case opts.DefinitionName != "":
		stored, ok := s.Definition(opts.DefinitionName)
		if !ok {
			return nil, fmt.Errorf("party definition %q: %w", opts.DefinitionName, store.ErrNotFound)
		}
		def = stored
	default:
		return nil, fmt.Errorf("launch needs a definition: %w", store.ErrInvalidState)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	party := &store.PartyData{
		ID:                 store.NewID(store.PrefixParty),
		DefinitionSnapshot: string(snapshot),
		ProjectID:          opts.ProjectID,
		Status:             store.PartyRunning,
	}
	if opts.LeaderSessionID != "" {
		party.LeaderSessionID = &opts.LeaderSessionID
	}
	if opts.TaskID != "" {
		party.TaskID = &opts.TaskID
	}
	if err := s.store.Create(ctx, party); err != nil {
		return nil, fmt.Errorf("create party: %w", err)
	}

	for role := range def.Roles {
		onCrash, retries, _ := def.roleRecovery(role)
		for i := 0; i < def.roleCount(role); i++ {
			member := &store.PartyMemberData{
				PartyID:       party.ID,
				RoleName:      role,
				InstanceIndex: i,
				Status:        store.MemberPending,
				OnCrash:       onCrash,
				MaxRetries:    retries,
			}
			if member.MaxRetries == 0 {
				member.MaxRetries = s.cfg.Party.DefaultMaxRetries
			}
			if err := s.store.AddMember(ctx, member); err != nil {
				return nil, fmt.Errorf("add member: %w", err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		def:      def,
		lifeline: make(chan bus.AgentLifecycle, 128),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.live[party.ID] = rt
	s.mu.Unlock()

	s.events.Broadcast(bus.Event{Name: protocol.EventPartyStarted, Payload: party})
	s.logger.Info("party launched", "party_id", party.ID, "roles", len(def.Roles))

	go s.run(runCtx, party, rt)
	return party, nil
}

// run executes the party's waves to completion.
func (s *Scheduler) run(ctx context.Context, party *store.PartyData, rt *runtime) {
	defer close(rt.done)
	defer func() {
		s.mu.Lock()
		delete(s.live, party.ID)
		s.mu.Unlock()
	}()

	waves, err := rt.def.Waves()
	if err != nil {
		s.fail(ctx, party, err.Error())
		return
	}

	for _, wave := range waves {
		if err := s.spawnWave(ctx, party, rt, wave); err != nil {
			s.fail(ctx, party, err.Error())
			return
		}
		if !s.awaitWave(ctx, party, rt, wave) {
			return
		}
	}

	now := time.Now()
	if err := s.store.Update(ctx, party.ID, map[string]any{
		"status":       store.PartyCompleted,
		"completed_at": now,
	}); err != nil {
		s.logger.Warn("party completion update failed", "party_id", party.ID, "error", err)
	}
	party.Status = store.PartyCompleted
	s.events.Broadcast(bus.Event{Name: protocol.EventPartyCompleted, Payload: party})
	s.logger.Info("party completed", "party_id", party.ID)
}

// spawnWave starts every pending instance of the wave's roles.
func (s *Scheduler) spawnWave(ctx context.Context, party *store.PartyData, rt *runtime, wave []string) error {
	members, err := s.store.Members(ctx, party.ID)
	if err != nil {
		return err
	}
	inWave := map[string]bool{}
	for _, role := range wave {
		inWave[role] = true
	}
	for i := range members {
		m := &members[i]
		if !inWave[m.RoleName] || m.Status != store.MemberPending {
			continue
		}
		if err := s.spawnMember(ctx, party, rt.def, m); err != nil {
			return fmt.Errorf("spawn %s[%d]: %w", m.RoleName, m.InstanceIndex, err)
		}
	}
	return nil
}

func (s *Scheduler) spawnMember(ctx context.Context, party *store.PartyData, def Definition, m *store.PartyMemberData) error {
	role := def.Roles[m.RoleName]
	if party.LeaderSessionID == nil {
		return fmt.Errorf("party %s has no leader session to spawn from: %w", party.ID, store.ErrInvalidState)
	}
	parent := *party.LeaderSessionID

	mode := role.Mode
	if mode == "" {
		mode = store.ModeHeadless
	}
	res, err := s.spawner.Spawn(ctx, agents.SpawnOpts{
		ParentSessionID:   parent,
		Provider:          role.Provider,
		Mode:              mode,
		Workflow:          role.Workflow,
		Prompt:            role.Prompt,
		IsolationOverride: role.Isolation,
		PartyID:           party.ID,
	})
	if err != nil {
		return err
	}

	updates := map[string]any{
		"status":     store.MemberRunning,
		"run_id":     res.RunID,
		"session_id": res.SessionID,
	}
	if err := s.store.UpdateMember(ctx, m.ID, updates); err != nil {
		return err
	}
	m.Status = store.MemberRunning
	m.RunID = &res.RunID
	m.SessionID = &res.SessionID

	s.events.Broadcast(bus.Event{Name: protocol.EventPartyMember, Payload: *m})
	return nil
}

// awaitWave blocks until every member of the wave's roles completes. Returns
// false when the party aborted or was cancelled.
func (s *Scheduler) awaitWave(ctx context.Context, party *store.PartyData, rt *runtime, wave []string) bool {
	inWave := map[string]bool{}
	for _, role := range wave {
		inWave[role] = true
	}

	for {
		settled, err := s.waveSettled(ctx, party.ID, inWave)
		if err != nil {
			s.fail(ctx, party, err.Error())
			return false
		}
		if settled {
			return true
		}

		select {
		case <-ctx.Done():
			s.cancelMembers(context.Background(), party)
			s.markStatus(context.Background(), party, store.PartyCancelled)
			return false
		case lc := <-rt.lifeline:
			if !s.handleLifecycle(ctx, party, rt, lc) {
				return false
			}
		case <-time.After(2 * time.Second):
			// Poll fallback in case a lifeline event was dropped.
		}
	}
}

// waveSettled reports whether every member of the wave's roles completed.
// Paused members hold the wave open until signal_role resumes them.
func (s *Scheduler) waveSettled(ctx context.Context, partyID string, inWave map[string]bool) (bool, error) {
	members, err := s.store.Members(ctx, partyID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if inWave[m.RoleName] && m.Status != store.MemberCompleted {
			return false, nil
		}
	}
	return true, nil
}

// handleLifecycle applies one terminal agent event to its member. Returns
// false when the party is aborted.
func (s *Scheduler) handleLifecycle(ctx context.Context, party *store.PartyData, rt *runtime, lc bus.AgentLifecycle) bool {
	member, err := s.store.MemberByRun(ctx, lc.RunID)
	if err != nil {
		s.logger.Warn("lifecycle for unknown member", "run_id", lc.RunID, "error", err)
		return true
	}
	if member.Status == store.MemberCompleted {
		return true
	}

	if lc.Status == store.RunCompleted {
		if err := s.store.UpdateMember(ctx, member.ID, map[string]any{"status": store.MemberCompleted}); err != nil {
			s.logger.Warn("member completion update failed", "member_id", member.ID, "error", err)
		}
		member.Status = store.MemberCompleted
		s.events.Broadcast(bus.Event{Name: protocol.EventPartyMember, Payload: *member})
		return true
	}

	return s.recover(ctx, party, rt, member, lc)
}

// recover applies the member's crash policy.
func (s *Scheduler) recover(ctx context.Context, party *store.PartyData, rt *runtime, member *store.PartyMemberData, lc bus.AgentLifecycle) bool {
	s.logger.Warn("party member crashed",
		"party_id", party.ID, "role", member.RoleName,
		"instance", member.InstanceIndex, "run_status", lc.Status, "error", lc.Error)

	switch member.OnCrash {
	case store.OnCrashRestart:
		if member.CrashCount < member.MaxRetries {
			if err := s.store.UpdateMember(ctx, member.ID, map[string]any{
				"status":      store.MemberPending,
				"crash_count": member.CrashCount + 1,
			}); err != nil {
				s.logger.Warn("restart bookkeeping failed", "member_id", member.ID, "error", err)
				return true
			}
			member.Status = store.MemberPending
			member.CrashCount++
			if err := s.spawnMember(ctx, party, rt.def, member); err != nil {
				s.logger.Warn("restart spawn failed", "member_id", member.ID, "error", err)
				s.markMember(ctx, member, store.MemberFailed)
				s.abort(ctx, party, "restart of "+member.RoleName+" failed: "+err.Error())
				return false
			}
			return true
		}
		// Retries exhausted: treat as abort.
		s.markMember(ctx, member, store.MemberFailed)
		s.abort(ctx, party, fmt.Sprintf("role %s exhausted %d retries", member.RoleName, member.MaxRetries))
		return false

	case store.OnCrashPause:
		s.markMember(ctx, member, store.MemberPaused)
		s.notifyCrash(ctx, party, member, lc)
		return true

	case store.OnCrashAbort:
		s.markMember(ctx, member, store.MemberCrashed)
		s.abort(ctx, party, "role "+member.RoleName+" crashed with on_crash=abort")
		return false
	}
	return true
}

func (s *Scheduler) notifyCrash(ctx context.Context, party *store.PartyData, member *store.PartyMemberData, lc bus.AgentLifecycle) {
	if s.notifier == nil || member.SessionID == nil {
		return
	}
	_, _, notify := partyNotify(party, member)
	content := fmt.Sprintf("party %s: role %s instance %d crashed (%s) and is paused; use signal_role to resume",
		party.ID, member.RoleName, member.InstanceIndex, lc.Status)

	switch notify {
	case "party":
		if _, err := s.notifier.BroadcastToParty(ctx, *member.SessionID, party.ID, content, store.MessageUrgent); err != nil {
			s.logger.Warn("party crash broadcast failed", "party_id", party.ID, "error", err)
		}
	case "leader":
		if party.LeaderSessionID == nil {
			s.logger.Warn("crash notify has no leader", "party_id", party.ID)
			return
		}
		if _, err := s.notifier.Send(ctx, *member.SessionID, *party.LeaderSessionID, content, store.MessageUrgent); err != nil {
			s.logger.Warn("crash notify failed", "party_id", party.ID, "error", err)
		}
	default:
		// "user" has no delivery channel inside the daemon; surfaced in logs
		// and over the WS event stream.
		s.logger.Warn("party member paused, operator attention needed",
			"party_id", party.ID, "role", member.RoleName)
	}
}

// partyNotify resolves the notify target from the stored definition snapshot.
func partyNotify(party *store.PartyData, member *store.PartyMemberData) (string, int, string) {
	var def Definition
	if err := json.Unmarshal([]byte(party.DefinitionSnapshot), &def); err != nil {
		return store.OnCrashRestart, 0, "leader"
	}
	return def.roleRecovery(member.RoleName)
}

func (s *Scheduler) markMember(ctx context.Context, member *store.PartyMemberData, status string) {
	if err := s.store.UpdateMember(ctx, member.ID, map[string]any{"status": status}); err != nil {
		s.logger.Warn("member status update failed", "member_id", member.ID, "error", err)
	}
	member.Status = status
	s.events.Broadcast(bus.Event{Name: protocol.EventPartyMember, Payload: *member})
}

// abort kills everything still running and marks the party failed.
func (s *Scheduler) abort(ctx context.Context, party *store.PartyData, reason string) {
	s.cancelMembers(ctx, party)
	s.fail(ctx, party, reason)
}

func (s *Scheduler) cancelMembers(ctx context.Context, party *store.PartyData) {
	members, err := s.store.Members(ctx, party.ID)
	if err != nil {
		s.logger.Warn("member list for cancel failed", "party_id", party.ID, "error", err)
		return
	}
	for i := range members {
		m := &members[i]
		if m.Status != store.MemberRunning || m.RunID == nil {
			continue
		}
		if _, err := s.spawner.Kill(ctx, *m.RunID, 0); err != nil {
			s.logger.Warn("member kill failed", "member_id", m.ID, "error", err)
		}
		s.markMember(ctx, m, store.MemberFailed)
	}
}

func (s *Scheduler) fail(ctx context.Context, party *store.PartyData, reason string) {
	s.markStatus(ctx, party, store.PartyFailed)
	s.logger.Error("party failed", "party_id", party.ID, "reason", reason)
}

func (s *Scheduler) markStatus(ctx context.Context, party *store.PartyData, status string) {
	now := time.Now()
	if err := s.store.Update(ctx, party.ID, map[string]any{
		"status":       status,
		"completed_at": now,
	}); err != nil {
		s.logger.Warn("party status update failed", "party_id", party.ID, "error", err)
	}
	party.Status = status
	name := protocol.EventPartyFailed
	switch status {
	case store.PartyCompleted:
		name = protocol.EventPartyCompleted
	case store.PartyCancelled:
		name = protocol.EventPartyCancelled
	}
	s.events.Broadcast(bus.Event{Name: name, Payload: party})
}

// Status returns the party row and its members.
func (s *Scheduler) Status(ctx context.Context, partyID string) (*store.PartyData, []store.PartyMemberData, error) {
	party, err := s.store.Get(ctx, partyID)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.store.Members(ctx, partyID)
	if err != nil {
		return nil, nil, err
	}
	return party, members, nil
}

// List returns recent parties for a project.
func (s *Scheduler) List(ctx context.Context, projectID string, limit int) ([]store.PartyData, error) {
	return s.store.List(ctx, projectID, limit)
}

// SignalRole resumes paused members of a role (action "resume") or kills its
// running members (action "stop").
func (s *Scheduler) SignalRole(ctx context.Context, partyID, role, action string) error {
	party, err := s.store.Get(ctx, partyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rt := s.live[partyID]
	s.mu.Unlock()

	members, err := s.store.Members(ctx, partyID)
	if err != nil {
		return err
	}

	switch action {
	case "resume":
		if rt == nil {
			return fmt.Errorf("party %s is not running: %w", partyID, store.ErrInvalidState)
		}
		for i := range members {
			m := &members[i]
			if m.RoleName != role || m.Status != store.MemberPaused {
				continue
			}
			if err := s.store.UpdateMember(ctx, m.ID, map[string]any{"status": store.MemberPending}); err != nil {
				return err
			}
			m.Status = store.MemberPending
			if err := s.spawnMember(ctx, party, rt.def, m); err != nil {
				return err
			}
		}
		return nil
	case "stop":
		for _, m := range members {
			if m.RoleName != role || m.Status != store.MemberRunning || m.RunID == nil {
				continue
			}
			if _, err := s.spawner.Kill(ctx, *m.RunID, 0); err != nil {
				s.logger.Warn("role stop kill failed", "member_id", m.ID, "error", err)
			}
		}
		return nil
	}
	return fmt.Errorf("signal action %q: %w", action, store.ErrInvalidState)
}

// OverrideRecovery changes the crash policy of a role's members mid-run.
func (s *Scheduler) OverrideRecovery(ctx context.Context, partyID, role, onCrash string, retries int) error {
	switch onCrash {
	case store.OnCrashRestart, store.OnCrashPause, store.OnCrashAbort:
	default:
		return fmt.Errorf("on_crash %q: %w", onCrash, store.ErrInvalidState)
	}
	members, err := s.store.Members(ctx, partyID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.RoleName != role {
			continue
		}
		updates := map[string]any{"on_crash": onCrash}
		if retries > 0 {
			updates["max_retries"] = retries
		}
		if err := s.store.UpdateMember(ctx, m.ID, updates); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops a running party: members are killed and the party is marked
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, partyID string) error {
	party, err := s.store.Get(ctx, partyID)
	if err != nil {
		return err
	}
	if party.Status != store.PartyRunning && party.Status != store.PartyPending {
		return fmt.Errorf("party %s is %s: %w", partyID, party.Status, store.ErrInvalidState)
	}

	s.mu.Lock()
	rt := s.live[partyID]
	s.mu.Unlock()
	if rt != nil {
		rt.cancel()
		<-rt.done
		return nil
	}

	s.cancelMembers(ctx, party)
	s.markStatus(ctx, party, store.PartyCancelled)
	return nil
}

// Wait blocks until the party's runtime exits. Test hook and daemon
// shutdown aid; parties with no runtime return immediately.
func (s *Scheduler) Wait(partyID string) {
	s.mu.Lock()
	rt := s.live[partyID]
	s.mu.Unlock()
	if rt != nil {
		<-rt.done
	}
}
