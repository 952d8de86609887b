package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

type memParties struct {
	mu      sync.Mutex
	rows    map[string]*store.PartyData
	members map[string]*store.PartyMemberData
	nextID  int
}

func newMemParties() *memParties {
	return &memParties{
		rows:    map[string]*store.PartyData{},
		members: map[string]*store.PartyMemberData{},
	}
}

func (m *memParties) Create(_ context.Context, p *store.PartyData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memParties) Get(_ context.Context, id string) (*store.PartyData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memParties) List(_ context.Context, _ string, _ int) ([]store.PartyData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PartyData
	for _, p := range m.rows {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memParties) Update(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["status"].(string); ok {
		p.Status = v
	}
	return nil
}

func (m *memParties) AddMember(_ context.Context, mem *store.PartyMemberData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	mem.ID = fmt.Sprintf("member-%d", m.nextID)
	cp := *mem
	m.members[mem.ID] = &cp
	return nil
}

func (m *memParties) Members(_ context.Context, partyID string) ([]store.PartyMemberData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PartyMemberData
	for _, mem := range m.members {
		if mem.PartyID == partyID {
			out = append(out, *mem)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleName != out[j].RoleName {
			return out[i].RoleName < out[j].RoleName
		}
		return out[i].InstanceIndex < out[j].InstanceIndex
	})
	return out, nil
}

func (m *memParties) UpdateMember(_ context.Context, memberID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[memberID]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["status"].(string); ok {
		mem.Status = v
	}
	if v, ok := updates["run_id"].(string); ok {
		mem.RunID = &v
	}
	if v, ok := updates["session_id"].(string); ok {
		mem.SessionID = &v
	}
	if v, ok := updates["crash_count"].(int); ok {
		mem.CrashCount = v
	}
	if v, ok := updates["on_crash"].(string); ok {
		mem.OnCrash = v
	}
	if v, ok := updates["max_retries"].(int); ok {
		mem.MaxRetries = v
	}
	return nil
}

func (m *memParties) MemberByRun(_ context.Context, runID string) (*store.PartyMemberData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.members {
		if mem.RunID != nil && *mem.RunID == runID {
			cp := *mem
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// fakeSpawner hands out run ids and records spawn order; tests drive
// completion by broadcasting lifecycle events on the bus.
type fakeSpawner struct {
	mu      sync.Mutex
	n       int
	spawned chan spawnRecord
	killed  []string
}

type spawnRecord struct {
	RunID string
	Opts  agents.SpawnOpts
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan spawnRecord, 32)}
}

func (f *fakeSpawner) Spawn(_ context.Context, opts agents.SpawnOpts) (*agents.SpawnResult, error) {
	f.mu.Lock()
	f.n++
	runID := fmt.Sprintf("run-%d", f.n)
	sessID := fmt.Sprintf("sess-%d", f.n)
	f.mu.Unlock()
	rec := spawnRecord{RunID: runID, Opts: opts}
	f.spawned <- rec
	return &agents.SpawnResult{RunID: runID, SessionID: sessID}, nil
}

func (f *fakeSpawner) Kill(_ context.Context, runID string, _ int) (*agents.KillResult, error) {
	f.mu.Lock()
	f.killed = append(f.killed, runID)
	f.mu.Unlock()
	return &agents.KillResult{RunID: runID, Status: store.RunKilled}, nil
}

func (f *fakeSpawner) killedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeNotifier) Send(_ context.Context, from, to, content, priority string) (*store.MessageData, error) {
	f.mu.Lock()
	f.sends = append(f.sends, to+": "+content)
	f.mu.Unlock()
	return &store.MessageData{}, nil
}

func (f *fakeNotifier) BroadcastToParty(_ context.Context, from, partyID, content, priority string) ([]store.MessageData, error) {
	f.mu.Lock()
	f.sends = append(f.sends, "party "+partyID+": "+content)
	f.mu.Unlock()
	return nil, nil
}

func testScheduler(t *testing.T) (*Scheduler, *memParties, *fakeSpawner, *fakeNotifier, *bus.Bus) {
	t.Helper()
	events := bus.New()
	st := newMemParties()
	sp := newFakeSpawner()
	nt := &fakeNotifier{}
	cfg := config.Default()
	cfg.Party.DefaultMaxRetries = 2
	s := NewScheduler(cfg, st, sp, nt, events, slog.New(slog.DiscardHandler))
	return s, st, sp, nt, events
}

func waitSpawn(t *testing.T, sp *fakeSpawner) spawnRecord {
	t.Helper()
	select {
	case rec := <-sp.spawned:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("no spawn happened")
		return spawnRecord{}
	}
}

func finishRun(events *bus.Bus, partyID, runID, status string) {
	name := protocol.EventAgentCompleted
	if status != store.RunCompleted {
		name = protocol.EventAgentCrashed
	}
	events.Broadcast(bus.Event{Name: name, Payload: bus.AgentLifecycle{
		RunID:   runID,
		PartyID: partyID,
		Status:  status,
	}})
}

func waitPartyStatus(t *testing.T, st *memParties, id, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.Get(context.Background(), id)
		if err == nil && p.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := st.Get(context.Background(), id)
	t.Fatalf("party status = %s, want %s", p.Status, want)
}

func leaderOpts(def Definition) LaunchOpts {
	return LaunchOpts{Definition: &def, LeaderSessionID: "sess-leader", ProjectID: "/work/proj"}
}

func TestDefinitionValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr error
	}{
		{
			name:    "no roles",
			def:     Definition{Name: "empty"},
			wantErr: store.ErrInvalidState,
		},
		{
			name: "unknown dependency",
			def: Definition{
				Name:         "bad-dep",
				Roles:        map[string]Role{"dev": {Provider: "claude"}},
				Dependencies: map[string][]string{"dev": {"ghost"}},
			},
			wantErr: store.ErrInvalidState,
		},
		{
			name: "cycle",
			def: Definition{
				Name: "loop",
				Roles: map[string]Role{
					"a": {Provider: "claude"},
					"b": {Provider: "claude"},
				},
				Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
			},
			wantErr: store.ErrCycleDetected,
		},
		{
			name: "valid diamond",
			def: Definition{
				Name: "diamond",
				Roles: map[string]Role{
					"plan":   {Provider: "claude"},
					"dev":    {Provider: "claude"},
					"test":   {Provider: "gemini"},
					"review": {Provider: "codex"},
				},
				Dependencies: map[string][]string{
					"dev":    {"plan"},
					"test":   {"plan"},
					"review": {"dev", "test"},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWavesLayering(t *testing.T) {
	def := Definition{
		Name: "pipeline",
		Roles: map[string]Role{
			"plan":   {},
			"dev":    {},
			"review": {},
		},
		Dependencies: map[string][]string{
			"dev":    {"plan"},
			"review": {"dev"},
		},
	}
	waves, err := def.Waves()
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 3 {
		t.Fatalf("waves = %v", waves)
	}
	if waves[0][0] != "plan" || waves[1][0] != "dev" || waves[2][0] != "review" {
		t.Errorf("wave order = %v", waves)
	}
}

func TestDependentWaitsForAllInstances(t *testing.T) {
	s, st, sp, _, events := testScheduler(t)
	def := Definition{
		Name: "two-devs",
		Roles: map[string]Role{
			"dev":    {Provider: "claude", Prompt: "build", Count: 2},
			"review": {Provider: "gemini", Prompt: "review"},
		},
		Dependencies: map[string][]string{"review": {"dev"}},
	}

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}

	dev1 := waitSpawn(t, sp)
	dev2 := waitSpawn(t, sp)

	// One dev done: review must not start yet.
	finishRun(events, party.ID, dev1.RunID, store.RunCompleted)
	select {
	case rec := <-sp.spawned:
		t.Fatalf("premature spawn of %s", rec.Opts.Provider)
	case <-time.After(100 * time.Millisecond):
	}

	finishRun(events, party.ID, dev2.RunID, store.RunCompleted)
	review := waitSpawn(t, sp)
	if review.Opts.Provider != "gemini" {
		t.Errorf("second wave provider = %s", review.Opts.Provider)
	}
	finishRun(events, party.ID, review.RunID, store.RunCompleted)

	waitPartyStatus(t, st, party.ID, store.PartyCompleted)
}

func TestRestartOnCrash(t *testing.T) {
	s, st, sp, _, events := testScheduler(t)
	def := Definition{
		Name: "retry",
		Roles: map[string]Role{
			"dev": {Provider: "claude", Prompt: "x", OnCrash: store.OnCrashRestart, RetryAttempts: 2},
		},
	}

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}

	first := waitSpawn(t, sp)
	finishRun(events, party.ID, first.RunID, store.RunError)

	second := waitSpawn(t, sp)
	if second.RunID == first.RunID {
		t.Fatal("no replacement spawned")
	}
	finishRun(events, party.ID, second.RunID, store.RunCompleted)

	waitPartyStatus(t, st, party.ID, store.PartyCompleted)
	members, _ := st.Members(context.Background(), party.ID)
	if members[0].CrashCount != 1 {
		t.Errorf("crash_count = %d, want 1", members[0].CrashCount)
	}
}

func TestRestartExhaustionFailsParty(t *testing.T) {
	s, st, sp, _, events := testScheduler(t)
	def := Definition{
		Name: "flaky",
		Roles: map[string]Role{
			"dev": {Provider: "claude", Prompt: "x", OnCrash: store.OnCrashRestart, RetryAttempts: 1},
		},
	}

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}

	first := waitSpawn(t, sp)
	finishRun(events, party.ID, first.RunID, store.RunError)
	second := waitSpawn(t, sp)
	finishRun(events, party.ID, second.RunID, store.RunError)

	waitPartyStatus(t, st, party.ID, store.PartyFailed)
}

func TestAbortKillsRemaining(t *testing.T) {
	s, st, sp, _, events := testScheduler(t)
	def := Definition{
		Name: "abort",
		Roles: map[string]Role{
			"risky":  {Provider: "claude", Prompt: "x", OnCrash: store.OnCrashAbort},
			"steady": {Provider: "gemini", Prompt: "y", OnCrash: store.OnCrashRestart},
		},
	}

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}

	a := waitSpawn(t, sp)
	b := waitSpawn(t, sp)
	riskyRun := a.RunID
	steadyRun := b.RunID
	if a.Opts.Provider != "claude" {
		riskyRun, steadyRun = b.RunID, a.RunID
	}

	finishRun(events, party.ID, riskyRun, store.RunKilled)
	waitPartyStatus(t, st, party.ID, store.PartyFailed)

	var steadyKilled bool
	for _, k := range sp.killedRuns() {
		if k == steadyRun {
			steadyKilled = true
		}
	}
	if !steadyKilled {
		t.Errorf("killed = %v, want %s", sp.killedRuns(), steadyRun)
	}
}

func TestPauseNotifiesAndResumes(t *testing.T) {
	s, st, sp, nt, events := testScheduler(t)
	def := Definition{
		Name: "pausing",
		Roles: map[string]Role{
			"dev": {Provider: "claude", Prompt: "x", OnCrash: store.OnCrashPause, Notify: "leader"},
		},
	}

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}

	first := waitSpawn(t, sp)
	finishRun(events, party.ID, first.RunID, store.RunError)

	deadline := time.Now().Add(3 * time.Second)
	for {
		members, _ := st.Members(context.Background(), party.ID)
		if len(members) == 1 && members[0].Status == store.MemberPaused {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("member never paused: %+v", members)
		}
		time.Sleep(10 * time.Millisecond)
	}

	nt.mu.Lock()
	notified := len(nt.sends) > 0
	nt.mu.Unlock()
	if !notified {
		t.Error("leader not notified of pause")
	}

	if err := s.SignalRole(context.Background(), party.ID, "dev", "resume"); err != nil {
		t.Fatal(err)
	}
	second := waitSpawn(t, sp)
	finishRun(events, party.ID, second.RunID, store.RunCompleted)
	waitPartyStatus(t, st, party.ID, store.PartyCompleted)
}

func TestCancelParty(t *testing.T) {
	s, st, sp, _, events := testScheduler(t)
	def := Definition{
		Name:  "cancel-me",
		Roles: map[string]Role{"dev": {Provider: "claude", Prompt: "x"}},
	}

	seen := make(chan string, 16)
	events.Subscribe("test-watch", func(ev bus.Event) {
		select {
		case seen <- ev.Name:
		default:
		}
	})

	party, err := s.Launch(context.Background(), leaderOpts(def))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitSpawn(t, sp)

	if err := s.Cancel(context.Background(), party.ID); err != nil {
		t.Fatal(err)
	}
	waitPartyStatus(t, st, party.ID, store.PartyCancelled)

	waitCancelled := func() {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case name := <-seen:
				if name == protocol.EventPartyFailed {
					t.Fatal("cancel broadcast party.failed")
				}
				if name == protocol.EventPartyCancelled {
					return
				}
			case <-deadline:
				t.Fatal("no party.cancelled event")
			}
		}
	}
	waitCancelled()

	var killed bool
	for _, k := range sp.killedRuns() {
		if k == rec.RunID {
			killed = true
		}
	}
	if !killed {
		t.Errorf("running member not killed on cancel")
	}
}

func TestLaunchUnknownDefinition(t *testing.T) {
	s, _, _, _, _ := testScheduler(t)
	_, err := s.Launch(context.Background(), LaunchOpts{DefinitionName: "ghost", LeaderSessionID: "sess-l"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}
