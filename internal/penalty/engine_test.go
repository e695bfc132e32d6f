package penalty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	mu    sync.Mutex
	state State
	saves int
	fail  bool
}

func (s *fakeStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return make(State), nil
	}
	return s.state.Clone(), nil
}

func (s *fakeStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrStoreUnavailable
	}
	s.state = state.Clone()
	s.saves++
	return nil
}

func (s *fakeStore) record(memberID string, kind Kind) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Get(memberID, kind)
}

type fakeEffector struct {
	mu        sync.Mutex
	restricts map[string]int
	restores  map[string]int
	removed   []string
	failScope string
}

func newFakeEffector() *fakeEffector {
	return &fakeEffector{restricts: make(map[string]int), restores: make(map[string]int)}
}

func (e *fakeEffector) Restrict(ctx context.Context, memberID, scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if scope == e.failScope {
		return errors.New("rate limited")
	}
	e.restricts[memberID+"|"+scope]++
	return nil
}

func (e *fakeEffector) Restore(ctx context.Context, memberID, scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if scope == e.failScope {
		return errors.New("rate limited")
	}
	e.restores[memberID+"|"+scope]++
	return nil
}

func (e *fakeEffector) RemoveRole(ctx context.Context, memberID, roleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, memberID+"|"+roleID)
	return nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []Event
}

func (a *recordingAuditor) PenaltyEvent(ctx context.Context, event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) notifyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, event := range a.events {
		if event.Notify {
			count++
		}
	}
	return count
}

func testBindings() map[Kind]Binding {
	return map[Kind]Binding{
		KindStandard: {RoleID: "r-standard", Scopes: []string{"ch-a", "ch-b"}},
		KindSpecial:  {RoleID: "r-special", Scopes: []string{"cat-s"}},
	}
}

func newTestEngine(store Store, effector Effector) (*Engine, *fakeClock) {
	clock := newFakeClock()
	sched := NewScheduler(zap.NewNop())
	engine := NewEngine(store, NewPolicy(testTables()), sched, effector, testBindings(), zap.NewNop())
	engine.WithClock(clock)
	return engine, clock
}

func TestEngineEscalationScenario(t *testing.T) {
	store := &fakeStore{}
	effector := newFakeEffector()
	engine, clock := newTestEngine(store, effector)
	auditor := &recordingAuditor{}
	engine.SetAuditor(auditor)
	ctx := context.Background()

	start := clock.Now()
	engine.HandleGrant(ctx, "42", KindStandard)

	rec := store.record("42", KindStandard)
	if rec.Count != 1 {
		t.Fatalf("expected count 1, got %d", rec.Count)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(start.Add(24*time.Hour)) {
		t.Fatalf("expected expiry at t+24h, got %v", rec.ExpiresAt)
	}
	if effector.restricts["42|ch-a"] != 1 || effector.restricts["42|ch-b"] != 1 {
		t.Fatalf("expected both scopes restricted: %v", effector.restricts)
	}
	if auditor.notifyCount() != 0 {
		t.Fatalf("unexpected notification on first occurrence")
	}

	// Role re-added an hour later after a manual removal.
	clock.Advance(time.Hour)
	engine.HandleGrant(ctx, "42", KindStandard)

	rec = store.record("42", KindStandard)
	if rec.Count != 2 {
		t.Fatalf("expected count 2, got %d", rec.Count)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(start.Add(time.Hour+168*time.Hour)) {
		t.Fatalf("expected expiry at t+1h+168h, got %v", rec.ExpiresAt)
	}
	if auditor.notifyCount() != 1 {
		t.Fatalf("expected exactly one notification, got %d", auditor.notifyCount())
	}

	engine.HandleGrant(ctx, "42", KindStandard)
	rec = store.record("42", KindStandard)
	if rec.Count != 3 || rec.ExpiresAt != nil {
		t.Fatalf("expected permanent at count 3, got %+v", rec)
	}
	if engine.sched.Pending("42:standard") {
		t.Fatalf("no timer should be armed for a permanent restriction")
	}
}

func TestEngineConcurrentGrants(t *testing.T) {
	store := &fakeStore{}
	engine, _ := newTestEngine(store, newFakeEffector())
	ctx := context.Background()

	const grants = 20
	var wg sync.WaitGroup
	for i := 0; i < grants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.HandleGrant(ctx, "u1", KindStandard)
		}()
	}
	wg.Wait()

	if rec := engine.Record("u1", KindStandard); rec.Count != grants {
		t.Fatalf("expected count %d, got %d", grants, rec.Count)
	}

	// The last persisted snapshot must reflect every mutation; a stale
	// clone published after a newer one would lose increments on restart.
	if rec := store.record("u1", KindStandard); rec.Count != grants {
		t.Fatalf("persisted count %d does not match in-memory %d", rec.Count, grants)
	}
}

func TestEngineRestartRehydrate(t *testing.T) {
	expiry := time.Unix(0, 0).Add(5 * time.Second)
	store := &fakeStore{state: State{}}
	store.state.Put("u1", KindStandard, Record{Count: 1, ExpiresAt: &expiry})

	effector := newFakeEffector()
	engine, clock := newTestEngine(store, effector)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(effector.restores) != 0 {
		t.Fatalf("reversal fired before expiry")
	}

	clock.Advance(5 * time.Second)
	if effector.restores["u1|ch-a"] != 1 || effector.restores["u1|ch-b"] != 1 {
		t.Fatalf("expected reversal at expiry: %v", effector.restores)
	}
	if rec := store.record("u1", KindStandard); rec.ExpiresAt != nil {
		t.Fatalf("expiry not cleared after reversal")
	}
	if rec := store.record("u1", KindStandard); rec.Count != 1 {
		t.Fatalf("count must survive reversal, got %d", rec.Count)
	}
}

func TestEnginePastDueOnStart(t *testing.T) {
	expiry := time.Unix(0, 0).Add(-time.Hour)
	store := &fakeStore{state: State{}}
	store.state.Put("u1", KindStandard, Record{Count: 1, ExpiresAt: &expiry})

	effector := newFakeEffector()
	engine, _ := newTestEngine(store, effector)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if effector.restores["u1|ch-a"] != 1 {
		t.Fatalf("past-due restriction not reversed on startup")
	}
	if len(effector.removed) != 1 || effector.removed[0] != "u1|r-standard" {
		t.Fatalf("penalty role not removed on expiry: %v", effector.removed)
	}
}

func TestEnginePartialFailure(t *testing.T) {
	store := &fakeStore{}
	effector := newFakeEffector()
	effector.failScope = "ch-a"
	engine, _ := newTestEngine(store, effector)

	engine.HandleGrant(context.Background(), "u1", KindStandard)

	if effector.restricts["u1|ch-b"] != 1 {
		t.Fatalf("sibling scope skipped after failure: %v", effector.restricts)
	}
}

func TestEngineManualRemoval(t *testing.T) {
	store := &fakeStore{}
	effector := newFakeEffector()
	engine, _ := newTestEngine(store, effector)
	ctx := context.Background()

	engine.HandleGrant(ctx, "u1", KindStandard)
	engine.HandleRemoval(ctx, "u1", KindStandard)

	if effector.restores["u1|ch-a"] != 1 {
		t.Fatalf("manual removal did not restore scopes")
	}
	if len(effector.removed) != 0 {
		t.Fatalf("manual removal must not re-remove the role")
	}
	if engine.sched.Pending("u1:standard") {
		t.Fatalf("timer still pending after manual removal")
	}

	engine.HandleGrant(ctx, "u1", KindStandard)
	if rec := engine.Record("u1", KindStandard); rec.Count != 2 {
		t.Fatalf("expected count 2 on re-grant, got %d", rec.Count)
	}
}

func TestEngineSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	store := &fakeStore{fail: true}
	engine, _ := newTestEngine(store, newFakeEffector())
	ctx := context.Background()

	engine.HandleGrant(ctx, "u1", KindStandard)
	if rec := engine.Record("u1", KindStandard); rec.Count != 1 {
		t.Fatalf("in-memory count lost on save failure")
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	engine.HandleGrant(ctx, "u1", KindStandard)
	if rec := store.record("u1", KindStandard); rec.Count != 2 {
		t.Fatalf("next mutation did not persist state, got %+v", rec)
	}
}
