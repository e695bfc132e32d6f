package penalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine drives the per (member, kind) state machine: Clean -> Restricted
// -> Clean, escalating to a permanent restriction once the policy table is
// exhausted. The store is the single source of truth; scheduler timers are
// rebuilt from it on startup.
type Engine struct {
	store    Store
	policy   *Policy
	sched    *Scheduler
	effector Effector
	bindings map[Kind]Binding
	logger   *zap.Logger
	clock    Clock
	auditor  Auditor

	mu    sync.Mutex
	state State
	keys  map[string]*sync.Mutex

	// saveMu orders snapshot persistence: the clone and the store write
	// happen as one unit, so a snapshot taken later can never be published
	// before an earlier one.
	saveMu sync.Mutex
}

func NewEngine(store Store, policy *Policy, sched *Scheduler, effector Effector, bindings map[Kind]Binding, logger *zap.Logger) *Engine {
	copied := make(map[Kind]Binding, len(bindings))
	for kind, binding := range bindings {
		copied[kind] = binding
	}
	return &Engine{
		store:    store,
		policy:   policy,
		sched:    sched,
		effector: effector,
		bindings: copied,
		logger:   logger,
		clock:    realClock{},
		state:    make(State),
		keys:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
	e.sched.WithClock(clock)
}

func (e *Engine) SetAuditor(auditor Auditor) {
	e.auditor = auditor
}

// Start loads the persisted snapshot and re-arms every unexpired reversal.
// Records whose expiry passed during downtime are reversed immediately.
func (e *Engine) Start(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load violation store: %w", err)
	}
	if state == nil {
		state = make(State)
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()

	expiries := make(map[string]time.Time)
	kinds := make(map[string]struct {
		memberID string
		kind     Kind
	})
	e.mu.Lock()
	for memberID, byKind := range e.state {
		for kind, rec := range byKind {
			if rec.ExpiresAt == nil {
				continue
			}
			key := timerKey(memberID, kind)
			expiries[key] = *rec.ExpiresAt
			kinds[key] = struct {
				memberID string
				kind     Kind
			}{memberID, kind}
		}
	}
	e.mu.Unlock()

	e.sched.Rehydrate(expiries, func(key string) {
		target := kinds[key]
		e.clear(context.Background(), target.memberID, target.kind, true)
	})
	return nil
}

// HandleGrant processes one qualifying role-grant event.
func (e *Engine) HandleGrant(ctx context.Context, memberID string, kind Kind) {
	binding, ok := e.bindings[kind]
	if !ok {
		return
	}
	key := timerKey(memberID, kind)
	unlock := e.lockKey(key)
	defer unlock()

	e.mu.Lock()
	rec := e.state.Get(memberID, kind)
	rec.Count++
	e.mu.Unlock()

	decision := e.policy.Decide(kind, rec.Count)
	if decision.Action != Restrict {
		e.mu.Lock()
		e.state.Put(memberID, kind, rec)
		e.mu.Unlock()
		e.save(ctx)
		return
	}

	caseID := uuid.NewString()
	action := ActionRestricted
	var expiry *time.Time
	if decision.Permanent {
		action = ActionPermanent
		rec.ExpiresAt = nil
		e.sched.Cancel(key)
	} else {
		at := e.clock.Now().Add(decision.Duration)
		expiry = &at
		rec.ExpiresAt = &at
	}

	// Expiry is persisted before the restriction is applied or the timer
	// armed, so a crash in between cannot strand the member.
	e.mu.Lock()
	e.state.Put(memberID, kind, rec)
	e.mu.Unlock()
	e.save(ctx)

	e.restrictScopes(ctx, memberID, binding.Scopes)

	if !decision.Permanent {
		e.sched.Arm(key, *expiry, func() {
			e.clear(context.Background(), memberID, kind, true)
		})
	}

	e.logger.Info("penalty applied",
		zap.String("case_id", caseID),
		zap.String("member_id", memberID),
		zap.String("kind", string(kind)),
		zap.Int("count", rec.Count),
		zap.Bool("permanent", decision.Permanent))

	if e.auditor != nil {
		e.auditor.PenaltyEvent(ctx, Event{
			CaseID:    caseID,
			MemberID:  memberID,
			Kind:      kind,
			Count:     rec.Count,
			Action:    action,
			ExpiresAt: expiry,
			Notify:    decision.Notify,
		})
	}
}

// HandleRemoval processes a penalty role removed by a moderator before the
// timer fired.
func (e *Engine) HandleRemoval(ctx context.Context, memberID string, kind Kind) {
	if _, ok := e.bindings[kind]; !ok {
		return
	}
	e.clear(ctx, memberID, kind, false)
}

// Record returns the current record for one pair.
func (e *Engine) Record(memberID string, kind Kind) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.state.Get(memberID, kind)
	if rec.ExpiresAt != nil {
		expiry := *rec.ExpiresAt
		rec.ExpiresAt = &expiry
	}
	return rec
}

func (e *Engine) clear(ctx context.Context, memberID string, kind Kind, expired bool) {
	binding := e.bindings[kind]
	key := timerKey(memberID, kind)
	unlock := e.lockKey(key)
	defer unlock()

	e.sched.Cancel(key)

	e.restoreScopes(ctx, memberID, binding.Scopes)
	if expired && binding.RoleID != "" {
		if err := e.effector.RemoveRole(ctx, memberID, binding.RoleID); err != nil {
			e.logger.Warn("penalty role removal failed",
				zap.String("member_id", memberID), zap.Error(err))
		}
	}

	e.mu.Lock()
	rec := e.state.Get(memberID, kind)
	rec.ExpiresAt = nil
	e.state.Put(memberID, kind, rec)
	e.mu.Unlock()
	e.save(ctx)

	e.logger.Info("penalty cleared",
		zap.String("member_id", memberID),
		zap.String("kind", string(kind)),
		zap.Bool("expired", expired))

	if e.auditor != nil {
		e.auditor.PenaltyEvent(ctx, Event{
			CaseID:   uuid.NewString(),
			MemberID: memberID,
			Kind:     kind,
			Count:    rec.Count,
			Action:   ActionRestored,
		})
	}
}

// restrictScopes applies every scope independently; one failed scope never
// blocks the others.
func (e *Engine) restrictScopes(ctx context.Context, memberID string, scopes []string) {
	for _, scope := range scopes {
		if err := e.effector.Restrict(ctx, memberID, scope); err != nil {
			e.logger.Warn("restrict failed",
				zap.String("member_id", memberID),
				zap.String("scope", scope),
				zap.Error(err))
		}
	}
}

func (e *Engine) restoreScopes(ctx context.Context, memberID string, scopes []string) {
	for _, scope := range scopes {
		if err := e.effector.Restore(ctx, memberID, scope); err != nil {
			e.logger.Warn("restore failed",
				zap.String("member_id", memberID),
				zap.String("scope", scope),
				zap.Error(err))
		}
	}
}

// save writes the full snapshot. A failed save keeps the in-memory state
// authoritative and is retried on the next mutation.
func (e *Engine) save(ctx context.Context) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.mu.Lock()
	snapshot := e.state.Clone()
	e.mu.Unlock()
	if err := e.store.Save(ctx, snapshot); err != nil {
		e.logger.Warn("violation store save failed", zap.Error(err))
	}
}

func (e *Engine) lockKey(key string) func() {
	e.mu.Lock()
	lock := e.keys[key]
	if lock == nil {
		lock = &sync.Mutex{}
		e.keys[key] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func timerKey(memberID string, kind Kind) string {
	return memberID + ":" + string(kind)
}
