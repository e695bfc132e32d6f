package penalty

import (
	"context"
	"errors"
	"time"
)

// Kind names a penalty category with its own escalation table and bound scopes.
type Kind string

const (
	KindStandard Kind = "standard"
	KindSpecial  Kind = "special"
)

var ErrStoreUnavailable = errors.New("violation store unavailable")

// Record tracks one (member, kind) pair. A nil ExpiresAt means either no
// active timed restriction or a permanent one; the count and policy table
// disambiguate.
type Record struct {
	Count     int
	ExpiresAt *time.Time
}

// State is the full violation snapshot, member id -> kind -> record.
type State map[string]map[Kind]Record

func (s State) Get(memberID string, kind Kind) Record {
	return s[memberID][kind]
}

func (s State) Put(memberID string, kind Kind, rec Record) {
	kinds := s[memberID]
	if kinds == nil {
		kinds = make(map[Kind]Record)
		s[memberID] = kinds
	}
	kinds[kind] = rec
}

func (s State) Clone() State {
	out := make(State, len(s))
	for memberID, kinds := range s {
		copied := make(map[Kind]Record, len(kinds))
		for kind, rec := range kinds {
			if rec.ExpiresAt != nil {
				expiry := *rec.ExpiresAt
				rec.ExpiresAt = &expiry
			}
			copied[kind] = rec
		}
		out[memberID] = copied
	}
	return out
}

// Store persists violation snapshots. Load returns an empty state when the
// backing medium does not exist yet; both operations report an error wrapping
// ErrStoreUnavailable when the medium cannot be reached.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// Effector applies and reverses restrictions against the platform. All three
// operations are idempotent; a failure affects only the scope it was called
// for.
type Effector interface {
	Restrict(ctx context.Context, memberID, scope string) error
	Restore(ctx context.Context, memberID, scope string) error
	RemoveRole(ctx context.Context, memberID, roleID string) error
}

// Binding ties a kind to the role that triggers it and the scopes it
// restricts.
type Binding struct {
	RoleID string
	Scopes []string
}

// Event describes one applied transition, delivered to the configured
// Auditor after the effector ran.
type Event struct {
	CaseID    string
	MemberID  string
	Kind      Kind
	Count     int
	Action    string
	ExpiresAt *time.Time
	Notify    bool
}

const (
	ActionRestricted = "restricted"
	ActionPermanent  = "permanent"
	ActionRestored   = "restored"
)

type Auditor interface {
	PenaltyEvent(ctx context.Context, event Event)
}
