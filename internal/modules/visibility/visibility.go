package visibility

import (
	"context"

	"go.uber.org/zap"
)

// Effector is the subset of permission operations visibility toggling
// needs.
type Effector interface {
	Reveal(ctx context.Context, memberID, scope string) error
	Restore(ctx context.Context, memberID, scope string) error
}

// Module toggles per-member channel visibility when configured roles come
// and go.
type Module struct {
	scopes map[string][]string
	eff    Effector
	logger *zap.Logger
}

func New(scopes map[string][]string, eff Effector, logger *zap.Logger) *Module {
	copied := make(map[string][]string, len(scopes))
	for roleID, bound := range scopes {
		copied[roleID] = append([]string(nil), bound...)
	}
	return &Module{scopes: copied, eff: eff, logger: logger}
}

// Bound reports whether a role drives visibility.
func (m *Module) Bound(roleID string) bool {
	_, ok := m.scopes[roleID]
	return ok
}

// HandleRoleChange reveals scopes for added roles and re-hides them for
// removed ones. Scopes are attempted independently; one failure never
// blocks the rest.
func (m *Module) HandleRoleChange(ctx context.Context, memberID string, added, removed []string) {
	for _, roleID := range added {
		for _, scope := range m.scopes[roleID] {
			if err := m.eff.Reveal(ctx, memberID, scope); err != nil {
				m.logger.Warn("reveal failed",
					zap.String("member_id", memberID),
					zap.String("scope", scope),
					zap.Error(err))
			}
		}
	}
	for _, roleID := range removed {
		for _, scope := range m.scopes[roleID] {
			if err := m.eff.Restore(ctx, memberID, scope); err != nil {
				m.logger.Warn("re-hide failed",
					zap.String("member_id", memberID),
					zap.String("scope", scope),
					zap.Error(err))
			}
		}
	}
}
