// Package presence maintains the per-role "in the room" flags on the
// session document and notifies watchers on join/leave transitions.
package presence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store"
)

// ChangeFunc observes presence edges: present=true when the role joined,
// false when it left. It fires on transitions only, never on unrelated
// document writes.
type ChangeFunc func(role session.Role, present bool)

// Tracker reads and writes presence on session documents.
type Tracker struct {
	store store.Store
	log   zerolog.Logger
}

// NewTracker returns a Tracker over the given store.
func NewTracker(st store.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: st, log: logger}
}

// SetPresent marks the role present and records its display name in one
// merge-write.
func (t *Tracker) SetPresent(ctx context.Context, sessionID string, role session.Role, displayName string) error {
	err := t.store.MergeWrite(ctx, session.DocPath(sessionID), map[string]string{
		role.PresentField(): "true",
		role.NameField():    displayName,
	})
	if err != nil {
		return fmt.Errorf("mark present: %w", err)
	}
	return nil
}

// SetAbsent clears the presence flag. The display name is left in place
// so the session history keeps showing who was on the call.
func (t *Tracker) SetAbsent(ctx context.Context, sessionID string, role session.Role) error {
	err := t.store.MergeWrite(ctx, session.DocPath(sessionID), map[string]string{
		role.PresentField(): "false",
	})
	if err != nil {
		return fmt.Errorf("mark absent: %w", err)
	}
	return nil
}

// Watch subscribes to the session document and reports presence edges to
// fn. The initial snapshot reports roles that are already present; after
// that fn fires once per transition. Cancel is synchronous.
func (t *Tracker) Watch(ctx context.Context, sessionID string, fn ChangeFunc) (store.CancelFunc, error) {
	// Snapshot callbacks of one subscription are sequential, so the seen
	// map needs no locking.
	seen := map[session.Role]bool{
		session.RoleInitiator: false,
		session.RoleResponder: false,
	}
	cancel, err := t.store.SubscribeDocument(ctx, session.DocPath(sessionID), func(snap store.Snapshot) {
		for _, role := range []session.Role{session.RoleInitiator, session.RoleResponder} {
			now := session.Present(snap, role)
			if now == seen[role] {
				continue
			}
			seen[role] = now
			fn(role, now)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch presence: %w", err)
	}
	return cancel, nil
}
