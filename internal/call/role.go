package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store"
)

// ResolveRole decides which side of the negotiation the local participant
// takes: whoever finds no stored offer initiates, anyone who finds one
// responds.
//
// This is a one-shot read, not a subscription, and it is deliberately not
// atomic against a concurrent initiator; the offer write itself is the
// arbiter (create-if-absent), and Join retries as responder when it loses.
// A store error aborts call setup: retrying a role decision against a
// possibly stale read is not safe.
func ResolveRole(ctx context.Context, st store.Store, sessionID string) (session.Role, error) {
	snap, err := st.GetDocument(ctx, session.DocPath(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return session.RoleInitiator, nil
		}
		return "", fmt.Errorf("resolve role: %w", err)
	}
	if _, ok := session.OfferFromSnapshot(snap); ok {
		return session.RoleResponder, nil
	}
	return session.RoleInitiator, nil
}
