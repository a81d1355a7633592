package presence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store/memstore"
)

type change struct {
	role    session.Role
	present bool
}

func watchChanges(t *testing.T, tracker *Tracker, sessionID string) <-chan change {
	t.Helper()
	ch := make(chan change, 16)
	cancel, err := tracker.Watch(context.Background(), sessionID, func(role session.Role, present bool) {
		ch <- change{role, present}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(cancel)
	return ch
}

func recvChange(t *testing.T, ch <-chan change) change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for presence change")
		return change{}
	}
}

func expectQuiet(t *testing.T, ch <-chan change) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected presence change: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatch_FiresOnEdgesOnly(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)
	tracker := NewTracker(st, zerolog.Nop())

	ch := watchChanges(t, tracker, "s1")
	expectQuiet(t, ch) // empty session: no initial edges

	if err := tracker.SetPresent(ctx, "s1", session.RoleInitiator, "Dr. Adams"); err != nil {
		t.Fatalf("SetPresent: %v", err)
	}
	got := recvChange(t, ch)
	if got.role != session.RoleInitiator || !got.present {
		t.Fatalf("change=%+v, want initiator joined", got)
	}

	// Unrelated document writes must not re-fire.
	if err := st.MergeWrite(ctx, session.DocPath("s1"), map[string]string{session.FieldOfferSDP: "v=0"}); err != nil {
		t.Fatalf("MergeWrite: %v", err)
	}
	// Re-asserting the same presence is not an edge either.
	if err := tracker.SetPresent(ctx, "s1", session.RoleInitiator, "Dr. Adams"); err != nil {
		t.Fatalf("SetPresent: %v", err)
	}
	expectQuiet(t, ch)

	if err := tracker.SetAbsent(ctx, "s1", session.RoleInitiator); err != nil {
		t.Fatalf("SetAbsent: %v", err)
	}
	got = recvChange(t, ch)
	if got.role != session.RoleInitiator || got.present {
		t.Fatalf("change=%+v, want initiator left", got)
	}
}

func TestWatch_InitialSnapshotReportsAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)
	tracker := NewTracker(st, zerolog.Nop())

	if err := tracker.SetPresent(ctx, "s1", session.RoleResponder, "Sam"); err != nil {
		t.Fatalf("SetPresent: %v", err)
	}

	ch := watchChanges(t, tracker, "s1")
	got := recvChange(t, ch)
	if got.role != session.RoleResponder || !got.present {
		t.Fatalf("change=%+v, want responder already present", got)
	}
	expectQuiet(t, ch)
}

func TestSetAbsent_KeepsDisplayName(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)
	tracker := NewTracker(st, zerolog.Nop())

	if err := tracker.SetPresent(ctx, "s1", session.RoleInitiator, "Dr. Adams"); err != nil {
		t.Fatalf("SetPresent: %v", err)
	}
	if err := tracker.SetAbsent(ctx, "s1", session.RoleInitiator); err != nil {
		t.Fatalf("SetAbsent: %v", err)
	}

	snap, err := st.GetDocument(ctx, session.DocPath("s1"))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if session.Present(snap, session.RoleInitiator) {
		t.Fatalf("initiator still present after SetAbsent")
	}
	if got := session.DisplayName(snap, session.RoleInitiator); got != "Dr. Adams" {
		t.Fatalf("DisplayName=%q, want preserved", got)
	}
}
