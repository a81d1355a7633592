package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/call"
	"github.com/natarajanspnk/studio-signaling/internal/media"
	"github.com/natarajanspnk/studio-signaling/internal/negotiate"
	"github.com/natarajanspnk/studio-signaling/internal/presence"
	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store"
	"github.com/natarajanspnk/studio-signaling/internal/store/memstore"
)

type participant struct {
	controller *call.Controller
	states     chan negotiate.State
	presences  chan presenceEdge
}

type presenceEdge struct {
	role    session.Role
	present bool
}

func newParticipant(t *testing.T, st store.Store, name string) *participant {
	t.Helper()
	p := &participant{
		states:    make(chan negotiate.State, 16),
		presences: make(chan presenceEdge, 16),
	}
	p.controller = call.NewController(call.Config{
		Store:            st,
		DisplayName:      name,
		ICEServers:       []webrtc.ICEServer{},
		NegotiateTimeout: 30 * time.Second,
		Logger:           zerolog.Nop(),
		OnStateChange:    func(s negotiate.State) { p.states <- s },
		OnPresenceChange: func(role session.Role, present bool) {
			p.presences <- presenceEdge{role, present}
		},
	})
	return p
}

func silentMedia(t *testing.T, streamID string) *media.Local {
	t.Helper()
	med, err := media.SilentAudio(streamID)
	if err != nil {
		t.Fatalf("SilentAudio: %v", err)
	}
	return med
}

func waitConnected(t *testing.T, states <-chan negotiate.State) {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case s := <-states:
			switch s {
			case negotiate.StateConnected:
				return
			case negotiate.StateFailed:
				t.Fatalf("negotiation failed while waiting for connect")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connect")
		}
	}
}

func TestJoin_TwoParticipantsConnect(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	clinician := newParticipant(t, st, "Dr. Adams")
	patient := newParticipant(t, st, "Sam Onwuka")

	first, err := clinician.controller.Join(ctx, "appt-101", silentMedia(t, "clinician"))
	if err != nil {
		t.Fatalf("clinician Join: %v", err)
	}
	t.Cleanup(first.Leave)
	if first.Role() != session.RoleInitiator {
		t.Fatalf("first joiner role=%v, want %v", first.Role(), session.RoleInitiator)
	}

	second, err := patient.controller.Join(ctx, "appt-101", silentMedia(t, "patient"))
	if err != nil {
		t.Fatalf("patient Join: %v", err)
	}
	t.Cleanup(second.Leave)
	if second.Role() != session.RoleResponder {
		t.Fatalf("second joiner role=%v, want %v", second.Role(), session.RoleResponder)
	}

	waitConnected(t, clinician.states)
	waitConnected(t, patient.states)

	snap, err := st.GetDocument(ctx, session.DocPath("appt-101"))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	for _, role := range []session.Role{session.RoleInitiator, session.RoleResponder} {
		if !session.Present(snap, role) {
			t.Fatalf("%s not marked present", role)
		}
	}
	if got := session.DisplayName(snap, session.RoleInitiator); got != "Dr. Adams" {
		t.Fatalf("initiator name=%q", got)
	}
}

// TestJoin_ConcurrentInitiators is the dual-initiator race: with no offer
// stored, both participants resolve to initiator, exactly one offer wins,
// and the loser silently retries as responder.
func TestJoin_ConcurrentInitiators(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	a := newParticipant(t, st, "A")
	b := newParticipant(t, st, "B")

	var wg sync.WaitGroup
	calls := make([]*call.Call, 2)
	errs := make([]error, 2)
	join := func(i int, p *participant, streamID string) {
		defer wg.Done()
		calls[i], errs[i] = p.controller.Join(ctx, "appt-202", silentMedia(t, streamID))
	}
	wg.Add(2)
	go join(0, a, "a")
	go join(1, b, "b")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Join[%d]: %v", i, err)
		}
		t.Cleanup(calls[i].Leave)
	}

	if calls[0].Role() == calls[1].Role() {
		t.Fatalf("both participants ended as %v", calls[0].Role())
	}

	waitConnected(t, a.states)
	waitConnected(t, b.states)

	// Exactly one durable offer and one durable answer.
	snap, err := st.GetDocument(ctx, session.DocPath("appt-202"))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if _, ok := session.OfferFromSnapshot(snap); !ok {
		t.Fatalf("no durable offer")
	}
	if _, ok := session.AnswerFromSnapshot(snap); !ok {
		t.Fatalf("no durable answer")
	}
}

func TestLeave_IdempotentAndMarksAbsent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	p := newParticipant(t, st, "Dr. Adams")
	released := 0
	med := media.New(nil, func() { released++ })

	joined, err := p.controller.Join(ctx, "appt-303", med)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	joined.Leave()
	joined.Leave()

	if released != 1 {
		t.Fatalf("media released %d times, want 1", released)
	}
	snap, err := st.GetDocument(ctx, session.DocPath("appt-303"))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if session.Present(snap, session.RoleInitiator) {
		t.Fatalf("still marked present after Leave")
	}
	if got := joined.State(); got != negotiate.StateClosed {
		t.Fatalf("state=%v after Leave, want %v", got, negotiate.StateClosed)
	}
}

func TestJoin_StoreUnavailable(t *testing.T) {
	st := memstore.New(memstore.Options{})
	st.Close()

	p := newParticipant(t, st, "Dr. Adams")
	released := 0
	med := media.New(nil, func() { released++ })

	_, err := p.controller.Join(context.Background(), "appt-404", med)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Join err=%v, want %v", err, store.ErrUnavailable)
	}
	if released != 1 {
		t.Fatalf("media released %d times on abort, want 1", released)
	}
}

func TestJoin_ResponderOntoStaleSession(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	// An answered session cannot be joined again: the re-resolved role is
	// responder and a second answer is refused.
	fields := session.OfferFields(session.Description{Type: "offer", SDP: "v=0\r\n"})
	for k, v := range session.AnswerFields(session.Description{Type: "answer", SDP: "v=0\r\n"}) {
		fields[k] = v
	}
	if err := st.MergeWrite(ctx, session.DocPath("appt-505"), fields); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	p := newParticipant(t, st, "Late Joiner")
	_, err := p.controller.Join(ctx, "appt-505", media.New(nil, nil))
	if !errors.Is(err, negotiate.ErrAlreadyAnswered) {
		t.Fatalf("Join err=%v, want %v", err, negotiate.ErrAlreadyAnswered)
	}

	// Presence was rolled back on the failed attempt.
	snap, err := st.GetDocument(ctx, session.DocPath("appt-505"))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if session.Present(snap, session.RoleResponder) {
		t.Fatalf("responder still present after failed join")
	}
}

func TestPresenceEdges_ReachTheOtherParticipant(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	tracker := presence.NewTracker(st, zerolog.Nop())

	p := newParticipant(t, st, "Watcher")
	joined, err := p.controller.Join(ctx, "appt-606", media.New(nil, nil))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(joined.Leave)

	// Own join edge.
	waitEdge(t, p.presences, presenceEdge{session.RoleInitiator, true})

	if err := tracker.SetPresent(ctx, "appt-606", session.RoleResponder, "Other"); err != nil {
		t.Fatalf("SetPresent: %v", err)
	}
	waitEdge(t, p.presences, presenceEdge{session.RoleResponder, true})

	if err := tracker.SetAbsent(ctx, "appt-606", session.RoleResponder); err != nil {
		t.Fatalf("SetAbsent: %v", err)
	}
	waitEdge(t, p.presences, presenceEdge{session.RoleResponder, false})
}

func waitEdge(t *testing.T, ch <-chan presenceEdge, want presenceEdge) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for presence edge %+v", want)
		}
	}
}
