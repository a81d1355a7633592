// Package negotiate drives the offer/answer/candidate exchange for one
// call attempt.
//
// An Engine owns exactly one peer connection, the local media handle it
// was started with, and every store subscription registered during the
// attempt. Nothing here is global: concurrent or back-to-back attempts
// cannot see each other's connection state. Engines are single-use; a
// failed attempt is torn down and a new engine is built after a fresh
// role resolution.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/media"
	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store"
)

const (
	// DefaultNegotiateTimeout bounds the wait for the remote participant.
	// Without a bound a call attempt waits forever on a session nobody
	// else ever joins.
	DefaultNegotiateTimeout = 45 * time.Second

	// candidateWriteTimeout bounds the store append performed from the
	// local candidate callback, which has no caller context.
	candidateWriteTimeout = 10 * time.Second

	// controlChannelLabel is the data channel the initiator opens so the
	// offer always carries an m-line, media tracks or not.
	controlChannelLabel = "control"
)

// Config wires an Engine's dependencies.
type Config struct {
	Store store.Store

	// API optionally overrides the pion API, e.g. with a vnet-backed
	// SettingEngine in tests. Nil means the default API.
	API *webrtc.API

	// ICEServers for the peer connection. Nil means DefaultICEServers;
	// an empty non-nil list disables STUN/TURN (host candidates only).
	ICEServers []webrtc.ICEServer

	// NegotiateTimeout caps the time from Begin to Connected. Zero means
	// DefaultNegotiateTimeout; negative disables the bound.
	NegotiateTimeout time.Duration

	Logger zerolog.Logger

	// OnStateChange observes lifecycle transitions. Must not call back
	// into the Engine.
	OnStateChange func(State)

	// OnRemoteTrack observes established remote media tracks.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Engine is the negotiation state machine for a single call attempt.
type Engine struct {
	store      store.Store
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	timeout    time.Duration
	log        zerolog.Logger
	onState    func(State)
	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	remote pendingCandidates

	mu            sync.Mutex
	state         State
	err           error
	begun         bool
	sessionID     string
	role          session.Role
	pc            *webrtc.PeerConnection
	media         *media.Local
	cancels       []store.CancelFunc
	timer         *time.Timer
	remoteClaimed bool

	down sync.Once
}

// New returns an idle engine.
func New(cfg Config) *Engine {
	timeout := cfg.NegotiateTimeout
	switch {
	case timeout == 0:
		timeout = DefaultNegotiateTimeout
	case timeout < 0:
		timeout = 0
	}
	return &Engine{
		store:      cfg.Store,
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		timeout:    timeout,
		log:        cfg.Logger,
		onState:    cfg.OnStateChange,
		onTrack:    cfg.OnRemoteTrack,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the first error recorded on the attempt, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// BeginAsInitiator creates the offer and stores it, then waits (via the
// document subscription) for the answer and the responder's candidates.
//
// The offer write uses create-if-absent semantics: when two participants
// race to initiate the same session, exactly one offer survives and the
// loser gets ErrOfferTaken back, with no store state written by it. On
// any error the local media stays with the caller.
func (e *Engine) BeginAsInitiator(ctx context.Context, sessionID string, med *media.Local) error {
	if err := e.claim(sessionID, session.RoleInitiator); err != nil {
		return err
	}

	pc, err := e.buildPeer(med, true)
	if err != nil {
		return e.failBegin(fmt.Errorf("%w: build peer connection: %v", ErrNegotiationFailed, err))
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return e.failBegin(fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
	}

	docPath := session.DocPath(sessionID)
	if err := e.store.CreateIfAbsent(ctx, docPath, session.OfferFields(session.FromPion(offer))); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			e.Teardown()
			return ErrOfferTaken
		}
		e.Teardown()
		return fmt.Errorf("write offer: %w", err)
	}

	// Candidate gathering starts here, after the offer write: a race
	// loser must never append to the offer-candidate stream.
	if err := pc.SetLocalDescription(offer); err != nil {
		return e.failBegin(fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err))
	}

	cancelDoc, err := e.store.SubscribeDocument(ctx, docPath, e.onSessionDoc)
	if err != nil {
		e.Teardown()
		return fmt.Errorf("subscribe session: %w", err)
	}
	e.addCancel(cancelDoc)

	cancelCand, err := e.store.SubscribeCollection(ctx, e.role.RemoteCandidatesPath(sessionID), e.onRemoteCandidate)
	if err != nil {
		e.Teardown()
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	e.addCancel(cancelCand)

	e.adopt(med)
	e.transition(StateNegotiating, nil)
	e.armTimer()
	e.log.Debug().Str("session", sessionID).Msg("initiating call")
	return nil
}

// BeginAsResponder loads the stored offer, answers it, and replays the
// initiator's candidate stream.
//
// Fails with ErrOfferMissing when the session has no offer (stale session
// or a role resolved against an outdated read) and with ErrAlreadyAnswered
// when another responder got there first; the answer is written at most
// once per session.
func (e *Engine) BeginAsResponder(ctx context.Context, sessionID string, med *media.Local) error {
	if err := e.claim(sessionID, session.RoleResponder); err != nil {
		return err
	}

	docPath := session.DocPath(sessionID)
	snap, err := e.store.GetDocument(ctx, docPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.failBegin(ErrOfferMissing)
		}
		return e.failBegin(fmt.Errorf("read session: %w", err))
	}
	offer, ok := session.OfferFromSnapshot(snap)
	if !ok {
		return e.failBegin(ErrOfferMissing)
	}
	if _, answered := session.AnswerFromSnapshot(snap); answered {
		return e.failBegin(ErrAlreadyAnswered)
	}

	remoteDesc, err := offer.ToPion()
	if err != nil {
		return e.failBegin(fmt.Errorf("%w: stored offer: %v", ErrNegotiationFailed, err))
	}

	pc, err := e.buildPeer(med, false)
	if err != nil {
		return e.failBegin(fmt.Errorf("%w: build peer connection: %v", ErrNegotiationFailed, err))
	}

	if err := pc.SetRemoteDescription(remoteDesc); err != nil {
		return e.failBegin(fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err))
	}
	e.mu.Lock()
	e.remoteClaimed = true
	e.mu.Unlock()
	e.remote.Open()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return e.failBegin(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
	}

	if err := e.store.CreateIfAbsent(ctx, docPath, session.AnswerFields(session.FromPion(answer))); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			e.Teardown()
			return ErrAlreadyAnswered
		}
		e.Teardown()
		return fmt.Errorf("write answer: %w", err)
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		return e.failBegin(fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err))
	}

	cancelCand, err := e.store.SubscribeCollection(ctx, e.role.RemoteCandidatesPath(sessionID), e.onRemoteCandidate)
	if err != nil {
		e.Teardown()
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	e.addCancel(cancelCand)

	e.adopt(med)
	e.transition(StateNegotiating, nil)
	e.armTimer()
	e.log.Debug().Str("session", sessionID).Msg("answering call")
	return nil
}

// Teardown cancels the attempt's subscriptions, closes the peer
// connection, and releases adopted media. After it returns no engine
// callback fires again. Safe to call any number of times, from any state.
func (e *Engine) Teardown() {
	e.down.Do(func() {
		e.mu.Lock()
		cancels := e.cancels
		e.cancels = nil
		timer := e.timer
		e.timer = nil
		pc := e.pc
		med := e.media
		e.media = nil
		prev := e.state
		if !prev.terminal() {
			e.state = StateClosed
		}
		cb := e.onState
		e.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		// Cancels are synchronous: no candidate or answer can be applied
		// to the connection once it is closed below.
		for _, cancel := range cancels {
			cancel()
		}
		if pc != nil {
			_ = pc.Close()
		}
		if med != nil {
			med.Release()
		}
		if cb != nil && !prev.terminal() {
			cb(StateClosed)
		}
	})
}

// claim marks the engine as used for the given attempt.
func (e *Engine) claim(sessionID string, role session.Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.begun {
		return ErrBegun
	}
	if e.store == nil {
		return errors.New("negotiate: config missing store")
	}
	e.begun = true
	e.sessionID = sessionID
	e.role = role
	return nil
}

func (e *Engine) buildPeer(med *media.Local, initiator bool) (*webrtc.PeerConnection, error) {
	pc, err := newPeerConnection(e.api, e.iceServers)
	if err != nil {
		return nil, err
	}

	for _, track := range med.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	if initiator {
		if _, err := pc.CreateDataChannel(controlChannelLabel, nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
	}

	pc.OnICECandidate(e.onLocalCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.transition(StateConnected, nil)
		if e.onTrack != nil {
			e.onTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.transition(StateConnected, nil)
		case webrtc.PeerConnectionStateFailed:
			e.transition(StateFailed, fmt.Errorf("%w: transport failed", ErrNegotiationFailed))
		}
	})

	e.mu.Lock()
	e.pc = pc
	e.mu.Unlock()
	return pc, nil
}

// onSessionDoc watches the session document for the answer (initiator
// side only; the responder never subscribes to the document here).
func (e *Engine) onSessionDoc(snap store.Snapshot) {
	answer, ok := session.AnswerFromSnapshot(snap)
	if !ok {
		return
	}

	// The initial snapshot can arrive before Begin has moved the engine to
	// Negotiating; an answer already present in it still counts.
	e.mu.Lock()
	if e.remoteClaimed || e.state.terminal() {
		e.mu.Unlock()
		return
	}
	e.remoteClaimed = true
	pc := e.pc
	e.mu.Unlock()

	desc, err := answer.ToPion()
	if err != nil {
		e.transition(StateFailed, fmt.Errorf("%w: stored answer: %v", ErrNegotiationFailed, err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		e.transition(StateFailed, fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err))
		return
	}

	// Remote description is in; release everything that arrived early, in
	// arrival order.
	for _, c := range e.remote.Open() {
		if err := pc.AddICECandidate(c); err != nil {
			e.log.Warn().Err(err).Msg("apply queued candidate")
		}
	}
}

func (e *Engine) onRemoteCandidate(rec store.Record) {
	init, err := session.CandidateFromRecord(rec)
	if err != nil {
		e.log.Warn().Err(err).Str("record", rec.ID).Msg("skipping malformed candidate record")
		return
	}
	if !e.remote.Add(init) {
		return
	}

	e.mu.Lock()
	pc := e.pc
	state := e.state
	e.mu.Unlock()
	if pc == nil || state.terminal() {
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		e.log.Warn().Err(err).Msg("apply candidate")
	}
}

func (e *Engine) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // end of gathering
	}
	fields, err := session.CandidateFields(c.ToJSON())
	if err != nil {
		e.log.Warn().Err(err).Msg("encode local candidate")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), candidateWriteTimeout)
	defer cancel()
	if _, err := e.store.AppendToCollection(ctx, e.role.LocalCandidatesPath(e.sessionID), fields); err != nil {
		e.log.Warn().Err(err).Msg("publish local candidate")
	}
}

// transition moves the lifecycle forward. Backward moves and moves out of
// a terminal state are ignored, so late pion callbacks cannot resurrect a
// finished attempt.
func (e *Engine) transition(to State, cause error) {
	e.mu.Lock()
	if e.state.terminal() || to <= e.state {
		e.mu.Unlock()
		return
	}
	e.state = to
	if cause != nil && e.err == nil {
		e.err = cause
	}
	if to == StateConnected && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(to)
	}
}

func (e *Engine) failBegin(err error) error {
	e.transition(StateFailed, err)
	e.Teardown()
	return err
}

func (e *Engine) addCancel(cancel store.CancelFunc) {
	e.mu.Lock()
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()
}

func (e *Engine) adopt(med *media.Local) {
	e.mu.Lock()
	e.media = med
	e.mu.Unlock()
}

func (e *Engine) armTimer() {
	if e.timeout <= 0 {
		return
	}
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}
	e.timer = time.AfterFunc(e.timeout, e.expire)
	e.mu.Unlock()
}

// expire fails the attempt on timeout. Only a still-negotiating attempt
// expires: the timer is stopped on Connected, but a callback already in
// flight at that moment must not demote an established connection.
func (e *Engine) expire() {
	e.mu.Lock()
	if e.state != StateNegotiating {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	if e.err == nil {
		e.err = ErrNegotiateTimeout
	}
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(StateFailed)
	}
}
