// Package call orchestrates role resolution, presence, and negotiation
// into the join/leave lifecycle the UI layer consumes.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/media"
	"github.com/natarajanspnk/studio-signaling/internal/negotiate"
	"github.com/natarajanspnk/studio-signaling/internal/presence"
	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store"
)

// leaveWriteTimeout bounds the best-effort presence write on Leave, which
// has no caller context.
const leaveWriteTimeout = 5 * time.Second

// Config wires a Controller.
type Config struct {
	Store store.Store

	// DisplayName is recorded next to the presence flag on join.
	DisplayName string

	// ICEServers / API / NegotiateTimeout are passed through to the
	// negotiation engine.
	ICEServers       []webrtc.ICEServer
	API              *webrtc.API
	NegotiateTimeout time.Duration

	Logger zerolog.Logger

	// OnStateChange observes the active attempt's lifecycle. An attempt
	// abandoned by the automatic initiator-race retry never reports here.
	OnStateChange func(negotiate.State)

	// OnRemoteTrack observes remote media tracks of the active attempt.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// OnPresenceChange observes join/leave edges for both roles of the
	// session, own role included.
	OnPresenceChange presence.ChangeFunc
}

// Controller exposes the call lifecycle: Join resolves a role, marks
// presence, and starts negotiation; the returned Call tears everything
// down on Leave.
type Controller struct {
	cfg     Config
	tracker *presence.Tracker
	log     zerolog.Logger
}

// NewController returns a Controller over the given store.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		tracker: presence.NewTracker(cfg.Store, cfg.Logger),
		log:     cfg.Logger,
	}
}

// Call is one joined call. Leave is idempotent and releases presence, the
// peer connection, store subscriptions, and local media together.
type Call struct {
	sessionID string
	role      session.Role

	engine      *negotiate.Engine
	tracker     *presence.Tracker
	watchCancel store.CancelFunc
	log         zerolog.Logger

	leave sync.Once
}

// SessionID returns the joined session id.
func (c *Call) SessionID() string { return c.sessionID }

// Role returns the role the participant ended up with. It can differ from
// the first resolution when the initiator race was lost.
func (c *Call) Role() session.Role { return c.role }

// State returns the negotiation state of the attempt.
func (c *Call) State() negotiate.State { return c.engine.State() }

// Err returns the first negotiation error, if any.
func (c *Call) Err() error { return c.engine.Err() }

// Leave marks the participant absent and tears the attempt down. Safe to
// call any number of times.
func (c *Call) Leave() {
	c.leave.Do(func() {
		if c.watchCancel != nil {
			c.watchCancel()
		}
		ctx, cancel := context.WithTimeout(context.Background(), leaveWriteTimeout)
		defer cancel()
		if err := c.tracker.SetAbsent(ctx, c.sessionID, c.role); err != nil {
			// Best effort: a missed absence write leaves a stale presence
			// flag, which the UI tolerates.
			c.log.Warn().Err(err).Str("session", c.sessionID).Msg("presence cleanup failed")
		}
		c.engine.Teardown()
	})
}

// Join connects the local participant to the session.
//
// On success the returned Call owns med and releases it on Leave. On
// error med has already been released; every partial side effect except a
// surviving display name has been rolled back.
//
// The initiator race is handled here: when the offer write loses to a
// concurrent initiator, the role is re-resolved once and the join retries
// as responder.
func (c *Controller) Join(ctx context.Context, sessionID string, med *media.Local) (*Call, error) {
	role, err := ResolveRole(ctx, c.cfg.Store, sessionID)
	if err != nil {
		med.Release()
		return nil, err
	}

	call, err := c.joinAs(ctx, sessionID, role, med)
	if errors.Is(err, negotiate.ErrOfferTaken) {
		c.log.Info().Str("session", sessionID).Msg("lost initiator race, rejoining as responder")
		role, err = ResolveRole(ctx, c.cfg.Store, sessionID)
		if err == nil && role != session.RoleResponder {
			err = fmt.Errorf("offer vanished after losing initiator race: %w", negotiate.ErrOfferMissing)
		}
		if err != nil {
			med.Release()
			return nil, err
		}
		call, err = c.joinAs(ctx, sessionID, role, med)
	}
	if err != nil {
		med.Release()
		return nil, err
	}
	return call, nil
}

// joinAs performs one attempt for a fixed role: presence first, then
// negotiation. On error presence is rolled back and med is left with the
// caller.
func (c *Controller) joinAs(ctx context.Context, sessionID string, role session.Role, med *media.Local) (*Call, error) {
	if err := c.tracker.SetPresent(ctx, sessionID, role, c.cfg.DisplayName); err != nil {
		return nil, err
	}

	// The race-retry abandons the losing engine; its late callbacks must
	// not reach the caller.
	var abandoned atomic.Bool
	engine := negotiate.New(negotiate.Config{
		Store:            c.cfg.Store,
		API:              c.cfg.API,
		ICEServers:       c.cfg.ICEServers,
		NegotiateTimeout: c.cfg.NegotiateTimeout,
		Logger:           c.log,
		OnStateChange: func(s negotiate.State) {
			if c.cfg.OnStateChange != nil && !abandoned.Load() {
				c.cfg.OnStateChange(s)
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if c.cfg.OnRemoteTrack != nil && !abandoned.Load() {
				c.cfg.OnRemoteTrack(track, receiver)
			}
		},
	})

	var err error
	if role == session.RoleInitiator {
		err = engine.BeginAsInitiator(ctx, sessionID, med)
	} else {
		err = engine.BeginAsResponder(ctx, sessionID, med)
	}
	if err != nil {
		abandoned.Store(true)
		engine.Teardown()
		// Losing the initiator race leaves the flag alone: the winning
		// initiator is present and shares the same field, so clearing it
		// here would erase the winner's join.
		if !errors.Is(err, negotiate.ErrOfferTaken) {
			if absErr := c.tracker.SetAbsent(ctx, sessionID, role); absErr != nil {
				c.log.Warn().Err(absErr).Str("session", sessionID).Msg("presence rollback failed")
			}
		}
		return nil, err
	}

	call := &Call{
		sessionID: sessionID,
		role:      role,
		engine:    engine,
		tracker:   c.tracker,
		log:       c.log,
	}

	if c.cfg.OnPresenceChange != nil {
		watchCancel, err := c.tracker.Watch(ctx, sessionID, c.cfg.OnPresenceChange)
		if err != nil {
			call.Leave()
			return nil, err
		}
		call.watchCancel = watchCancel
	}
	return call, nil
}
