package negotiate

import "errors"

var (
	// ErrOfferMissing is returned by BeginAsResponder when the session has
	// no stored offer. The session is stale or the role was resolved
	// against an outdated snapshot; the attempt must abort.
	ErrOfferMissing = errors.New("negotiate: no offer in session")
	// ErrOfferTaken is returned by BeginAsInitiator when another
	// participant stored an offer first. The loser of the race should
	// re-resolve its role and retry as responder.
	ErrOfferTaken = errors.New("negotiate: offer already exists")
	// ErrAlreadyAnswered is returned by BeginAsResponder when the session
	// already carries an answer; a second answer is never written.
	ErrAlreadyAnswered = errors.New("negotiate: session already answered")
	// ErrNegotiationFailed wraps a rejection from the WebRTC layer
	// (malformed description, codec mismatch). No automatic retry; a fresh
	// attempt needs a fresh role resolution.
	ErrNegotiationFailed = errors.New("negotiate: negotiation failed")
	// ErrNegotiateTimeout is reported when the bounded wait for the remote
	// side elapses before the connection establishes.
	ErrNegotiateTimeout = errors.New("negotiate: timed out waiting for remote peer")
	// ErrBegun is returned when Begin is called twice on one engine.
	// Engines are single-attempt; build a new one per call.
	ErrBegun = errors.New("negotiate: engine already used")
)
