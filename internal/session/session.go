// Package session models the shared call document and the two negotiation
// roles.
//
// One document exists per call, at calls/{sessionID}, with two append-only
// sub-collections for trickled candidates. The initiator owns the offer
// fields and the offerCandidates stream; the responder owns the answer
// fields and the answerCandidates stream. The field sets of the two roles
// are disjoint, so merge-writes from the two legitimate participants never
// conflict.
package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/natarajanspnk/studio-signaling/internal/store"
)

// Document field names. String-valued; booleans are "true"/"false".
const (
	FieldOfferType  = "offerType"
	FieldOfferSDP   = "offerSDP"
	FieldAnswerType = "answerType"
	FieldAnswerSDP  = "answerSDP"

	FieldInitiatorPresent = "initiatorPresent"
	FieldInitiatorName    = "initiatorName"
	FieldResponderPresent = "responderPresent"
	FieldResponderName    = "responderName"
)

const (
	docCollection       = "calls"
	offerCandidatesCol  = "offerCandidates"
	answerCandidatesCol = "answerCandidates"
)

// DocPath returns the session document path for a session id.
func DocPath(sessionID string) string {
	return docCollection + "/" + sessionID
}

// Role identifies which side of the negotiation the local participant is.
type Role string

const (
	// RoleInitiator creates the offer and streams offerCandidates.
	RoleInitiator Role = "initiator"
	// RoleResponder creates the answer and streams answerCandidates.
	RoleResponder Role = "responder"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// PresentField is the presence flag owned by this role.
func (r Role) PresentField() string {
	if r == RoleInitiator {
		return FieldInitiatorPresent
	}
	return FieldResponderPresent
}

// NameField is the display-name field owned by this role.
func (r Role) NameField() string {
	if r == RoleInitiator {
		return FieldInitiatorName
	}
	return FieldResponderName
}

// LocalCandidatesPath is the sub-collection this role appends its own
// candidates to.
func (r Role) LocalCandidatesPath(sessionID string) string {
	if r == RoleInitiator {
		return DocPath(sessionID) + "/" + offerCandidatesCol
	}
	return DocPath(sessionID) + "/" + answerCandidatesCol
}

// RemoteCandidatesPath is the sub-collection this role replays the remote
// side's candidates from.
func (r Role) RemoteCandidatesPath(sessionID string) string {
	return r.Other().LocalCandidatesPath(sessionID)
}

// Description is a stored session description (offer or answer).
type Description struct {
	Type string
	SDP  string
}

// FromPion converts a pion session description for storage.
func FromPion(desc webrtc.SessionDescription) Description {
	return Description{Type: desc.Type.String(), SDP: desc.SDP}
}

// ToPion converts a stored description back to the pion type.
func (d Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("missing sdp payload for %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// OfferFields returns the merge-write field set for an offer.
func OfferFields(d Description) map[string]string {
	return map[string]string{FieldOfferType: d.Type, FieldOfferSDP: d.SDP}
}

// AnswerFields returns the merge-write field set for an answer.
func AnswerFields(d Description) map[string]string {
	return map[string]string{FieldAnswerType: d.Type, FieldAnswerSDP: d.SDP}
}

// OfferFromSnapshot extracts the stored offer, if any.
func OfferFromSnapshot(snap store.Snapshot) (Description, bool) {
	if !snap.Exists || snap.Get(FieldOfferSDP) == "" {
		return Description{}, false
	}
	return Description{Type: snap.Get(FieldOfferType), SDP: snap.Get(FieldOfferSDP)}, true
}

// AnswerFromSnapshot extracts the stored answer, if any.
func AnswerFromSnapshot(snap store.Snapshot) (Description, bool) {
	if !snap.Exists || snap.Get(FieldAnswerSDP) == "" {
		return Description{}, false
	}
	return Description{Type: snap.Get(FieldAnswerType), SDP: snap.Get(FieldAnswerSDP)}, true
}

// Present reports whether the given role is marked present in the snapshot.
func Present(snap store.Snapshot, role Role) bool {
	return snap.Get(role.PresentField()) == "true"
}

// DisplayName returns the stored display name for a role.
func DisplayName(snap store.Snapshot, role Role) string {
	return snap.Get(role.NameField())
}
