package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/natarajanspnk/studio-signaling/internal/store"
)

// FieldCandidate holds the JSON-encoded candidate on a candidate record.
const FieldCandidate = "candidate"

// candidateJSON mirrors the browser's RTCIceCandidateInit shape, which is
// also what the original call documents stored.
type candidateJSON struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFields encodes a discovered candidate into record fields.
func CandidateFields(init webrtc.ICECandidateInit) (map[string]string, error) {
	raw, err := json.Marshal(candidateJSON{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
	if err != nil {
		return nil, fmt.Errorf("encode candidate: %w", err)
	}
	return map[string]string{FieldCandidate: string(raw)}, nil
}

// CandidateFromRecord decodes a candidate record back to the pion type.
// The decode is strict: unknown fields or trailing data are errors, since
// a malformed record indicates a foreign writer on the stream.
func CandidateFromRecord(rec store.Record) (webrtc.ICECandidateInit, error) {
	raw, ok := rec.Fields[FieldCandidate]
	if !ok {
		return webrtc.ICECandidateInit{}, fmt.Errorf("candidate record %s missing %q field", rec.ID, FieldCandidate)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var c candidateJSON
	if err := dec.Decode(&c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate record %s: %w", rec.ID, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return webrtc.ICECandidateInit{}, fmt.Errorf("candidate record %s has trailing data", rec.ID)
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}, nil
}
