package session

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/natarajanspnk/studio-signaling/internal/store"
)

func TestRole_CandidateRouting(t *testing.T) {
	tests := []struct {
		role       Role
		wantLocal  string
		wantRemote string
	}{
		{RoleInitiator, "calls/s1/offerCandidates", "calls/s1/answerCandidates"},
		{RoleResponder, "calls/s1/answerCandidates", "calls/s1/offerCandidates"},
	}
	for _, tt := range tests {
		if got := tt.role.LocalCandidatesPath("s1"); got != tt.wantLocal {
			t.Errorf("%s local=%q, want %q", tt.role, got, tt.wantLocal)
		}
		if got := tt.role.RemoteCandidatesPath("s1"); got != tt.wantRemote {
			t.Errorf("%s remote=%q, want %q", tt.role, got, tt.wantRemote)
		}
	}
}

func TestRole_Other(t *testing.T) {
	if got := RoleInitiator.Other(); got != RoleResponder {
		t.Fatalf("Other()=%q, want %q", got, RoleResponder)
	}
	if got := RoleResponder.Other(); got != RoleInitiator {
		t.Fatalf("Other()=%q, want %q", got, RoleInitiator)
	}
}

func TestDescription_ToPion(t *testing.T) {
	tests := []struct {
		name    string
		desc    Description
		wantErr bool
	}{
		{"offer", Description{Type: "offer", SDP: "v=0"}, false},
		{"answer", Description{Type: "answer", SDP: "v=0"}, false},
		{"bad type", Description{Type: "pranswer", SDP: "v=0"}, true},
		{"empty sdp", Description{Type: "offer"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.desc.ToPion()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ToPion()=%v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToPion: %v", err)
			}
			if got.SDP != tt.desc.SDP || got.Type.String() != tt.desc.Type {
				t.Fatalf("ToPion()=%+v, want type=%s sdp=%s", got, tt.desc.Type, tt.desc.SDP)
			}
		})
	}
}

func TestOfferFromSnapshot(t *testing.T) {
	snap := store.Snapshot{Exists: true, Fields: map[string]string{
		FieldOfferType: "offer",
		FieldOfferSDP:  "v=0",
	}}
	desc, ok := OfferFromSnapshot(snap)
	if !ok {
		t.Fatalf("OfferFromSnapshot ok=false, want true")
	}
	if desc.Type != "offer" || desc.SDP != "v=0" {
		t.Fatalf("OfferFromSnapshot=%+v", desc)
	}

	if _, ok := OfferFromSnapshot(store.Snapshot{}); ok {
		t.Fatalf("OfferFromSnapshot on missing doc ok=true, want false")
	}
	if _, ok := AnswerFromSnapshot(snap); ok {
		t.Fatalf("AnswerFromSnapshot found an answer on an offer-only doc")
	}
}

func TestCandidate_RoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	fields, err := CandidateFields(init)
	if err != nil {
		t.Fatalf("CandidateFields: %v", err)
	}
	got, err := CandidateFromRecord(store.Record{ID: "r1", Fields: fields})
	if err != nil {
		t.Fatalf("CandidateFromRecord: %v", err)
	}
	if got.Candidate != init.Candidate {
		t.Fatalf("Candidate=%q, want %q", got.Candidate, init.Candidate)
	}
	if got.SDPMid == nil || *got.SDPMid != mid {
		t.Fatalf("SDPMid=%v, want %q", got.SDPMid, mid)
	}
	if got.SDPMLineIndex == nil || *got.SDPMLineIndex != idx {
		t.Fatalf("SDPMLineIndex=%v, want %d", got.SDPMLineIndex, idx)
	}
}

func TestCandidateFromRecord_Strict(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing field", map[string]string{}},
		{"unknown key", map[string]string{FieldCandidate: `{"candidate":"c","extra":1}`}},
		{"trailing data", map[string]string{FieldCandidate: `{"candidate":"c"}{}`}},
		{"not json", map[string]string{FieldCandidate: `nope`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CandidateFromRecord(store.Record{ID: "r1", Fields: tt.fields}); err == nil {
				t.Fatalf("CandidateFromRecord accepted malformed record")
			}
		})
	}
}
