package negotiate

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestPendingCandidates_QueueUntilOpen(t *testing.T) {
	var p pendingCandidates

	c1 := webrtc.ICECandidateInit{Candidate: "c1"}
	c2 := webrtc.ICECandidateInit{Candidate: "c2"}

	if p.Add(c1) {
		t.Fatalf("Add before Open delivered directly")
	}
	if p.Add(c2) {
		t.Fatalf("Add before Open delivered directly")
	}

	queued := p.Open()
	if len(queued) != 2 || queued[0].Candidate != "c1" || queued[1].Candidate != "c2" {
		t.Fatalf("Open()=%v, want [c1 c2] in arrival order", queued)
	}

	if !p.Add(webrtc.ICECandidateInit{Candidate: "c3"}) {
		t.Fatalf("Add after Open queued instead of delivering")
	}
	if again := p.Open(); len(again) != 0 {
		t.Fatalf("second Open()=%v, want empty", again)
	}
}
