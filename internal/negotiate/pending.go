package negotiate

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// pendingCandidates buffers remote candidates that arrive before the
// remote description is applied.
//
// Candidate notifications and the session-document notification are
// independent event sources, so candidates routinely overtake the
// offer/answer they belong to. Applying a candidate to a connection with
// no remote description is a pion usage error; instead the queue holds
// them and releases them in arrival order once the description lands.
type pendingCandidates struct {
	mu      sync.Mutex
	open    bool // remote description applied, deliver directly
	pending []webrtc.ICECandidateInit
}

// Add either returns deliver=true (remote description is in place, apply
// the candidate now) or queues the candidate for a later Flush.
func (p *pendingCandidates) Add(c webrtc.ICECandidateInit) (deliver bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return true
	}
	p.pending = append(p.pending, c)
	return false
}

// Open marks the remote description as applied and returns the queued
// candidates in arrival order. Subsequent Adds deliver directly.
func (p *pendingCandidates) Open() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	queued := p.pending
	p.pending = nil
	return queued
}
