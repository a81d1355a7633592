// Package media holds the local media handle a participant brings into a
// call: the tracks to publish plus the hardware release hook.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrAccessDenied is returned by media sources when the local devices
// cannot be opened. Call setup must abort before any store write happens.
var ErrAccessDenied = errors.New("media: local media unavailable")

// Local is the local media for one call attempt. Release is idempotent and
// must always run on teardown; skipping it leaks the capture devices.
type Local struct {
	tracks  []webrtc.TrackLocal
	release func()
	once    sync.Once
}

// New wraps tracks and an optional device release hook.
func New(tracks []webrtc.TrackLocal, release func()) *Local {
	return &Local{tracks: tracks, release: release}
}

// Tracks returns the tracks to attach to the peer connection. May be empty
// for a receive-only participant.
func (l *Local) Tracks() []webrtc.TrackLocal {
	if l == nil {
		return nil
	}
	return l.tracks
}

// Release frees the underlying devices. Safe to call more than once.
func (l *Local) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// SilentAudio returns a Local with a single Opus track that never produces
// samples. Used by the headless participant and by tests: it gives the SDP
// a real audio m-line without touching any capture device.
func SilentAudio(streamID string) (*Local, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return New([]webrtc.TrackLocal{track}, nil), nil
}
