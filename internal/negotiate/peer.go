package negotiate

import (
	"github.com/pion/webrtc/v4"
)

// candidatePoolSize pre-gathers a small candidate pool so trickling can
// start as soon as the local description is set.
const candidatePoolSize = 10

// DefaultICEServers is used when the config carries a nil server list. An
// explicitly empty list stays empty (host candidates only).
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
}

// newPeerConnection builds the per-attempt PeerConnection. The API is
// injectable so tests can supply a SettingEngine-restricted or vnet-backed
// one; production passes nil and gets an API with the default codecs.
func newPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if api == nil {
		// webrtc.NewAPI alone ships an empty MediaEngine, which would
		// reject every AddTrack.
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		api = webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	}
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           iceServers,
		ICECandidatePoolSize: candidatePoolSize,
	})
}
