package core

import (
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one peer-to-peer connection owned by a single call.
// Its role (offerer or answerer) is fixed by the first description applied.
type MediaConnection interface {
	// CreateOffer creates and sets the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate, queueing it until a
	// remote description exists.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange reports connection state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close()
}
