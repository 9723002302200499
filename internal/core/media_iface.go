package core

import (
	"context"

	"github.com/dkeye/audiolink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaEngine creates connection objects; it owns codecs, ICE servers and
// everything below the SDP level.
type MediaEngine interface {
	NewConnection(peer domain.PeerID) (MediaConnection, error)
}

type MediaConnection interface {
	// AddLocalSource attaches a locally generated audio source.
	AddLocalSource() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	// SetLocalDescription applies sd and returns once ICE gathering is
	// complete, so LocalDescription carries every local candidate.
	SetLocalDescription(ctx context.Context, sd webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// LocalDescription returns the current local SDP, nil before SetLocalDescription.
	LocalDescription() *webrtc.SessionDescription
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// Close should stop all underlying media resources. Safe to call twice.
	Close() error
}
