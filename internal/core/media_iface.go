package core

import (
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerLink is one peer connection to a remote participant plus its negotiation state.
type PeerLink interface {
	// AddLocalTrack attaches a local track before any signaling occurs.
	AddLocalTrack(LocalTrack) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer applies a remote offer and returns the local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnStateChange sets a callback for peer connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// LinkFactory constructs peer links.
type LinkFactory interface {
	NewLink(remote domain.UserID) (PeerLink, error)
}

// RemoteTrack describes an incoming track. Levels is nil for video.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Levels   LevelSource
}
