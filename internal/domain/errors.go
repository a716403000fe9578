package domain

import "errors"

var (
	// ErrMediaAccess means camera/microphone permission was denied or no device is available.
	ErrMediaAccess = errors.New("media access denied")
	// ErrSignalingConnect means the signaling transport could not be opened.
	ErrSignalingConnect = errors.New("signaling connect failed")
	// ErrNegotiation covers malformed or out-of-order SDP/ICE.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrTokenDecode means the join token could not be decoded.
	ErrTokenDecode = errors.New("token decode failed")
	// ErrSessionActive is returned by join when the controller is not idle.
	ErrSessionActive = errors.New("session already active")
	// ErrTransportClosed is returned when emitting on a disconnected transport.
	ErrTransportClosed = errors.New("transport closed")
)
