package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which devices GetUserMedia opens.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is one captured track. Enabled is a local gate: a disabled track
// stays attached to every link but stops carrying media.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Local returns the pion track to attach to a peer connection.
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// LocalStream groups the captured tracks.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Track(kind webrtc.RTPCodecType) (LocalTrack, bool)
	// Levels is the frequency source of the local microphone, nil without audio.
	Levels() LevelSource
	Stop()
}

// MediaDevices acquires camera and microphone.
type MediaDevices interface {
	// GetUserMedia may block on a permission prompt. Denial wraps domain.ErrMediaAccess.
	GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error)
}

// LevelSource exposes frequency-domain magnitudes on a 0..255 scale.
type LevelSource interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}
