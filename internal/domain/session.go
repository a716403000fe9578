package domain

type Status int

const (
	StatusIdle Status = iota
	StatusAcquiringMedia
	StatusConnected
	StatusLeaving
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAcquiringMedia:
		return "acquiring-media"
	case StatusConnected:
		return "connected"
	case StatusLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Session is the call instance. Owned by the session controller.
type Session struct {
	RoomID      RoomID
	LocalUserID UserID
	Local       Metadata
}

// AudioLevel is the output of one analyser tick.
type AudioLevel struct {
	Speaking bool
	Volume   int // 0..100
}

// LocalMediaState mirrors the local tracks for readers.
type LocalMediaState struct {
	StreamID     string
	AudioEnabled bool
	VideoEnabled bool
	Speaking     bool
	Volume       int
}
