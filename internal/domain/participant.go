package domain

// Participant is a remote peer as seen by the local session.
// No transport or lifecycle logic here.
type Participant struct {
	UserID    UserID `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	LinkState string `json:"link_state"`
	AudioOn   bool   `json:"audio_on"`
	VideoOn   bool   `json:"video_on"`
	Speaking  bool   `json:"speaking"`
	Volume    int    `json:"volume"`
}

// NewParticipant avoids raw literals in the session and keeps defaults obvious.
func NewParticipant(id UserID, meta Metadata) *Participant {
	return &Participant{
		UserID:    id,
		Name:      meta.Name,
		Role:      meta.Role,
		LinkState: "new",
		AudioOn:   true,
		VideoOn:   true,
	}
}

// HasStream reports whether remote media has arrived.
func (p *Participant) HasStream() bool { return p.StreamID != "" }
