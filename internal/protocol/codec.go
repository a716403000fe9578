package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownEvent = errors.New("unknown signaling event")
	ErrBadEvent     = errors.New("bad signaling event")
)

type envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps ev into the wire envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Event(), err)
	}
	return json.Marshal(envelope{Event: ev.Event(), Data: data})
}

// Decode parses and validates one wire message.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}

	var (
		ev  Event
		err error
	)
	switch env.Event {
	case EventJoinRoom:
		ev, err = decodeAs[JoinRoom](env.Data)
	case EventUserConnected:
		ev, err = decodeAs[UserConnected](env.Data)
	case EventOffer:
		ev, err = decodeAs[Offer](env.Data)
	case EventAnswer:
		ev, err = decodeAs[Answer](env.Data)
	case EventICECandidate:
		ev, err = decodeAs[ICECandidate](env.Data)
	case EventUserDisconnected:
		ev, err = decodeDisconnected(env.Data)
	case EventToggleAudio:
		ev, err = decodeAs[ToggleAudio](env.Data)
	case EventToggleVideo:
		ev, err = decodeAs[ToggleVideo](env.Data)
	case EventError:
		ev, err = decodeAs[Error](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadEvent, env.Event, err)
	}
	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 {
		return v, errors.New("missing data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// user-disconnected is sent either as a bare identifier or as an object.
func decodeDisconnected(data json.RawMessage) (Event, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return UserDisconnected{SocketID: domain.UserID(id)}, nil
	}
	return decodeAs[UserDisconnected](data)
}

// Validate checks the required fields of ev.
func Validate(ev Event) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrBadEvent, ev.Event(), fmt.Sprintf(format, args...))
	}

	switch e := ev.(type) {
	case JoinRoom:
		if e.RoomID == "" {
			return bad("missing roomId")
		}
	case UserConnected:
		if e.SocketID == "" {
			return bad("missing socketId")
		}
	case Offer:
		if e.Offer.Type != webrtc.SDPTypeOffer || e.Offer.SDP == "" {
			return bad("offer must carry an sdp of type offer")
		}
		if e.To == "" && e.From == "" {
			return bad("missing peer")
		}
	case Answer:
		if e.Answer.Type != webrtc.SDPTypeAnswer || e.Answer.SDP == "" {
			return bad("answer must carry an sdp of type answer")
		}
		if e.To == "" && e.From == "" {
			return bad("missing peer")
		}
	case ICECandidate:
		if e.Candidate.Candidate == "" {
			return bad("empty candidate")
		}
		if e.To == "" && e.From == "" {
			return bad("missing peer")
		}
	case UserDisconnected:
		if e.SocketID == "" {
			return bad("missing socketId")
		}
	case ToggleAudio:
		if e.UserID == "" {
			return bad("missing userId")
		}
	case ToggleVideo:
		if e.UserID == "" {
			return bad("missing userId")
		}
	}
	return nil
}
