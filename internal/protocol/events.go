// Package protocol defines the room-scoped signaling contract shared by the call
// client and the relay. Every event is a concrete type; payloads are validated
// when decoded so the session never sees a half-formed message.
package protocol

import (
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/webrtc/v4"
)

type EventName string

const (
	EventJoinRoom         EventName = "join-room"
	EventUserConnected    EventName = "user-connected"
	EventOffer            EventName = "offer"
	EventAnswer           EventName = "answer"
	EventICECandidate     EventName = "ice-candidate"
	EventUserDisconnected EventName = "user-disconnected"
	EventToggleAudio      EventName = "toggle-audio"
	EventToggleVideo      EventName = "toggle-video"
	EventError            EventName = "error"
)

// Event is one signaling message.
type Event interface {
	Event() EventName
}

// Directed events are addressed to a single room mate. The sender fills To;
// the relay delivers the event with From stamped and To cleared.
type Directed interface {
	Event
	Target() domain.UserID
	Sender() domain.UserID
	Stamp(from domain.UserID) Event
}

// JoinRoom is sent by a client once its transport is open.
type JoinRoom struct {
	RoomID domain.RoomID `json:"roomId"`
	Name   string        `json:"name"`
	Role   string        `json:"role,omitempty"`
}

// UserConnected tells room members that someone joined after them.
type UserConnected struct {
	SocketID domain.UserID `json:"socketId"`
	Name     string        `json:"name"`
	Role     string        `json:"role,omitempty"`
}

type Offer struct {
	Offer webrtc.SessionDescription `json:"offer"`
	To    domain.UserID             `json:"to,omitempty"`
	From  domain.UserID             `json:"from,omitempty"`
	Name  string                    `json:"name,omitempty"`
	Role  string                    `json:"role,omitempty"`
}

type Answer struct {
	Answer webrtc.SessionDescription `json:"answer"`
	To     domain.UserID             `json:"to,omitempty"`
	From   domain.UserID             `json:"from,omitempty"`
	Name   string                    `json:"name,omitempty"`
	Role   string                    `json:"role,omitempty"`
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	To        domain.UserID           `json:"to,omitempty"`
	From      domain.UserID           `json:"from,omitempty"`
}

// UserDisconnected carries the identifier of the member that left.
type UserDisconnected struct {
	SocketID domain.UserID `json:"socketId"`
}

// ToggleState is the shared payload of toggle-audio and toggle-video.
type ToggleState struct {
	UserID  domain.UserID `json:"userId"`
	Enabled bool          `json:"enabled"`
	RoomID  domain.RoomID `json:"roomId"`
}

type ToggleAudio struct{ ToggleState }

type ToggleVideo struct{ ToggleState }

// Error is emitted by the relay when it rejects a client message.
type Error struct {
	Message string `json:"message"`
}

func (JoinRoom) Event() EventName         { return EventJoinRoom }
func (UserConnected) Event() EventName    { return EventUserConnected }
func (Offer) Event() EventName            { return EventOffer }
func (Answer) Event() EventName           { return EventAnswer }
func (ICECandidate) Event() EventName     { return EventICECandidate }
func (UserDisconnected) Event() EventName { return EventUserDisconnected }
func (ToggleAudio) Event() EventName      { return EventToggleAudio }
func (ToggleVideo) Event() EventName      { return EventToggleVideo }
func (Error) Event() EventName            { return EventError }

func (o Offer) Target() domain.UserID        { return o.To }
func (a Answer) Target() domain.UserID       { return a.To }
func (c ICECandidate) Target() domain.UserID { return c.To }

func (o Offer) Sender() domain.UserID        { return o.From }
func (a Answer) Sender() domain.UserID       { return a.From }
func (c ICECandidate) Sender() domain.UserID { return c.From }

func (o Offer) Stamp(from domain.UserID) Event {
	o.From, o.To = from, ""
	return o
}

func (a Answer) Stamp(from domain.UserID) Event {
	a.From, a.To = from, ""
	return a
}

func (c ICECandidate) Stamp(from domain.UserID) Event {
	c.From, c.To = from, ""
	return c
}
