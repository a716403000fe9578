package relay

import "github.com/groovia/livecall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.UserID) BackpressureAction
}

// SimplePolicy kicks slow members: a lost offer or answer stalls the pair anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, member domain.UserID) BackpressureAction {
	return KickMember
}
