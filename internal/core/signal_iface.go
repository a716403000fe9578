package core

import (
	"context"

	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
)

// SignalTransport is a duplex, room-scoped channel to the signaling server.
// Owned by the session; the session must Disconnect() it.
type SignalTransport interface {
	// Emit sends one event. Returns domain.ErrTransportClosed after Disconnect.
	Emit(protocol.Event) error
	// On registers a handler for an event name. Handlers of one transport are
	// invoked sequentially, in arrival order.
	On(name protocol.EventName, fn func(protocol.Event))
	Disconnect()
}

// SignalDialer opens transports.
type SignalDialer interface {
	Connect(ctx context.Context, roomID domain.RoomID, token string, userID domain.UserID) (SignalTransport, error)
}
