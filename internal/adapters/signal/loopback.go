package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/groovia/livecall/internal/app/relay"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Loopback connects clients to an in-process hub. Every event goes through
// the wire codec and is delivered asynchronously, one queue per connection.
type Loopback struct {
	hub    *relay.Hub
	buffer int
}

func NewLoopback(hub *relay.Hub, buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loopback{hub: hub, buffer: buffer}
}

func (l *Loopback) Connect(ctx context.Context, roomID domain.RoomID, token string, userID domain.UserID) (core.SignalTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingConnect, err)
	}
	if l.hub == nil {
		return nil, fmt.Errorf("%w: no hub", domain.ErrSignalingConnect)
	}
	if err := userID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingConnect, err)
	}

	c := &LoopConn{
		inbox:    make(chan protocol.Event, l.buffer),
		handlers: newHandlers(),
		user:     userID,
		done:     make(chan struct{}),
	}
	c.client = l.hub.Attach(roomID, userID, c)
	go c.pump()
	return c, nil
}

// LoopConn is both the client transport and the hub's view of the connection.
type LoopConn struct {
	client   *relay.Client
	inbox    chan protocol.Event
	handlers *handlers
	user     domain.UserID
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (c *LoopConn) On(name protocol.EventName, fn func(protocol.Event)) {
	c.handlers.on(name, fn)
}

func (c *LoopConn) Emit(ev protocol.Event) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrTransportClosed
	}
	wire, err := roundTrip(ev)
	if err != nil {
		return err
	}
	c.client.Handle(wire)
	return nil
}

// TrySend is called by the hub.
func (c *LoopConn) TrySend(ev protocol.Event) error {
	wire, err := roundTrip(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrTransportClosed
	}
	select {
	case c.inbox <- wire:
	default:
		return relay.ErrBackpressure
	}
	return nil
}

// Close is called by the hub when it drops the connection.
func (c *LoopConn) Close() {
	if c.shutdown() {
		log.Warn().Str("module", "signal.loopback").Str("user", string(c.user)).Msg("dropped by relay")
	}
}

// Disconnect leaves the room and closes the connection.
func (c *LoopConn) Disconnect() {
	if !c.shutdown() {
		return
	}
	c.client.Close()
}

func (c *LoopConn) Done() <-chan struct{} { return c.done }

func (c *LoopConn) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.inbox)
	return true
}

func (c *LoopConn) pump() {
	defer close(c.done)
	for ev := range c.inbox {
		c.handlers.dispatch(ev)
	}
}

func roundTrip(ev protocol.Event) (protocol.Event, error) {
	b, err := protocol.Encode(ev)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(b)
}
