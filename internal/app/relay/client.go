package relay

import (
	"errors"
	"sync"

	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Client binds one connection to the hub. Transports call Handle for every
// decoded event and Close once the connection is gone.
type Client struct {
	hub  *Hub
	user domain.UserID
	conn Conn

	mu     sync.Mutex
	dialed domain.RoomID
	room   domain.RoomID
}

// Attach creates a client for user. room is the room named at dial time and
// is used when join-room carries none.
func (h *Hub) Attach(room domain.RoomID, user domain.UserID, conn Conn) *Client {
	return &Client{hub: h, user: user, conn: conn, dialed: room}
}

func (c *Client) User() domain.UserID { return c.user }

func (c *Client) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Handle processes one event from the client. Failures are reported back to
// the client as error events.
func (c *Client) Handle(ev protocol.Event) {
	if err := c.handle(ev); err != nil {
		log.Debug().
			Err(err).
			Str("module", "relay.client").
			Str("user", string(c.user)).
			Str("event", string(ev.Event())).
			Msg("event rejected")
		if !errors.Is(err, ErrBackpressure) {
			_ = c.conn.TrySend(protocol.Error{Message: err.Error()})
		}
	}
}

func (c *Client) handle(ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.JoinRoom:
		return c.join(e)
	case protocol.Directed:
		room := c.Room()
		if room == "" {
			return ErrNotJoined
		}
		return c.hub.Route(room, c.user, e)
	case protocol.ToggleAudio:
		return c.broadcast(protocol.ToggleAudio{ToggleState: c.toggleFrom(e.ToggleState)})
	case protocol.ToggleVideo:
		return c.broadcast(protocol.ToggleVideo{ToggleState: c.toggleFrom(e.ToggleState)})
	default:
		return protocol.ErrUnknownEvent
	}
}

func (c *Client) join(e protocol.JoinRoom) error {
	room := e.RoomID
	if room == "" {
		room = c.dialed
	}
	if room == "" {
		return ErrNotJoined
	}
	meta, err := domain.NewMetadata(e.Name, e.Role)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.room
	c.mu.Unlock()
	if prev != "" && prev != room {
		c.hub.Leave(prev, c.user, c.conn)
	}
	if err := c.hub.Join(room, c.user, meta, c.conn); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return nil
}

// toggleFrom pins the toggle to the sender so a client cannot mute others.
func (c *Client) toggleFrom(st protocol.ToggleState) protocol.ToggleState {
	st.UserID = c.user
	st.RoomID = c.Room()
	return st
}

func (c *Client) broadcast(ev protocol.Event) error {
	room := c.Room()
	if room == "" {
		return ErrNotJoined
	}
	c.hub.Broadcast(room, c.user, ev)
	return nil
}

// Close leaves the room. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room != "" {
		c.hub.Leave(room, c.user, c.conn)
	}
}
