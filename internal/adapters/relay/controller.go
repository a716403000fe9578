// Package relay serves the signaling relay over websockets.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/groovia/livecall/internal/app/relay"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Controller upgrades relay connections and pumps them into the hub.
type Controller struct {
	hub      *relay.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewController(hub *relay.Hub, opts Options) *Controller {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32 << 10
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	return &Controller{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the relay side of one client socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return relay.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Serve upgrades the request and blocks until the connection ends.
func (ctl *Controller) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, room domain.RoomID, user domain.UserID) {
	ws, err := ctl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.relay").Msg("ws upgrade")
		return
	}
	conn := &WsSignalConn{conn: ws, send: make(chan []byte, ctl.opts.SendBuffer)}
	client := ctl.hub.Attach(room, user, conn)
	log.Info().Str("module", "adapters.relay").Str("room", string(room)).Str("user", string(user)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctl.writePump(ctx, conn)
	ctl.readPump(client, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// unblocks the read pump on shutdown
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.relay").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.relay").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(client *relay.Client, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "adapters.relay").Str("user", string(client.User())).Msg("readPump closing")
		client.Close()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.relay").Str("user", string(client.User())).Msg("bad event")
			_ = c.TrySend(protocol.Error{Message: err.Error()})
			continue
		}
		client.Handle(ev)
	}
}
