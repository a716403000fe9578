package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingPeriod       time.Duration
	ReadLimit        int64
	SendBuffer       int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

// Dialer opens websocket transports to the relay.
type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts.withDefaults()}
}

func (d *Dialer) Connect(ctx context.Context, roomID domain.RoomID, token string, userID domain.UserID) (core.SignalTransport, error) {
	u, err := url.Parse(d.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingConnect, err)
	}
	q := u.Query()
	q.Set("room", string(roomID))
	q.Set("user", string(userID))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(roomID)).Msg("dial failed")
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingConnect, err)
	}

	c := &WsConn{
		conn:     ws,
		send:     make(chan []byte, d.opts.SendBuffer),
		handlers: newHandlers(),
		opts:     d.opts,
		user:     userID,
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signal").Str("room", string(roomID)).Str("user", string(userID)).Msg("signaling connected")
	return c, nil
}

// WsConn is a websocket signaling transport. Handlers run on the read pump.
type WsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	handlers *handlers
	opts     Options
	user     domain.UserID
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) On(name protocol.EventName, fn func(protocol.Event)) {
	c.handlers.on(name, fn)
}

func (c *WsConn) Emit(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *WsConn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrTransportClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// Disconnect sends a close frame and tears the socket down.
func (c *WsConn) Disconnect() {
	if !c.shutdown() {
		return
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), deadline)
	_ = c.conn.Close()
	log.Info().Str("module", "signal").Str("user", string(c.user)).Msg("signaling disconnected")
}

// Done is closed once the read pump has exited.
func (c *WsConn) Done() <-chan struct{} { return c.done }

func (c *WsConn) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *WsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

func (c *WsConn) readPump() {
	defer func() {
		close(c.done)
		if c.shutdown() {
			_ = c.conn.Close()
			log.Warn().Str("module", "signal").Str("user", string(c.user)).Msg("signaling connection lost")
		}
	}()

	pongWait := c.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("dropping bad event")
			continue
		}
		c.handlers.dispatch(ev)
	}
}
