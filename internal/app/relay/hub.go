// Package relay implements the room-scoped signaling relay the call client
// talks to. It only forwards events; it never inspects SDP.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure  = errors.New("send queue full")
	ErrRateLimited   = errors.New("join rate limited")
	ErrNotJoined     = errors.New("not joined to a room")
	ErrUnknownTarget = errors.New("target not in room")
)

// Conn is the relay side of one client connection.
type Conn interface {
	// TrySend queues ev without blocking; ErrBackpressure when the queue is full.
	TrySend(ev protocol.Event) error
	Close()
}

type member struct {
	id   domain.UserID
	meta domain.Metadata
	conn Conn
}

type room struct {
	members map[domain.UserID]*member
	order   []domain.UserID
}

// PublishResult reports a fan-out.
type PublishResult struct {
	SendTo  int
	Dropped []domain.UserID
}

// Hub keeps rooms of members keyed by user id. The socket id announced to
// room mates is the user id.
type Hub struct {
	policy  Policy
	limiter *RateLimiter

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewHub(policy Policy, limiter *RateLimiter) *Hub {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Hub{
		policy:  policy,
		limiter: limiter,
		rooms:   make(map[domain.RoomID]*room),
	}
}

// Join adds user to the room and announces it to everyone already there.
// A join from a user that is already a member on another connection replaces
// that connection; room mates see it leave and join again so they drop the
// stale link and offer to the new one. A repeated join on the same connection
// only updates the metadata.
func (h *Hub) Join(roomID domain.RoomID, user domain.UserID, meta domain.Metadata, conn Conn) error {
	if !h.limiter.Allow(user) {
		return ErrRateLimited
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: make(map[domain.UserID]*member)}
		h.rooms[roomID] = r
	}
	if old, ok := r.members[user]; ok {
		r.members[user] = &member{id: user, meta: meta, conn: conn}
		h.mu.Unlock()
		if old.conn == conn {
			return nil
		}
		old.conn.Close()
		log.Info().Str("module", "relay.hub").Str("room", string(roomID)).Str("user", string(user)).Msg("member replaced")
		h.Broadcast(roomID, user, protocol.UserDisconnected{SocketID: user})
		h.Broadcast(roomID, user, protocol.UserConnected{SocketID: user, Name: meta.Name, Role: meta.Role})
		return nil
	}
	r.members[user] = &member{id: user, meta: meta, conn: conn}
	r.order = append(r.order, user)
	h.mu.Unlock()

	log.Info().Str("module", "relay.hub").Str("room", string(roomID)).Str("user", string(user)).Msg("member added")
	h.Broadcast(roomID, user, protocol.UserConnected{SocketID: user, Name: meta.Name, Role: meta.Role})
	return nil
}

// Leave removes user if conn is still its current connection and tells the
// rest of the room.
func (h *Hub) Leave(roomID domain.RoomID, user domain.UserID, conn Conn) bool {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	m, ok := r.members[user]
	if !ok || (conn != nil && m.conn != conn) {
		h.mu.Unlock()
		return false
	}
	h.removeLocked(roomID, r, user)
	h.mu.Unlock()

	log.Info().Str("module", "relay.hub").Str("room", string(roomID)).Str("user", string(user)).Msg("member removed")
	h.Broadcast(roomID, user, protocol.UserDisconnected{SocketID: user})
	return true
}

func (h *Hub) removeLocked(roomID domain.RoomID, r *room, user domain.UserID) {
	delete(r.members, user)
	order := r.order[:0]
	for _, id := range r.order {
		if id != user {
			order = append(order, id)
		}
	}
	r.order = order
	if len(r.members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Route delivers a directed event to its target with the sender stamped.
func (h *Hub) Route(roomID domain.RoomID, from domain.UserID, ev protocol.Directed) error {
	target := ev.Target()
	h.mu.RLock()
	var m *member
	if r, ok := h.rooms[roomID]; ok {
		if _, in := r.members[from]; in {
			m = r.members[target]
		}
	}
	h.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if err := m.conn.TrySend(ev.Stamp(from)); err != nil {
		h.backpressure(roomID, m.id)
		return err
	}
	return nil
}

// Broadcast sends ev to every member of the room except from.
func (h *Hub) Broadcast(roomID domain.RoomID, from domain.UserID, ev protocol.Event) PublishResult {
	h.mu.RLock()
	var targets []*member
	if r, ok := h.rooms[roomID]; ok {
		for _, id := range r.order {
			if id != from {
				targets = append(targets, r.members[id])
			}
		}
	}
	h.mu.RUnlock()

	res := PublishResult{}
	for _, m := range targets {
		if err := m.conn.TrySend(ev); err != nil {
			res.Dropped = append(res.Dropped, m.id)
			continue
		}
		res.SendTo++
	}
	log.Debug().
		Str("module", "relay.hub").
		Str("room", string(roomID)).
		Str("from", string(from)).
		Str("event", string(ev.Event())).
		Int("sent_to", res.SendTo).
		Int("dropped", len(res.Dropped)).
		Msg("broadcast result")

	for _, id := range res.Dropped {
		h.backpressure(roomID, id)
	}
	return res
}

func (h *Hub) backpressure(roomID domain.RoomID, user domain.UserID) {
	switch h.policy.OnBackPressure(roomID, user) {
	case KickMember:
		h.Kick(roomID, user)
	case MarkSlow, DropFrame, NoAction:
		log.Warn().Str("module", "relay.hub").Str("room", string(roomID)).Str("user", string(user)).Msg("slow member")
	}
}

// Kick closes the member's connection and announces it as disconnected.
func (h *Hub) Kick(roomID domain.RoomID, user domain.UserID) bool {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	m, ok := r.members[user]
	if !ok {
		h.mu.Unlock()
		return false
	}
	h.removeLocked(roomID, r, user)
	h.mu.Unlock()

	m.conn.Close()
	log.Warn().Str("module", "relay.hub").Str("room", string(roomID)).Str("user", string(user)).Msg("member kicked")
	h.Broadcast(roomID, user, protocol.UserDisconnected{SocketID: user})
	return true
}

// Members lists a room's user ids in join order.
func (h *Hub) Members(roomID domain.RoomID) []domain.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]domain.UserID(nil), r.order...)
}

func (h *Hub) Rooms() []domain.RoomInfo {
	h.mu.RLock()
	out := make([]domain.RoomInfo, 0, len(h.rooms))
	for id, r := range h.rooms {
		out = append(out, domain.RoomInfo{ID: id, MemberCount: len(r.members)})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
