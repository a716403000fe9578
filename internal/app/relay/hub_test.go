package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressure
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) got() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func joined(t *testing.T, h *Hub, room domain.RoomID, user domain.UserID, name string) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c := h.Attach(room, user, conn)
	c.Handle(protocol.JoinRoom{RoomID: room, Name: name})
	require.Equal(t, room, c.Room())
	return c, conn
}

func TestJoinAnnouncesToExistingMembers(t *testing.T) {
	h := NewHub(nil, nil)
	_, a := joined(t, h, "R1", "a", "Alice")
	_, b := joined(t, h, "R1", "b", "Bob")

	require.Len(t, a.got(), 1)
	assert.Equal(t, protocol.UserConnected{SocketID: "b", Name: "Bob"}, a.got()[0])
	assert.Empty(t, b.got(), "newcomer is not told about earlier members")
	assert.Equal(t, []domain.UserID{"a", "b"}, h.Members("R1"))
	assert.Equal(t, []domain.RoomInfo{{ID: "R1", MemberCount: 2}}, h.Rooms())
}

func TestJoinUsesDialedRoom(t *testing.T) {
	h := NewHub(nil, nil)
	conn := &fakeConn{}
	c := h.Attach("R9", "a", conn)
	c.Handle(protocol.JoinRoom{Name: "Alice"})
	assert.Equal(t, domain.RoomID("R9"), c.Room())
}

func TestRouteStampsSender(t *testing.T) {
	h := NewHub(nil, nil)
	ca, _ := joined(t, h, "R1", "a", "Alice")
	_, b := joined(t, h, "R1", "b", "Bob")

	ca.Handle(protocol.Offer{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, To: "b", Name: "Alice"})

	got := b.got()
	require.Len(t, got, 1)
	offer := got[0].(protocol.Offer)
	assert.Equal(t, domain.UserID("a"), offer.From)
	assert.Empty(t, offer.To)
	assert.Equal(t, "Alice", offer.Name)
}

func TestRouteUnknownTarget(t *testing.T) {
	h := NewHub(nil, nil)
	ca, a := joined(t, h, "R1", "a", "Alice")
	joined(t, h, "R2", "c", "Carol")

	ca.Handle(protocol.ICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}, To: "c"})
	got := a.got()
	require.Len(t, got, 1)
	assert.IsType(t, protocol.Error{}, got[0])
}

func TestEventsBeforeJoinRejected(t *testing.T) {
	h := NewHub(nil, nil)
	conn := &fakeConn{}
	c := h.Attach("", "a", conn)
	c.Handle(protocol.ToggleAudio{ToggleState: protocol.ToggleState{UserID: "a"}})
	c.Handle(protocol.JoinRoom{})

	got := conn.got()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.Error{Message: ErrNotJoined.Error()}, got[0])
}

func TestToggleBroadcastPinnedToSender(t *testing.T) {
	h := NewHub(nil, nil)
	ca, a := joined(t, h, "R1", "a", "Alice")
	_, b := joined(t, h, "R1", "b", "Bob")
	_, c := joined(t, h, "R1", "c", "Carol")

	ca.Handle(protocol.ToggleVideo{ToggleState: protocol.ToggleState{UserID: "b", Enabled: false, RoomID: "other"}})

	want := protocol.ToggleVideo{ToggleState: protocol.ToggleState{UserID: "a", Enabled: false, RoomID: "R1"}}
	assert.Contains(t, b.got(), protocol.Event(want))
	assert.Contains(t, c.got(), protocol.Event(want))
	assert.NotContains(t, a.got(), protocol.Event(want))
}

func TestCloseAnnouncesDisconnect(t *testing.T) {
	h := NewHub(nil, nil)
	_, a := joined(t, h, "R1", "a", "Alice")
	cb, _ := joined(t, h, "R1", "b", "Bob")

	cb.Close()
	cb.Close()

	assert.Equal(t, protocol.UserDisconnected{SocketID: "b"}, a.got()[len(a.got())-1])
	assert.Equal(t, []domain.UserID{"a"}, h.Members("R1"))
}

func TestEmptyRoomRemoved(t *testing.T) {
	h := NewHub(nil, nil)
	ca, _ := joined(t, h, "R1", "a", "Alice")
	ca.Close()
	assert.Empty(t, h.Rooms())
}

func TestRejoinReplacesConnection(t *testing.T) {
	h := NewHub(nil, nil)
	_, a := joined(t, h, "R1", "a", "Alice")
	old, oldConn := joined(t, h, "R1", "b", "Bob")
	_, newConn := joined(t, h, "R1", "b", "Bob")

	assert.True(t, oldConn.isClosed())
	assert.Equal(t, []protocol.Event{
		protocol.UserConnected{SocketID: "b", Name: "Bob"},
		protocol.UserDisconnected{SocketID: "b"},
		protocol.UserConnected{SocketID: "b", Name: "Bob"},
	}, a.got(), "room mates see the old connection leave and the new one join")
	assert.Empty(t, newConn.got(), "the rejoining member is not told about itself")

	old.Close()
	assert.Equal(t, []domain.UserID{"a", "b"}, h.Members("R1"), "stale connection does not remove the member")
	assert.False(t, newConn.isClosed())
}

func TestRepeatedJoinOnSameConnectionIsQuiet(t *testing.T) {
	h := NewHub(nil, nil)
	_, a := joined(t, h, "R1", "a", "Alice")
	cb, _ := joined(t, h, "R1", "b", "Bob")

	cb.Handle(protocol.JoinRoom{RoomID: "R1", Name: "Robert"})

	assert.Len(t, a.got(), 1, "only the first join is announced")
	assert.Equal(t, []domain.UserID{"a", "b"}, h.Members("R1"))
}

func TestBackpressureKicks(t *testing.T) {
	h := NewHub(SimplePolicy{}, nil)
	_, a := joined(t, h, "R1", "a", "Alice")
	cb, b := joined(t, h, "R1", "b", "Bob")
	_, c := joined(t, h, "R1", "c", "Carol")

	a.mu.Lock()
	a.full = true
	a.mu.Unlock()

	cb.Handle(protocol.ToggleAudio{ToggleState: protocol.ToggleState{UserID: "b"}})

	assert.True(t, a.isClosed())
	assert.Equal(t, []domain.UserID{"b", "c"}, h.Members("R1"))
	assert.Contains(t, b.got(), protocol.Event(protocol.UserDisconnected{SocketID: "a"}))
	assert.Contains(t, c.got(), protocol.Event(protocol.UserDisconnected{SocketID: "a"}))
}

func TestJoinRateLimited(t *testing.T) {
	h := NewHub(nil, NewRateLimiter(1, time.Minute))
	joined(t, h, "R1", "a", "Alice")

	conn := &fakeConn{}
	c := h.Attach("R2", "a", conn)
	c.Handle(protocol.JoinRoom{RoomID: "R2", Name: "Alice"})
	assert.Empty(t, c.Room())
	assert.Equal(t, []protocol.Event{protocol.Error{Message: ErrRateLimited.Error()}}, conn.got())
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))
	assert.True(t, rl.Allow("v"))

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("u"))
}

func TestNilRateLimiterAllows(t *testing.T) {
	var rl *RateLimiter
	assert.True(t, rl.Allow("u"))
	assert.Equal(t, 0, rl.Tracked())
}

func TestRateLimiterForgetsIdleUsers(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 10*time.Second)
	rl.now = func() time.Time { return now }

	for i := range sweepEvery - 1 {
		rl.Allow(domain.UserID(fmt.Sprintf("u%d", i)))
	}
	assert.Equal(t, sweepEvery-1, rl.Tracked())

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("fresh"))
	assert.Equal(t, 1, rl.Tracked(), "users outside the window are dropped")
}
