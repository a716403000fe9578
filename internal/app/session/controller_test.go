package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groovia/livecall/internal/adapters/signal"
	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/app/relay"
	"github.com/groovia/livecall/internal/app/session"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/core/coretest"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

// countingDialer records connection attempts before delegating.
type countingDialer struct {
	next core.SignalDialer
	mu   sync.Mutex
	n    int
	fail error
}

func (d *countingDialer) Connect(ctx context.Context, room domain.RoomID, tok string, user domain.UserID) (core.SignalTransport, error) {
	d.mu.Lock()
	d.n++
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return d.next.Connect(ctx, room, tok, user)
}

func (d *countingDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

type world struct {
	hub *relay.Hub
	net *coretest.Network
	lb  *signal.Loopback
}

func newWorld() *world {
	hub := relay.NewHub(nil, nil)
	return &world{hub: hub, net: coretest.NewNetwork(), lb: signal.NewLoopback(hub, 0)}
}

type peer struct {
	id      domain.UserID
	ctl     *session.Controller
	devices *coretest.Devices
	dialer  *countingDialer
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Audio = audio.Config{Threshold: audio.DefaultThreshold, VolumeDelta: audio.DefaultVolumeDelta, Tick: time.Millisecond}
	return cfg
}

func (w *world) peer(t *testing.T, id domain.UserID) *peer {
	t.Helper()
	p := &peer{id: id, devices: coretest.NewDevices(), dialer: &countingDialer{next: w.lb}}
	p.ctl = session.NewController(p.devices, p.dialer, w.net.Factory(id), testConfig())
	t.Cleanup(p.ctl.Leave)
	return p
}

func (p *peer) join(t *testing.T, room domain.RoomID, name string) {
	t.Helper()
	tok := token.Encode(token.Claims{RoomID: room, UserID: p.id})
	require.NoError(t, p.ctl.Join(context.Background(), tok, name, ""))
	require.Equal(t, domain.StatusConnected, p.ctl.Status())
}

func (p *peer) participant(id domain.UserID) (domain.Participant, bool) {
	for _, pt := range p.ctl.Snapshot().Participants {
		if pt.UserID == id {
			return pt, true
		}
	}
	return domain.Participant{}, false
}

func rosterIDs(s session.Snapshot) []domain.UserID {
	var out []domain.UserID
	for _, p := range s.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// connectPair joins a then b to R1 and waits for both links to connect.
func connectPair(t *testing.T, w *world) (*peer, *peer) {
	t.Helper()
	a := w.peer(t, "alice")
	b := w.peer(t, "bob")
	a.join(t, "R1", "Alice")
	b.join(t, "R1", "Bob")

	connected := func(p *peer, id domain.UserID) func() bool {
		return func() bool {
			pt, ok := p.participant(id)
			return ok && pt.LinkState == "connected" && pt.HasStream()
		}
	}
	require.Eventually(t, connected(a, "bob"), wait, tick)
	require.Eventually(t, connected(b, "alice"), wait, tick)
	return a, b
}

func TestJoinRejectsBadTokenBeforeMedia(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")

	err := p.ctl.Join(context.Background(), "not-a-token", "Alice", "")
	assert.ErrorIs(t, err, domain.ErrTokenDecode)
	assert.Equal(t, 0, p.devices.Calls(), "no permission prompt on bad input")
	assert.Equal(t, 0, p.dialer.attempts())
	assert.Equal(t, domain.StatusIdle, p.ctl.Status())
	assert.ErrorIs(t, p.ctl.Snapshot().LastErr, domain.ErrTokenDecode)
}

func TestJoinMediaDenied(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	p.devices.Deny(true)

	err := p.ctl.Join(context.Background(), token.Encode(token.Claims{RoomID: "R1", UserID: "alice"}), "Alice", "")
	assert.ErrorIs(t, err, domain.ErrMediaAccess)
	assert.Equal(t, domain.StatusIdle, p.ctl.Status())
	assert.Equal(t, 0, p.dialer.attempts(), "no signaling connection attempted")
	assert.Empty(t, w.hub.Members("R1"))
	assert.ErrorIs(t, p.ctl.Snapshot().LastErr, domain.ErrMediaAccess)

	// retry after granting permission
	p.devices.Deny(false)
	p.join(t, "R1", "Alice")
	assert.NoError(t, p.ctl.Snapshot().LastErr)
}

func TestJoinSignalingFailure(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	p.dialer.fail = errors.New("connection refused")

	err := p.ctl.Join(context.Background(), token.Encode(token.Claims{RoomID: "R1", UserID: "alice"}), "Alice", "")
	assert.ErrorIs(t, err, domain.ErrSignalingConnect)
	assert.Equal(t, domain.StatusIdle, p.ctl.Status())
	require.NotNil(t, p.devices.Last())
	assert.True(t, p.devices.Last().Stopped(), "local media released")
}

func TestJoinWhileActive(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	p.join(t, "R1", "Alice")

	err := p.ctl.Join(context.Background(), token.Encode(token.Claims{RoomID: "R2", UserID: "alice"}), "Alice", "")
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.Equal(t, domain.RoomID("R1"), p.ctl.Snapshot().RoomID)
}

func TestJoinUsesTokenMetadata(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	tok := token.Encode(token.Claims{RoomID: "R1", UserID: "alice", Name: "Alice", Role: "instructor"})
	require.NoError(t, p.ctl.Join(context.Background(), tok, "", ""))

	s := p.ctl.Snapshot()
	assert.Equal(t, domain.Metadata{Name: "Alice", Role: "instructor"}, s.Local)
	assert.Equal(t, domain.UserID("alice"), s.LocalUserID)
	assert.True(t, s.Media.AudioEnabled)
	assert.True(t, s.Media.VideoEnabled)
	assert.NotEmpty(t, s.Media.StreamID)
}

func TestExistingPeerOffersToNewcomer(t *testing.T) {
	w := newWorld()
	a, b := connectPair(t, w)

	assert.Equal(t, 1, w.net.Offers(), "exactly one initiator per pair")
	assert.Equal(t, 1, w.net.Answers())

	sa := a.ctl.Snapshot()
	require.Len(t, sa.Participants, 1)
	assert.Equal(t, domain.UserID("bob"), sa.Participants[0].UserID)
	assert.Equal(t, "Bob", sa.Participants[0].Name)

	la, ok := w.net.Link("alice", "bob")
	require.True(t, ok)
	lb, ok := w.net.Link("bob", "alice")
	require.True(t, ok)
	assert.Equal(t, "connected", la.State().String())
	assert.Equal(t, "connected", lb.State().String())
	assert.NotEmpty(t, lb.Candidates(), "trickled candidates reach the peer")

	pb, ok := b.participant("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", pb.Name)
}

func TestRosterMatchesLinks(t *testing.T) {
	w := newWorld()
	a := w.peer(t, "alice")
	b := w.peer(t, "bob")
	c := w.peer(t, "carol")

	check := func() {
		t.Helper()
		for _, p := range []*peer{a, b, c} {
			assert.ElementsMatch(t, p.ctl.LinkIDs(), rosterIDs(p.ctl.Snapshot()))
		}
	}

	a.join(t, "R1", "Alice")
	check()
	b.join(t, "R1", "Bob")
	c.join(t, "R1", "Carol")
	require.Eventually(t, func() bool {
		return len(a.ctl.LinkIDs()) == 2 && len(b.ctl.LinkIDs()) == 2 && len(c.ctl.LinkIDs()) == 2
	}, wait, tick)
	check()

	b.ctl.Leave()
	require.Eventually(t, func() bool {
		return len(a.ctl.LinkIDs()) == 1 && len(c.ctl.LinkIDs()) == 1
	}, wait, tick)
	check()
	assert.Equal(t, []domain.UserID{"carol"}, a.ctl.LinkIDs())
}

func TestToggleVideoIsSignalingOnly(t *testing.T) {
	w := newWorld()
	a, b := connectPair(t, w)
	offers, answers := w.net.Offers(), w.net.Answers()

	enabled, ok := b.ctl.ToggleVideo()
	require.True(t, ok)
	assert.False(t, enabled)
	assert.False(t, b.ctl.Snapshot().Media.VideoEnabled)

	require.Eventually(t, func() bool {
		pt, ok := a.participant("bob")
		return ok && !pt.VideoOn
	}, wait, tick)
	pt, _ := a.participant("bob")
	assert.True(t, pt.AudioOn)

	enabled, ok = b.ctl.ToggleAudio()
	require.True(t, ok)
	assert.False(t, enabled)
	require.Eventually(t, func() bool {
		pt, ok := a.participant("bob")
		return ok && !pt.AudioOn
	}, wait, tick)

	assert.Equal(t, offers, w.net.Offers(), "no renegotiation")
	assert.Equal(t, answers, w.net.Answers(), "no renegotiation")
}

func TestToggleWithoutStream(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	_, ok := p.ctl.ToggleAudio()
	assert.False(t, ok)
	_, ok = p.ctl.ToggleVideo()
	assert.False(t, ok)
}

func TestPeerDropRemovesParticipant(t *testing.T) {
	w := newWorld()
	a, _ := connectPair(t, w)

	require.True(t, w.hub.Kick("R1", "bob"))

	require.Eventually(t, func() bool {
		_, ok := a.participant("bob")
		return !ok
	}, wait, tick)
	la, _ := w.net.Link("alice", "bob")
	assert.True(t, la.Closed())
	assert.Empty(t, a.ctl.LinkIDs())
	assert.Equal(t, domain.StatusConnected, a.ctl.Status())
}

func TestLeaveIsIdempotent(t *testing.T) {
	w := newWorld()
	a, b := connectPair(t, w)
	stream := a.devices.Last()

	a.ctl.Leave()
	first := a.ctl.Snapshot()
	assert.NotPanics(t, a.ctl.Leave)
	assert.Equal(t, first, a.ctl.Snapshot())

	assert.Equal(t, domain.StatusIdle, first.Status)
	assert.Empty(t, first.Participants)
	assert.Empty(t, first.RoomID)
	assert.Equal(t, domain.LocalMediaState{}, first.Media)
	assert.True(t, stream.Stopped())
	la, _ := w.net.Link("alice", "bob")
	assert.True(t, la.Closed())
	assert.Equal(t, []domain.UserID{"bob"}, w.hub.Members("R1"))

	require.Eventually(t, func() bool { return len(b.ctl.LinkIDs()) == 0 }, wait, tick)

	// the controller is reusable
	a.join(t, "R1", "Alice")
	require.Eventually(t, func() bool { return len(a.ctl.LinkIDs()) == 1 }, wait, tick)
}

func TestLeaveWhenIdle(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	assert.NotPanics(t, p.ctl.Leave)
	assert.Equal(t, domain.StatusIdle, p.ctl.Status())
}

func TestLocalSpeakingThreshold(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")
	p.join(t, "R1", "Alice")
	mic := p.devices.Last().Mic()

	mic.Set(21)
	require.Eventually(t, func() bool { return p.ctl.Snapshot().Media.Speaking }, wait, tick)
	assert.Equal(t, 21, p.ctl.Snapshot().Media.Volume)

	mic.Set(20)
	require.Eventually(t, func() bool { return !p.ctl.Snapshot().Media.Speaking }, wait, tick)
}

func TestRemoteSpeakingThreshold(t *testing.T) {
	w := newWorld()
	a, b := connectPair(t, w)
	mic := b.devices.Last().Mic()

	mic.Set(60)
	require.Eventually(t, func() bool {
		pt, ok := a.participant("bob")
		return ok && pt.Speaking && pt.Volume == 60
	}, wait, tick)

	mic.Set(10)
	require.Eventually(t, func() bool {
		pt, ok := a.participant("bob")
		return ok && !pt.Speaking
	}, wait, tick)
}

func TestSubscribe(t *testing.T) {
	w := newWorld()
	p := w.peer(t, "alice")

	var mu sync.Mutex
	var seen []domain.Status
	cancel := p.ctl.Subscribe(func(s session.Snapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	p.join(t, "R1", "Alice")
	p.ctl.Leave()
	cancel()
	p.join(t, "R1", "Alice")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, domain.StatusAcquiringMedia)
	assert.Contains(t, seen, domain.StatusConnected)
	assert.Contains(t, seen, domain.StatusLeaving)
	assert.Equal(t, domain.StatusIdle, seen[len(seen)-1])
}

// gatedLinks blocks the first NewLink until release is closed.
type gatedLinks struct {
	next    core.LinkFactory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLinks) NewLink(remote domain.UserID) (core.PeerLink, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.next.NewLink(remote)
}

func TestLeaveDuringLinkCreation(t *testing.T) {
	w := newWorld()
	gate := &gatedLinks{next: w.net.Factory("alice"), entered: make(chan struct{}), release: make(chan struct{})}
	devices := coretest.NewDevices()
	alice := session.NewController(devices, w.lb, gate, testConfig())
	t.Cleanup(alice.Leave)
	require.NoError(t, alice.Join(context.Background(), token.Encode(token.Claims{RoomID: "R1", UserID: "alice"}), "Alice", ""))

	bob := w.peer(t, "bob")
	bob.join(t, "R1", "Bob")

	select {
	case <-gate.entered:
	case <-time.After(wait):
		t.Fatal("alice never started a link to bob")
	}
	alice.Leave()
	close(gate.release)

	require.Eventually(t, func() bool {
		l, ok := w.net.Link("alice", "bob")
		return ok && l.Closed()
	}, wait, tick, "link built while leaving must be closed")
	assert.Equal(t, domain.StatusIdle, alice.Status())
	assert.Empty(t, alice.LinkIDs())
	assert.True(t, devices.Last().Stopped())
}

func TestRejoinFromNewProcessRenegotiates(t *testing.T) {
	w := newWorld()
	_, b := connectPair(t, w)
	stale, _ := w.net.Link("bob", "alice")

	// a second client with alice's id joins while the first is still registered
	restarted := w.peer(t, "alice")
	restarted.join(t, "R1", "Alice")

	require.Eventually(t, func() bool {
		pt, ok := restarted.participant("bob")
		return ok && pt.LinkState == "connected"
	}, wait, tick)
	require.Eventually(t, func() bool {
		l, ok := w.net.Link("bob", "alice")
		return ok && l != stale && l.State().String() == "connected"
	}, wait, tick)

	assert.True(t, stale.Closed(), "bob dropped the link to the old connection")
	assert.Equal(t, 2, w.net.Offers(), "bob offered again to the new connection")
	assert.Equal(t, []domain.UserID{"alice"}, b.ctl.LinkIDs())
	assert.Equal(t, []domain.UserID{"alice", "bob"}, w.hub.Members("R1"), "the replaced member keeps its place")
}
