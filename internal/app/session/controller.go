// Package session runs the call lifecycle: media acquisition, signaling,
// the peer mesh and speaking detection, behind four operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/app/peers"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/groovia/livecall/internal/token"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Audio       audio.Config
	Constraints core.Constraints
}

func DefaultConfig() Config {
	return Config{
		Audio:       audio.DefaultConfig(),
		Constraints: core.Constraints{Audio: true, Video: true},
	}
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Status       domain.Status
	RoomID       domain.RoomID
	LocalUserID  domain.UserID
	Local        domain.Metadata
	Media        domain.LocalMediaState
	Participants []domain.Participant
	// LastErr is the error of the last failed join, cleared by the next join.
	LastErr error
}

// call holds the resources of one joined session. Callbacks capture the call
// they were registered for and are ignored once it is no longer current.
type call struct {
	stream    core.LocalStream
	transport core.SignalTransport
	peers     *peers.Manager
	monitor   *audio.Monitor
}

// Controller owns at most one session at a time.
type Controller struct {
	devices core.MediaDevices
	dialer  core.SignalDialer
	links   core.LinkFactory
	cfg     Config

	mu      sync.Mutex
	status  domain.Status
	sess    domain.Session
	media   domain.LocalMediaState
	lastErr error
	call    *call
	subs    map[int]func(Snapshot)
	nextSub int

	// serializes publish so subscribers never see an older snapshot last
	pubMu sync.Mutex
}

func NewController(devices core.MediaDevices, dialer core.SignalDialer, links core.LinkFactory, cfg Config) *Controller {
	return &Controller{
		devices: devices,
		dialer:  dialer,
		links:   links,
		cfg:     cfg,
		subs:    make(map[int]func(Snapshot)),
	}
}

// Join decodes the token, acquires media, opens signaling and announces the
// local participant. Token errors fail before any device is touched.
func (c *Controller) Join(ctx context.Context, raw, name, role string) error {
	claims, err := token.Decode(raw)
	if err != nil {
		c.fail(err)
		return err
	}
	if name == "" {
		name = claims.Name
	}
	if role == "" {
		role = claims.Role
	}
	meta, err := domain.NewMetadata(name, role)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.status != domain.StatusIdle {
		st := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: status %s", domain.ErrSessionActive, st)
	}
	c.status = domain.StatusAcquiringMedia
	c.sess = domain.Session{RoomID: claims.RoomID, LocalUserID: claims.UserID, Local: meta}
	c.lastErr = nil
	c.mu.Unlock()
	c.publish()

	l := log.With().
		Str("module", "session").
		Str("room", string(claims.RoomID)).
		Str("user", string(claims.UserID)).
		Logger()

	stream, err := c.devices.GetUserMedia(ctx, c.cfg.Constraints)
	if err != nil {
		if !errors.Is(err, domain.ErrMediaAccess) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		}
		l.Warn().Err(err).Msg("media acquisition failed")
		c.reset(err)
		return err
	}

	transport, err := c.dialer.Connect(ctx, claims.RoomID, raw, claims.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrSignalingConnect) {
			err = fmt.Errorf("%w: %w", domain.ErrSignalingConnect, err)
		}
		l.Warn().Err(err).Msg("signaling connect failed")
		guard("stop local media", stream.Stop)
		c.reset(err)
		return err
	}

	cl := &call{stream: stream, transport: transport}
	cl.monitor = audio.NewMonitor(c.cfg.Audio, func(id string, lvl domain.AudioLevel) {
		c.onLevel(cl, id, lvl)
	})
	cl.peers = peers.NewManager(c.links, transport, claims.UserID, meta, stream, peers.Hooks{
		OnAudio: func(remote domain.UserID, src core.LevelSource) {
			cl.monitor.Attach(string(remote), src)
		},
		OnRemove: func(remote domain.UserID) {
			cl.monitor.Detach(string(remote))
		},
		OnChange: c.publish,
	})
	c.bind(cl, claims.UserID, l)

	media := domain.LocalMediaState{StreamID: stream.ID()}
	if tr, ok := stream.Track(webrtc.RTPCodecTypeAudio); ok {
		media.AudioEnabled = tr.Enabled()
	}
	if tr, ok := stream.Track(webrtc.RTPCodecTypeVideo); ok {
		media.VideoEnabled = tr.Enabled()
	}

	c.mu.Lock()
	c.call = cl
	c.media = media
	c.status = domain.StatusConnected
	c.mu.Unlock()

	cl.monitor.Attach(audio.LocalID, stream.Levels())
	cl.monitor.Start(context.Background())

	if err := transport.Emit(protocol.JoinRoom{RoomID: claims.RoomID, Name: meta.Name, Role: meta.Role}); err != nil {
		l.Warn().Err(err).Msg("join-room emit failed")
	}
	l.Info().Msg("session connected")
	c.publish()
	return nil
}

func (c *Controller) bind(cl *call, self domain.UserID, l zerolog.Logger) {
	on := func(name protocol.EventName, fn func(protocol.Event) error) {
		cl.transport.On(name, func(ev protocol.Event) {
			if !c.current(cl) {
				return
			}
			if err := fn(ev); err != nil {
				l.Warn().Err(err).Str("event", string(name)).Msg("signaling event failed")
			}
		})
	}

	on(protocol.EventUserConnected, func(ev protocol.Event) error {
		uc := ev.(protocol.UserConnected)
		if uc.SocketID == self {
			return nil
		}
		l.Info().Str("peer", string(uc.SocketID)).Msg("user connected, offering")
		return cl.peers.InitiateOffer(uc.SocketID, domain.Metadata{Name: uc.Name, Role: uc.Role})
	})
	on(protocol.EventOffer, func(ev protocol.Event) error {
		return cl.peers.HandleOffer(ev.(protocol.Offer))
	})
	on(protocol.EventAnswer, func(ev protocol.Event) error {
		return cl.peers.HandleAnswer(ev.(protocol.Answer))
	})
	on(protocol.EventICECandidate, func(ev protocol.Event) error {
		_, err := cl.peers.HandleICECandidate(ev.(protocol.ICECandidate))
		return err
	})
	on(protocol.EventUserDisconnected, func(ev protocol.Event) error {
		id := ev.(protocol.UserDisconnected).SocketID
		if cl.peers.Remove(id) {
			l.Info().Str("peer", string(id)).Msg("user disconnected")
		}
		return nil
	})
	on(protocol.EventToggleAudio, func(ev protocol.Event) error {
		st := ev.(protocol.ToggleAudio).ToggleState
		if st.UserID != self {
			cl.peers.SetMedia(st.UserID, webrtc.RTPCodecTypeAudio, st.Enabled)
		}
		return nil
	})
	on(protocol.EventToggleVideo, func(ev protocol.Event) error {
		st := ev.(protocol.ToggleVideo).ToggleState
		if st.UserID != self {
			cl.peers.SetMedia(st.UserID, webrtc.RTPCodecTypeVideo, st.Enabled)
		}
		return nil
	})
	on(protocol.EventError, func(ev protocol.Event) error {
		l.Warn().Str("reason", ev.(protocol.Error).Message).Msg("relay error")
		return nil
	})
}

// Leave tears the session down and returns to idle. It is idempotent, safe
// at any point of negotiation, and never fails: each step is isolated.
// An in-flight join cannot be cancelled; Leave during media acquisition is a no-op.
func (c *Controller) Leave() {
	c.mu.Lock()
	cl := c.call
	if cl == nil {
		c.mu.Unlock()
		return
	}
	c.call = nil
	c.status = domain.StatusLeaving
	room := c.sess.RoomID
	c.mu.Unlock()
	c.publish()

	guard("stop audio monitor", cl.monitor.Stop)
	guard("close peer links", cl.peers.CloseAll)
	guard("stop local media", cl.stream.Stop)
	guard("disconnect signaling", cl.transport.Disconnect)

	c.mu.Lock()
	c.status = domain.StatusIdle
	c.sess = domain.Session{}
	c.media = domain.LocalMediaState{}
	c.mu.Unlock()

	log.Info().Str("module", "session").Str("room", string(room)).Msg("session left")
	c.publish()
}

// ToggleAudio flips the microphone gate and broadcasts it. It returns the new
// state and false when there is no local stream.
func (c *Controller) ToggleAudio() (enabled, ok bool) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera gate and broadcasts it.
func (c *Controller) ToggleVideo() (enabled, ok bool) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

// toggle never touches the peer links: the track stays negotiated and only
// its local gate changes.
func (c *Controller) toggle(kind webrtc.RTPCodecType) (bool, bool) {
	c.mu.Lock()
	cl := c.call
	if cl == nil {
		c.mu.Unlock()
		return false, false
	}
	tr, ok := cl.stream.Track(kind)
	if !ok {
		c.mu.Unlock()
		return false, false
	}
	enabled := !tr.Enabled()
	tr.SetEnabled(enabled)
	state := protocol.ToggleState{UserID: c.sess.LocalUserID, Enabled: enabled, RoomID: c.sess.RoomID}

	var ev protocol.Event
	if kind == webrtc.RTPCodecTypeAudio {
		c.media.AudioEnabled = enabled
		ev = protocol.ToggleAudio{ToggleState: state}
	} else {
		c.media.VideoEnabled = enabled
		ev = protocol.ToggleVideo{ToggleState: state}
	}
	c.mu.Unlock()

	if err := cl.transport.Emit(ev); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("event", string(ev.Event())).Msg("toggle broadcast failed")
	}
	c.publish()
	return enabled, true
}

func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Status:      c.status,
		RoomID:      c.sess.RoomID,
		LocalUserID: c.sess.LocalUserID,
		Local:       c.sess.Local,
		Media:       c.media,
		LastErr:     c.lastErr,
	}
	if c.call != nil {
		s.Participants = c.call.peers.Participants()
	}
	return s
}

// LinkIDs lists the remote ids that currently have a peer link.
func (c *Controller) LinkIDs() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil
	}
	return c.call.peers.IDs()
}

// Subscribe registers fn for every state change and returns the cancel func.
// fn runs on the goroutine that caused the change and must not call Join,
// Leave or the toggles synchronously.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	snap := c.Snapshot()
	c.mu.Lock()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Controller) onLevel(cl *call, id string, lvl domain.AudioLevel) {
	if id != audio.LocalID {
		if c.current(cl) {
			cl.peers.SetLevel(domain.UserID(id), lvl)
		}
		return
	}
	c.mu.Lock()
	if c.call != cl {
		c.mu.Unlock()
		return
	}
	c.media.Speaking = lvl.Speaking
	c.media.Volume = lvl.Volume
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) current(cl *call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call == cl
}

// fail records a join error raised before leaving idle.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.status == domain.StatusIdle {
		c.lastErr = err
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) reset(err error) {
	c.mu.Lock()
	c.status = domain.StatusIdle
	c.sess = domain.Session{}
	c.media = domain.LocalMediaState{}
	c.lastErr = err
	c.mu.Unlock()
	c.publish()
}

func guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "session").Str("step", step).Interface("panic", r).Msg("teardown step panicked")
		}
	}()
	fn()
}
