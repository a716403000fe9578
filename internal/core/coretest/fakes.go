// Package coretest provides in-memory collaborators for exercising the call
// session without sockets, devices, or ICE.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Source is a LevelSource reporting the same value in every bin.
type Source struct {
	mu  sync.Mutex
	val byte
}

func NewSource(v byte) *Source { return &Source{val: v} }

func (s *Source) FrequencyBinCount() int { return 128 }

func (s *Source) ByteFrequencyData(dst []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = s.val
	}
}

func (s *Source) Set(v byte) {
	s.mu.Lock()
	s.val = v
	s.mu.Unlock()
}

type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
	source  *Source
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return nil }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *Track) Stop()                     { t.stopped.Store(true) }
func (t *Track) Stopped() bool             { return t.stopped.Load() }

type Stream struct {
	id     string
	tracks []*Track
	source *Source
}

// NewStream builds a stream; its microphone reports silence until Mic().Set.
func NewStream(audio, video bool) *Stream {
	s := &Stream{id: uuid.NewString(), source: NewSource(0)}
	if audio {
		t := &Track{id: uuid.NewString(), kind: webrtc.RTPCodecTypeAudio, source: s.source}
		t.enabled.Store(true)
		s.tracks = append(s.tracks, t)
	}
	if video {
		t := &Track{id: uuid.NewString(), kind: webrtc.RTPCodecTypeVideo}
		t.enabled.Store(true)
		s.tracks = append(s.tracks, t)
	}
	return s
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Track(kind webrtc.RTPCodecType) (core.LocalTrack, bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *Stream) Levels() core.LevelSource {
	if _, ok := s.Track(webrtc.RTPCodecTypeAudio); !ok {
		return nil
	}
	return s.source
}

// Mic is the injectable level of the microphone.
func (s *Stream) Mic() *Source { return s.source }

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Stopped reports whether every track was stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// Devices hands out fresh streams or denies access.
type Devices struct {
	mu    sync.Mutex
	deny  bool
	calls int
	last  *Stream
}

func NewDevices() *Devices { return &Devices{} }

func (d *Devices) Deny(v bool) {
	d.mu.Lock()
	d.deny = v
	d.mu.Unlock()
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.deny {
		return nil, fmt.Errorf("%w: permission denied", domain.ErrMediaAccess)
	}
	s := NewStream(c.Audio, c.Video)
	d.last = s
	return s, nil
}

func (d *Devices) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last is the most recently handed out stream, nil if none.
func (d *Devices) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

var errLinkClosed = errors.New("link closed")

type pair struct{ local, remote domain.UserID }

// Network pairs fake links by user id so that an offer applied on one side
// and answered on the other connects both and delivers tracks each way.
type Network struct {
	mu      sync.Mutex
	links   map[pair]*Link
	offers  int
	answers int
}

func NewNetwork() *Network { return &Network{links: make(map[pair]*Link)} }

// Factory returns the LinkFactory for one user.
func (n *Network) Factory(local domain.UserID) core.LinkFactory { return factory{n: n, local: local} }

// Link returns the latest link local opened towards remote.
func (n *Network) Link(local, remote domain.UserID) (*Link, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[pair{local, remote}]
	return l, ok
}

// Offers counts offers created across the network.
func (n *Network) Offers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers
}

// Answers counts answers created across the network.
func (n *Network) Answers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answers
}

type factory struct {
	n     *Network
	local domain.UserID
}

func (f factory) NewLink(remote domain.UserID) (core.PeerLink, error) {
	l := &Link{n: f.n, local: f.local, remote: remote, signaling: webrtc.SignalingStateStable, conn: webrtc.PeerConnectionStateNew}
	f.n.mu.Lock()
	f.n.links[pair{f.local, remote}] = l
	f.n.mu.Unlock()
	return l, nil
}

// Link is a scripted PeerLink. Callbacks fire on their own goroutine the way
// pion delivers them.
type Link struct {
	n      *Network
	local  domain.UserID
	remote domain.UserID

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	conn       webrtc.PeerConnectionState
	tracks     []core.LocalTrack
	candidates []webrtc.ICECandidateInit
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
}

func (l *Link) AddLocalTrack(t core.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	l.tracks = append(l.tracks, t)
	return nil
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, errLinkClosed
	}
	l.signaling = webrtc.SignalingStateHaveLocalOffer
	l.n.mu.Lock()
	l.n.offers++
	l.n.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + string(l.local)}, nil
}

func (l *Link) ApplyOffer(sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return webrtc.SessionDescription{}, errLinkClosed
	}
	if sd.Type != webrtc.SDPTypeOffer || l.signaling != webrtc.SignalingStateStable {
		st := l.signaling
		l.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("offer in state %s", st)
	}
	l.mu.Unlock()

	l.n.mu.Lock()
	l.n.answers++
	l.n.mu.Unlock()
	l.connect()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + string(l.local)}, nil
}

func (l *Link) ApplyAnswer(sd webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLinkClosed
	}
	if sd.Type != webrtc.SDPTypeAnswer || l.signaling != webrtc.SignalingStateHaveLocalOffer {
		st := l.signaling
		l.mu.Unlock()
		return fmt.Errorf("answer in state %s", st)
	}
	l.signaling = webrtc.SignalingStateStable
	l.mu.Unlock()
	l.connect()
	return nil
}

func (l *Link) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.signaling != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in state %s", l.signaling)
	}
	l.signaling = webrtc.SignalingStateStable
	return nil
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *Link) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signaling
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *Link) OnTrack(fn func(core.RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.conn = webrtc.PeerConnectionStateClosed
	l.signaling = webrtc.SignalingStateClosed
	return nil
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) State() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Candidates returns the remote candidates applied so far.
func (l *Link) Candidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.candidates...)
}

// Fire delivers a remote track as if it arrived from the network.
func (l *Link) Fire(tr core.RemoteTrack) {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	if fn != nil {
		fn(tr)
	}
}

// connect marks the local side connected, gathers one candidate, and delivers
// the tracks of the opposite link.
func (l *Link) connect() {
	l.mu.Lock()
	l.conn = webrtc.PeerConnectionStateConnected
	onICE, onTrack, onState := l.onICE, l.onTrack, l.onState
	l.mu.Unlock()

	var remoteTracks []core.LocalTrack
	if peer, ok := l.n.Link(l.remote, l.local); ok {
		peer.mu.Lock()
		remoteTracks = append(remoteTracks, peer.tracks...)
		peer.mu.Unlock()
	}

	go func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onICE != nil {
			onICE(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host " + string(l.local)})
		}
		if onTrack == nil {
			return
		}
		streamID := "stream-" + string(l.remote)
		for _, t := range remoteTracks {
			rt := core.RemoteTrack{ID: t.ID(), StreamID: streamID, Kind: t.Kind()}
			if ft, ok := t.(*Track); ok && ft.source != nil {
				rt.Levels = ft.source
			}
			onTrack(rt)
		}
	}()
}
