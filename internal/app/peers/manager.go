// Package peers owns one peer link per remote participant of a session.
package peers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Emitter is the outbound half of the signaling transport.
type Emitter interface {
	Emit(protocol.Event) error
}

// Hooks are invoked after the manager lock is released.
type Hooks struct {
	// OnAudio fires when a remote audio track arrives. Analysers are keyed by
	// user id, so a renegotiated track must replace the previous source.
	OnAudio func(remote domain.UserID, src core.LevelSource)
	// OnRemove fires after a link and its participant are gone.
	OnRemove func(remote domain.UserID)
	// OnChange fires after any roster mutation.
	OnChange func()
}

type peer struct {
	link core.PeerLink
	info domain.Participant
}

// Manager keeps links and participants in a single map, so the roster and the
// set of links cannot diverge.
type Manager struct {
	factory core.LinkFactory
	out     Emitter
	localID domain.UserID
	local   domain.Metadata
	stream  core.LocalStream
	hooks   Hooks

	mu    sync.Mutex
	peers map[domain.UserID]*peer
	order []domain.UserID
	// closed is set by CloseAll; no link may be registered afterwards.
	closed bool
}

func NewManager(factory core.LinkFactory, out Emitter, localID domain.UserID, local domain.Metadata, stream core.LocalStream, hooks Hooks) *Manager {
	return &Manager{
		factory: factory,
		out:     out,
		localID: localID,
		local:   local,
		stream:  stream,
		hooks:   hooks,
		peers:   make(map[domain.UserID]*peer),
	}
}

// CreateLink returns the link to remote, constructing it with every local
// track attached if none exists yet.
func (m *Manager) CreateLink(remote domain.UserID, meta domain.Metadata) (core.PeerLink, error) {
	if remote == "" || remote == m.localID {
		return nil, fmt.Errorf("%w: invalid remote %q", domain.ErrNegotiation, remote)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: manager closed", domain.ErrNegotiation)
	}
	if p, ok := m.peers[remote]; ok {
		mergeMeta(&p.info, meta)
		m.mu.Unlock()
		return p.link, nil
	}
	m.mu.Unlock()

	link, err := m.factory.NewLink(remote)
	if err != nil {
		return nil, fmt.Errorf("new link to %s: %w", remote, err)
	}
	if m.stream != nil {
		for _, tr := range m.stream.Tracks() {
			if err := link.AddLocalTrack(tr); err != nil {
				_ = link.Close()
				return nil, fmt.Errorf("attach %s track: %w", tr.Kind(), err)
			}
		}
	}

	p := &peer{link: link, info: *domain.NewParticipant(remote, meta)}

	m.mu.Lock()
	if m.closed {
		// CloseAll ran while the link was being built
		m.mu.Unlock()
		_ = link.Close()
		return nil, fmt.Errorf("%w: manager closed", domain.ErrNegotiation)
	}
	if existing, ok := m.peers[remote]; ok {
		// lost a race with a concurrent create
		m.mu.Unlock()
		_ = link.Close()
		return existing.link, nil
	}
	m.peers[remote] = p
	m.order = append(m.order, remote)
	m.mu.Unlock()

	m.bind(remote, p)
	log.Info().
		Str("module", "peers").
		Str("peer", string(remote)).
		Msg("peer link created")
	m.changed()
	return link, nil
}

func (m *Manager) bind(remote domain.UserID, p *peer) {
	p.link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.current(remote, p) {
			return
		}
		if err := m.out.Emit(protocol.ICECandidate{Candidate: c, To: remote}); err != nil {
			log.Debug().Err(err).Str("module", "peers").Str("peer", string(remote)).Msg("emit candidate failed")
		}
	})
	p.link.OnTrack(func(tr core.RemoteTrack) {
		m.mu.Lock()
		if m.peers[remote] != p {
			m.mu.Unlock()
			return
		}
		p.info.StreamID = tr.StreamID
		m.mu.Unlock()

		log.Info().
			Str("module", "peers").
			Str("peer", string(remote)).
			Str("kind", tr.Kind.String()).
			Str("stream", tr.StreamID).
			Msg("remote track")
		if tr.Kind == webrtc.RTPCodecTypeAudio && tr.Levels != nil && m.hooks.OnAudio != nil {
			m.hooks.OnAudio(remote, tr.Levels)
		}
		m.changed()
	})
	p.link.OnStateChange(func(st webrtc.PeerConnectionState) {
		m.mu.Lock()
		if m.peers[remote] != p {
			m.mu.Unlock()
			return
		}
		p.info.LinkState = st.String()
		m.mu.Unlock()
		m.changed()
	})
}

// InitiateOffer is run by the peer that was already in the room when remote joined.
func (m *Manager) InitiateOffer(remote domain.UserID, meta domain.Metadata) error {
	link, err := m.CreateLink(remote, meta)
	if err != nil {
		return err
	}
	offer, err := link.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer for %s: %w", domain.ErrNegotiation, remote, err)
	}
	return m.out.Emit(protocol.Offer{
		Offer: offer,
		To:    remote,
		Name:  m.local.Name,
		Role:  m.local.Role,
	})
}

// HandleOffer answers an incoming offer. On glare the lower user id yields:
// it rolls back its own offer and answers; the higher one ignores the offer.
func (m *Manager) HandleOffer(ev protocol.Offer) error {
	remote := ev.From
	link, err := m.CreateLink(remote, domain.Metadata{Name: ev.Name, Role: ev.Role})
	if err != nil {
		return err
	}

	if link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if m.localID > remote {
			log.Info().
				Str("module", "peers").
				Str("peer", string(remote)).
				Msg("glare: keeping local offer")
			return nil
		}
		log.Info().
			Str("module", "peers").
			Str("peer", string(remote)).
			Msg("glare: rolling back local offer")
		if err := link.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback for %s: %w", domain.ErrNegotiation, remote, err)
		}
	}

	answer, err := link.ApplyOffer(ev.Offer)
	if err != nil {
		return fmt.Errorf("%w: apply offer from %s: %w", domain.ErrNegotiation, remote, err)
	}
	return m.out.Emit(protocol.Answer{
		Answer: answer,
		To:     remote,
		Name:   m.local.Name,
		Role:   m.local.Role,
	})
}

func (m *Manager) HandleAnswer(ev protocol.Answer) error {
	remote := ev.From
	p, ok := m.lookup(remote)
	if !ok {
		return fmt.Errorf("%w: answer from %s without link", domain.ErrNegotiation, remote)
	}
	m.mu.Lock()
	mergeMeta(&p.info, domain.Metadata{Name: ev.Name, Role: ev.Role})
	m.mu.Unlock()

	if st := p.link.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer from %s in state %s", domain.ErrNegotiation, remote, st)
	}
	if err := p.link.ApplyAnswer(ev.Answer); err != nil {
		return fmt.Errorf("%w: apply answer from %s: %w", domain.ErrNegotiation, remote, err)
	}
	m.changed()
	return nil
}

// HandleICECandidate applies a remote candidate. Candidates for a peer without
// a link are dropped, not queued, and the call reports false.
func (m *Manager) HandleICECandidate(ev protocol.ICECandidate) (bool, error) {
	remote := ev.From
	p, ok := m.lookup(remote)
	if !ok {
		log.Debug().
			Str("module", "peers").
			Str("peer", string(remote)).
			Msg("candidate dropped: no link")
		return false, nil
	}
	if err := p.link.AddICECandidate(ev.Candidate); err != nil {
		return true, fmt.Errorf("%w: candidate from %s: %w", domain.ErrNegotiation, remote, err)
	}
	return true, nil
}

// SetMedia records a remote toggle. Unknown peers are ignored.
func (m *Manager) SetMedia(remote domain.UserID, kind webrtc.RTPCodecType, enabled bool) bool {
	m.mu.Lock()
	p, ok := m.peers[remote]
	if ok {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			p.info.AudioOn = enabled
		case webrtc.RTPCodecTypeVideo:
			p.info.VideoOn = enabled
		}
	}
	m.mu.Unlock()
	if ok {
		m.changed()
	}
	return ok
}

// SetLevel records an analyser update for remote.
func (m *Manager) SetLevel(remote domain.UserID, lvl domain.AudioLevel) bool {
	m.mu.Lock()
	p, ok := m.peers[remote]
	if ok {
		p.info.Speaking = lvl.Speaking
		p.info.Volume = lvl.Volume
	}
	m.mu.Unlock()
	if ok {
		m.changed()
	}
	return ok
}

// Remove closes the link to remote and drops its participant.
func (m *Manager) Remove(remote domain.UserID) bool {
	m.mu.Lock()
	p, ok := m.peers[remote]
	if ok {
		delete(m.peers, remote)
		m.order = without(m.order, remote)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	closeLink(remote, p.link)
	if m.hooks.OnRemove != nil {
		m.hooks.OnRemove(remote)
	}
	m.changed()
	return true
}

// CloseAll closes every link. Each close is guarded on its own.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	peers := m.peers
	order := m.order
	m.peers = make(map[domain.UserID]*peer)
	m.order = nil
	m.mu.Unlock()

	for _, id := range order {
		closeLink(id, peers[id].link)
		if m.hooks.OnRemove != nil {
			m.hooks.OnRemove(id)
		}
	}
	if len(order) > 0 {
		m.changed()
	}
}

func (m *Manager) Has(remote domain.UserID) bool {
	_, ok := m.lookup(remote)
	return ok
}

// IDs lists remote ids in link creation order.
func (m *Manager) IDs() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.UserID(nil), m.order...)
}

// Participants returns a copy of the roster in link creation order.
func (m *Manager) Participants() []domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Participant, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.peers[id].info)
	}
	return out
}

func (m *Manager) lookup(remote domain.UserID) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remote]
	return p, ok
}

func (m *Manager) current(remote domain.UserID, p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remote] == p
}

func (m *Manager) changed() {
	if m.hooks.OnChange != nil {
		m.hooks.OnChange()
	}
}

func closeLink(remote domain.UserID, link core.PeerLink) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "peers").Str("peer", string(remote)).Interface("panic", r).Msg("close link panicked")
		}
	}()
	if err := link.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		log.Warn().Err(err).Str("module", "peers").Str("peer", string(remote)).Msg("close link failed")
		return
	}
	log.Info().Str("module", "peers").Str("peer", string(remote)).Msg("peer link closed")
}

func mergeMeta(p *domain.Participant, meta domain.Metadata) {
	if meta.Name != "" {
		p.Name = meta.Name
	}
	if meta.Role != "" {
		p.Role = meta.Role
	}
}

func without(ids []domain.UserID, id domain.UserID) []domain.UserID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
