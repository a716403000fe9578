// Package rtc implements peer links on pion/webrtc.
package rtc

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection is one peer link. Candidates are trickled; no call waits
// for ICE gathering.
type WebRTCConnection struct {
	pc      *webrtc.PeerConnection
	remote  domain.UserID
	fftSize int

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func newConnection(pc *webrtc.PeerConnection, remote domain.UserID, fftSize int) *WebRTCConnection {
	c := &WebRTCConnection{pc: pc, remote: remote, fftSize: fftSize}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")

		rt := core.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()}
		switch {
		case track.Kind() == webrtc.RTPCodecTypeAudio && strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypePCMU):
			a := audio.NewAnalyser(c.fftSize)
			rt.Levels = a
			go c.readAudio(track, a)
		case track.Kind() == webrtc.RTPCodecTypeVideo:
			c.requestKeyframe(track)
			go c.drain(track)
		default:
			go c.drain(track)
		}

		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(rt)
		}
	})

	return c
}

// AddLocalTrack attaches a local track and starts reading its RTCP.
func (c *WebRTCConnection) AddLocalTrack(t core.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return err
	}
	go c.readRTCP(sender, t.Kind())
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}

func (c *WebRTCConnection) readAudio(track *webrtc.TrackRemote, a *audio.Analyser) {
	pcm := make([]int16, 0, 160)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("audio read ended")
			}
			return
		}
		pcm = decodePacket(pcm[:0], pkt)
		a.Write(pcm)
	}
}

func decodePacket(dst []int16, pkt *rtp.Packet) []int16 {
	if pkt == nil || len(pkt.Payload) == 0 {
		return dst
	}
	return audio.DecodeUlaw(dst, pkt.Payload)
}

func (c *WebRTCConnection) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) requestKeyframe(track *webrtc.TrackRemote) {
	err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil {
		log.Debug().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("pli failed")
	}
}

// readRTCP keeps interceptors running for the sender and logs keyframe requests.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				log.Debug().Str("module", "webrtc").Str("peer", string(c.remote)).Str("kind", kind.String()).Msg("keyframe requested")
			}
		}
	}
}
