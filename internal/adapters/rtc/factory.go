package rtc

import (
	"fmt"

	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	STUNServers []string
	FFTSize     int
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host calls.
	IncludeLoopback bool
}

func DefaultWebRTCConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: stun,
			},
		},
	}
}

// Factory builds peer links that share one pion API.
type Factory struct {
	api     *webrtc.API
	cfg     webrtc.Configuration
	fftSize int
}

func NewFactory(opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if opts.FFTSize == 0 {
		opts.FFTSize = audio.DefaultFFTSize
	}

	return &Factory{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		cfg:     DefaultWebRTCConfig(opts.STUNServers),
		fftSize: opts.FFTSize,
	}, nil
}

func (f *Factory) NewLink(remote domain.UserID) (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, remote, f.fftSize), nil
}
