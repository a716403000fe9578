// Package media provides synthetic capture devices backed by pion sample tracks.
package media

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Audio     bool
	Video     bool
	ToneHz    float64
	Deny      bool
	VideoFile string
	FFTSize   int
}

// Devices simulates a camera and microphone. Deny behaves like a refused
// permission prompt.
type Devices struct {
	opts Options
}

func NewDevices(opts Options) *Devices {
	if opts.ToneHz <= 0 {
		opts.ToneHz = 440
	}
	if opts.FFTSize == 0 {
		opts.FFTSize = audio.DefaultFFTSize
	}
	return &Devices{opts: opts}
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
	}
	if d.opts.Deny {
		return nil, fmt.Errorf("%w: permission denied", domain.ErrMediaAccess)
	}
	wantAudio := c.Audio && d.opts.Audio
	wantVideo := c.Video && d.opts.Video
	if !wantAudio && !wantVideo {
		return nil, fmt.Errorf("%w: no device available", domain.ErrMediaAccess)
	}
	if wantVideo && d.opts.VideoFile != "" {
		if _, err := os.Stat(d.opts.VideoFile); err != nil {
			return nil, fmt.Errorf("%w: camera: %w", domain.ErrMediaAccess, err)
		}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, cancel: cancel}

	if wantAudio {
		t, err := newTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, webrtc.RTPCodecTypeAudio, id)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: microphone: %w", domain.ErrMediaAccess, err)
		}
		s.levels = audio.NewAnalyser(d.opts.FFTSize)
		s.tracks = append(s.tracks, t)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			runMicrophone(ctx, t, s.levels, d.opts.ToneHz)
		}()
	}
	if wantVideo {
		t, err := newTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, webrtc.RTPCodecTypeVideo, id)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("%w: camera: %w", domain.ErrMediaAccess, err)
		}
		s.tracks = append(s.tracks, t)
		if d.opts.VideoFile != "" {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				runCamera(ctx, t, d.opts.VideoFile)
			}()
		}
	}

	log.Info().Str("module", "media").Str("stream", id).Bool("audio", wantAudio).Bool("video", wantVideo).Msg("local media acquired")
	return s, nil
}

// Track is a local capture track. Disabled tracks stay attached but write nothing.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(c webrtc.RTPCodecCapability, kind webrtc.RTPCodecType, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(c, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() && !t.stopped.Load() }
func (t *Track) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *Track) Stop()                     { t.stopped.Store(true) }

type Stream struct {
	id     string
	tracks []*Track
	levels *audio.Analyser
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
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
	if s.levels == nil {
		return nil
	}
	return s.levels
}

// Stop ends every track and waits for the capture loops.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		s.cancel()
		s.wg.Wait()
		log.Info().Str("module", "media").Str("stream", s.id).Msg("local media stopped")
	})
}
