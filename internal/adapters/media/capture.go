package media

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/groovia/livecall/internal/app/audio"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

const (
	sampleRate  = 8000
	frameLength = 20 * time.Millisecond
	frameSize   = sampleRate / 50

	// talk spurts alternate with pauses so the speaking gate has work to do
	spurt = 1200 * time.Millisecond
	pause = 800 * time.Millisecond
)

// voice synthesizes a tone with noise, gated on and off in spurts.
type voice struct {
	toneHz float64
	n      int
	rng    *rand.Rand
}

func (v *voice) frame(dst []int16) {
	cycle := int((spurt + pause).Seconds() * sampleRate)
	on := int(spurt.Seconds() * sampleRate)
	for i := range dst {
		pos := (v.n + i) % cycle
		if pos >= on {
			dst[i] = 0
			continue
		}
		t := float64(v.n+i) / sampleRate
		s := 0.35*math.Sin(2*math.Pi*v.toneHz*t) + 0.25*(v.rng.Float64()*2-1)
		dst[i] = int16(s * 32767)
	}
	v.n += len(dst)
}

func runMicrophone(ctx context.Context, t *Track, levels *audio.Analyser, toneHz float64) {
	v := &voice{toneHz: toneHz, rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1))}
	pcm := make([]int16, frameSize)
	silence := make([]int16, frameSize)
	payload := make([]byte, 0, frameSize)

	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.Enabled() {
			levels.Write(silence)
			continue
		}
		v.frame(pcm)
		levels.Write(pcm)
		payload = audio.EncodeUlaw(payload[:0], pcm)
		if err := t.local.WriteSample(media.Sample{Data: payload, Duration: frameLength}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("module", "media").Msg("audio write failed")
		}
	}
}

// runCamera loops the IVF file until ctx is done.
func runCamera(ctx context.Context, t *Track, path string) {
	for ctx.Err() == nil {
		if err := playIVF(ctx, t, path); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("file", path).Msg("video source failed")
			return
		}
	}
}

func playIVF(ctx context.Context, t *Track, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	frameDur := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDur = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !t.Enabled() {
			continue
		}
		if err := t.local.WriteSample(media.Sample{Data: frame, Duration: frameDur}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("module", "media").Msg("video write failed")
		}
	}
}
