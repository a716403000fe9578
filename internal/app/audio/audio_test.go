package audio

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/groovia/livecall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	mu  sync.Mutex
	val byte
}

func (s *fixedSource) FrequencyBinCount() int { return 128 }

func (s *fixedSource) ByteFrequencyData(dst []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = s.val
	}
}

func (s *fixedSource) set(v byte) {
	s.mu.Lock()
	s.val = v
	s.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.AudioLevel
	ids    []string
}

func (r *recorder) record(id string, lvl domain.AudioLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.events = append(r.events, lvl)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestUlawSilence(t *testing.T) {
	enc := EncodeUlaw(nil, []int16{0, 0})
	assert.Equal(t, []byte{0xFF, 0xFF}, enc)
	assert.Equal(t, []int16{0, 0}, DecodeUlaw(nil, enc))
}

func TestUlawRoundTrip(t *testing.T) {
	for _, s := range []int16{1000, -1000, 12000, -32768, 32767, 200} {
		got := DecodeUlaw(nil, EncodeUlaw(nil, []int16{s}))[0]
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int(s) / 16
		if limit < 0 {
			limit = -limit
		}
		assert.LessOrEqual(t, diff, limit+16, "sample %d decoded as %d", s, got)
	}
}

func TestAnalyserSilence(t *testing.T) {
	a := NewAnalyser(DefaultFFTSize)
	require.Equal(t, 128, a.FrequencyBinCount())

	a.Write(make([]int16, 512))
	buf := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(buf)
	assert.Equal(t, 0.0, mean(a, buf))
}

func TestAnalyserNoise(t *testing.T) {
	a := NewAnalyser(DefaultFFTSize)
	rng := rand.New(rand.NewSource(7))
	buf := make([]byte, a.FrequencyBinCount())

	for i := 0; i < 10; i++ {
		pcm := make([]int16, 160)
		for j := range pcm {
			pcm[j] = int16(rng.Intn(32000) - 16000)
		}
		a.Write(pcm)
		a.ByteFrequencyData(buf)
	}
	assert.Greater(t, mean(a, buf), float64(DefaultThreshold))
}

func TestNewAnalyserRejectsBadSize(t *testing.T) {
	assert.Panics(t, func() { NewAnalyser(100) })
	assert.Panics(t, func() { NewAnalyser(16) })
}

func TestConfigLevel(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, domain.AudioLevel{Speaking: false, Volume: 20}, cfg.Level(20))
	assert.Equal(t, domain.AudioLevel{Speaking: true, Volume: 21}, cfg.Level(20.6))
	assert.Equal(t, domain.AudioLevel{Speaking: true, Volume: 100}, cfg.Level(180))
	assert.Equal(t, domain.AudioLevel{Speaking: false, Volume: 0}, cfg.Level(0))
}

func TestMonitorDamping(t *testing.T) {
	rec := &recorder{}
	src := &fixedSource{}
	m := NewMonitor(DefaultConfig(), rec.record)
	m.Attach("u1", src)

	m.Tick()
	assert.Equal(t, 0, rec.count(), "silence matches the initial state")

	src.set(30)
	m.Tick()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, domain.AudioLevel{Speaking: true, Volume: 30}, rec.events[0])

	src.set(33)
	m.Tick()
	src.set(35)
	m.Tick()
	assert.Equal(t, 1, rec.count(), "changes within the delta are swallowed")

	src.set(36)
	m.Tick()
	require.Equal(t, 2, rec.count())
	assert.Equal(t, 36, rec.events[1].Volume)

	src.set(10)
	m.Tick()
	require.Equal(t, 3, rec.count())
	assert.False(t, rec.events[2].Speaking)
	assert.Equal(t, []string{"u1", "u1", "u1"}, rec.ids)
}

func TestMonitorSpeakingFlipWithinDelta(t *testing.T) {
	rec := &recorder{}
	src := &fixedSource{val: 18}
	m := NewMonitor(DefaultConfig(), rec.record)
	m.Attach("u1", src)

	m.Tick()
	require.Equal(t, 1, rec.count())
	src.set(21)
	m.Tick()
	require.Equal(t, 2, rec.count())
	assert.True(t, rec.events[1].Speaking)
}

func TestMonitorDetach(t *testing.T) {
	rec := &recorder{}
	src := &fixedSource{val: 50}
	m := NewMonitor(DefaultConfig(), rec.record)
	m.Attach("u1", src)
	assert.True(t, m.Attached("u1"))

	m.Detach("u1")
	assert.False(t, m.Attached("u1"))
	m.Tick()
	assert.Equal(t, 0, rec.count())
}

func TestMonitorStopReleasesAll(t *testing.T) {
	rec := &recorder{}
	src := &fixedSource{}
	m := NewMonitor(Config{Threshold: DefaultThreshold, VolumeDelta: DefaultVolumeDelta, Tick: time.Millisecond}, rec.record)
	m.Attach(LocalID, src)
	m.Start(t.Context())

	src.set(60)
	assert.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Attached(LocalID))
	n := rec.count()
	src.set(1)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}
