package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// LocalID keys the local stream in the monitor.
const LocalID = "local"

const (
	DefaultThreshold   = 20
	DefaultVolumeDelta = 5
	DefaultTick        = 16 * time.Millisecond
)

type Config struct {
	// Threshold is the bin mean above which a stream counts as speaking.
	Threshold float64
	// VolumeDelta is the largest volume change that is still swallowed.
	VolumeDelta int
	Tick        time.Duration
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, VolumeDelta: DefaultVolumeDelta, Tick: DefaultTick}
}

type entry struct {
	src  core.LevelSource
	buf  []byte
	last domain.AudioLevel
}

// Monitor polls every attached source once per tick and reports level changes.
// Damping: onChange fires only when speaking flips or the volume moves by more
// than VolumeDelta from the last reported value.
type Monitor struct {
	cfg      Config
	onChange func(id string, lvl domain.AudioLevel)

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMonitor(cfg Config, onChange func(id string, lvl domain.AudioLevel)) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Monitor{
		cfg:      cfg,
		onChange: onChange,
		entries:  make(map[string]*entry),
	}
}

// Attach starts tracking src under id, replacing any previous source for id.
func (m *Monitor) Attach(id string, src core.LevelSource) {
	if src == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &entry{src: src, buf: make([]byte, src.FrequencyBinCount())}
	log.Debug().Str("module", "audio.monitor").Str("id", id).Msg("analyser attached")
}

func (m *Monitor) Detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *Monitor) Attached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Level computes the gate for a bin mean.
func (c Config) Level(mean float64) domain.AudioLevel {
	vol := int(math.Round(mean))
	vol = max(0, min(100, vol))
	return domain.AudioLevel{Speaking: mean > c.Threshold, Volume: vol}
}

// Tick runs one analysis pass.
func (m *Monitor) Tick() {
	type change struct {
		id  string
		lvl domain.AudioLevel
	}
	var changes []change

	m.mu.Lock()
	for id, e := range m.entries {
		lvl := m.cfg.Level(mean(e.src, e.buf))
		if lvl.Speaking == e.last.Speaking && abs(lvl.Volume-e.last.Volume) <= m.cfg.VolumeDelta {
			continue
		}
		e.last = lvl
		changes = append(changes, change{id, lvl})
	}
	m.mu.Unlock()

	if m.onChange == nil {
		return
	}
	for _, c := range changes {
		m.onChange(c.id, c.lvl)
	}
}

// Start runs Tick on a ticker until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Stop ends the loop and drops every analyser. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func mean(src core.LevelSource, buf []byte) float64 {
	if len(buf) == 0 {
		return 0
	}
	src.ByteFrequencyData(buf)
	sum := 0
	for _, b := range buf {
		sum += int(b)
	}
	return float64(sum) / float64(len(buf))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
