package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 256, cfg.Audio.FFTSize)
	assert.Equal(t, 20.0, cfg.Audio.Threshold)
	assert.Equal(t, 5, cfg.Audio.VolumeDelta)
	assert.Equal(t, 16*time.Millisecond, cfg.Audio.Tick)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.STUNServers)
	assert.True(t, cfg.Media.Audio)
	assert.True(t, cfg.Media.Video)
	assert.Empty(t, cfg.File)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("mode: debug\nport: 9000\nlog_level: debug\naudio:\n  threshold: 25\nmedia:\n  deny: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("LIVECALL_PORT", "9100")
	t.Setenv("LIVECALL_SIGNAL_URL", "ws://relay:1/api/ws/signal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 25.0, cfg.Audio.Threshold)
	assert.True(t, cfg.Media.Deny)
	assert.Equal(t, "ws://relay:1/api/ws/signal", cfg.Signal.URL)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.NotEmpty(t, cfg.File)
}

func TestValidate(t *testing.T) {
	base := Config{LogLevel: "info", Audio: Audio{FFTSize: 256, Tick: time.Millisecond}}
	require.NoError(t, base.Validate())

	bad := base
	bad.Audio.FFTSize = 100
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = base
	bad.Audio.FFTSize = 16
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = base
	bad.Audio.Tick = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = base
	bad.LogLevel = "loud"
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)
}
