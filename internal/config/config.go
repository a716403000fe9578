package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// AllowedOrigins feeds the relay's CORS policy.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Signal Signal `mapstructure:"signal"`
	WebRTC WebRTC `mapstructure:"webrtc"`
	Audio  Audio  `mapstructure:"audio"`
	Media  Media  `mapstructure:"media"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

type Signal struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

type WebRTC struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type Audio struct {
	FFTSize     int           `mapstructure:"fft_size"`
	Threshold   float64       `mapstructure:"threshold"`
	VolumeDelta int           `mapstructure:"volume_delta"`
	Tick        time.Duration `mapstructure:"tick"`
}

type Media struct {
	Audio     bool    `mapstructure:"audio"`
	Video     bool    `mapstructure:"video"`
	ToneHz    float64 `mapstructure:"tone_hz"`
	Deny      bool    `mapstructure:"deny"`
	VideoFile string  `mapstructure:"video_file"`
}

var ErrInvalid = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.handshake_timeout", "10s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.join_rate_limit", 5)
	v.SetDefault("signal.join_rate_interval", "10s")

	v.SetDefault("webrtc.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("audio.fft_size", 256)
	v.SetDefault("audio.threshold", 20)
	v.SetDefault("audio.volume_delta", 5)
	v.SetDefault("audio.tick", "16ms")

	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", true)
	v.SetDefault("media.tone_hz", 440)
	v.SetDefault("media.deny", false)
	v.SetDefault("media.video_file", "")
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("LIVECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, fileName
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when
// the file is missing. LIVECALL_* environment variables override both.
func Load() (*Config, error) {
	v, fileName := newViper()
	return load(v, fileName)
}

func load(v *viper.Viper, fileName string) (*Config, error) {
	file := ""
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		file = v.ConfigFileUsed()
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = file
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if n := c.Audio.FFTSize; n < 32 || n&(n-1) != 0 {
		return fmt.Errorf("%w: audio.fft_size %d is not a power of two >= 32", ErrInvalid, n)
	}
	if c.Audio.Tick <= 0 {
		return fmt.Errorf("%w: audio.tick must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}
	return nil
}

// Level is the parsed log_level; Validate guarantees it parses.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WatchLogLevel re-applies log_level whenever the config file changes.
// It is a no-op when running on defaults.
func WatchLogLevel(cfg *Config) {
	if cfg.File == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(cfg.File)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("module", "config").Msg("watch: read failed")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lvl, err := zerolog.ParseLevel(v.GetString("log_level"))
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("watch: bad log_level")
			return
		}
		zerolog.SetGlobalLevel(lvl)
		log.Info().Str("module", "config").Str("log_level", lvl.String()).Msg("log level reloaded")
	})
	v.WatchConfig()
}
