package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/groovia/livecall/internal/adapters/media"
	"github.com/groovia/livecall/internal/adapters/rtc"
	signalws "github.com/groovia/livecall/internal/adapters/signal"
	"github.com/groovia/livecall/internal/app/audio"
	"github.com/groovia/livecall/internal/app/session"
	"github.com/groovia/livecall/internal/app/surface"
	"github.com/groovia/livecall/internal/config"
	"github.com/groovia/livecall/internal/core"
	"github.com/groovia/livecall/internal/domain"
	"github.com/groovia/livecall/internal/token"
)

func main() {
	var (
		tok  = flag.StringP("token", "t", "", "join token; minted from --room/--user when empty")
		room = flag.StringP("room", "r", "", "room id for a dev token")
		user = flag.StringP("user", "u", "", "user id for a dev token (random when empty)")
		name = flag.StringP("name", "n", "", "display name")
		role = flag.String("role", "", "participant role")
		url  = flag.String("url", "", "signaling url, overrides signal.url")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	config.WatchLogLevel(cfg)
	if *url != "" {
		cfg.Signal.URL = *url
	}

	raw := *tok
	if raw == "" {
		if *room == "" {
			log.Fatal().Msg("either --token or --room is required")
		}
		uid := *user
		if uid == "" {
			uid = uuid.NewString()
		}
		raw = token.Encode(token.Claims{
			RoomID: domain.RoomID(*room),
			UserID: domain.UserID(uid),
			Name:   *name,
			Role:   *role,
		})
	}

	links, err := rtc.NewFactory(rtc.Options{
		STUNServers:     cfg.WebRTC.STUNServers,
		FFTSize:         cfg.Audio.FFTSize,
		IncludeLoopback: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup failed")
	}
	devices := media.NewDevices(media.Options{
		Audio:     cfg.Media.Audio,
		Video:     cfg.Media.Video,
		ToneHz:    cfg.Media.ToneHz,
		Deny:      cfg.Media.Deny,
		VideoFile: cfg.Media.VideoFile,
		FFTSize:   cfg.Audio.FFTSize,
	})
	dialer := signalws.NewDialer(signalws.Options{
		URL:              cfg.Signal.URL,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		PingPeriod:       cfg.PingPeriod,
		ReadLimit:        cfg.ReadLimit,
		SendBuffer:       cfg.Signal.SendBuffer,
	})

	ctl := session.NewController(devices, dialer, links, session.Config{
		Audio: audio.Config{
			Threshold:   cfg.Audio.Threshold,
			VolumeDelta: cfg.Audio.VolumeDelta,
			Tick:        cfg.Audio.Tick,
		},
		Constraints: core.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
	})

	surf := surface.New(surface.DefaultBounds(), newRenderer())
	surf.Bind(ctl)
	defer surf.Unbind()

	if err := ctl.Join(ctx, raw, *name, *role); err != nil {
		log.Error().Err(err).Msg("join failed")
		return
	}
	defer ctl.Leave()

	go commands(ctl, surf, cancel)
	<-ctx.Done()
	log.Info().Msg("leaving call")
}

// commands reads one-letter commands from stdin until EOF or "q".
func commands(ctl *session.Controller, surf *surface.Surface, quit context.CancelFunc) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "a":
			if on, ok := ctl.ToggleAudio(); ok {
				log.Info().Bool("enabled", on).Msg("audio toggled")
			}
		case "v":
			if on, ok := ctl.ToggleVideo(); ok {
				log.Info().Bool("enabled", on).Msg("video toggled")
			}
		case "m":
			surf.ToggleMinimized()
		case "q":
			quit()
			return
		case "":
		default:
			log.Warn().Str("input", sc.Text()).Msg("commands: a (audio), v (video), m (minimize), q (quit)")
		}
	}
}

// newRenderer logs every view; status changes at info, the rest at debug.
func newRenderer() func(surface.View) {
	last := domain.Status(-1)
	return func(v surface.View) {
		ev := log.Debug()
		if v.Status != last {
			ev = log.Info()
			last = v.Status
		}
		ev = ev.Str("module", "surface").
			Str("status", v.Status.String()).
			Str("room", string(v.RoomID)).
			Bool("audio", v.Controls.AudioEnabled).
			Bool("video", v.Controls.VideoEnabled).
			Bool("minimized", v.Minimized).
			Int("x", v.Position.X).
			Int("y", v.Position.Y)
		if v.Retry {
			ev = ev.Str("error", v.Error)
		}
		tiles := zerolog.Arr()
		for _, t := range v.Tiles {
			tiles.Dict(zerolog.Dict().
				Str("user", string(t.UserID)).
				Str("name", t.Name).
				Str("link", t.LinkState).
				Bool("speaking", t.Speaking).
				Int("volume", t.Volume))
		}
		ev.Array("tiles", tiles).Msg("render")
	}
}
