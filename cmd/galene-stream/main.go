package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"galene_stream/native/internal/api"
	"galene_stream/native/internal/config"
	"galene_stream/native/internal/domain"
	"galene_stream/native/internal/media"
	"galene_stream/native/internal/session"
	sigclient "galene_stream/native/internal/signal"
)

const helpText = `galene-stream - Publish a media stream into a Galène group

Usage:
  galene-stream -i INPUT -o GROUP_URL -u USERNAME [options]

Inputs are RTP over UDP or local files:
  udp://0.0.0.0:5004?codec=vp8   RTP packets, codec one of vp8, vp9, h264, opus
  clip.ivf                       VP8, VP9 or AV1 in IVF
  sound.ogg                      Opus in Ogg

Every option may also be set in the environment, e.g. GALENE_STREAM_PASSWORD,
in a .env file or in the YAML file given with --config.

Examples:
  # Forward an RTP stream from GStreamer or ffmpeg
  galene-stream -i 'udp://127.0.0.1:5004?codec=vp8' -o https://galene.example.org:8443/group/test/ -u live

  # Loop over a recorded clip with its soundtrack
  galene-stream -i clip.ivf -i sound.ogg -o https://galene.example.org/group/test/ -u live -p secret

Options:
`

func main() {
	os.Exit(run())
}

func run() int {
	fs := config.NewFlagSet("galene-stream")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		fmt.Fprint(os.Stderr, fs.FlagUsages())
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(fs, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	status, err := groupStatus(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("invalid group URL")
		return 1
	}
	log.Info().Str("group", status.Name).Str("endpoint", status.Endpoint).Msg("group found")

	transport := sigclient.NewClient(status.Endpoint, sigclient.Options{
		Insecure:         cfg.Insecure,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		Logger:           log.Logger,
	})
	engine := media.NewEngine(media.Options{
		Inputs:  cfg.Inputs,
		Bitrate: cfg.Bitrate,
		Logger:  log.Logger,
	})

	s := session.New(session.Config{
		Credentials: domain.Credentials{
			Group:    status.Name,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		JoinTimeout: cfg.JoinTimeout,
	}, transport, engine, session.WithLogger(log.Logger))

	err = s.Run(ctx)
	switch {
	case err == nil:
		log.Info().Msg("stream ended by the server")
		return 0
	case errors.Is(err, context.Canceled):
		log.Info().Msg("interrupted, exiting")
		return 1
	default:
		log.Error().Err(err).Msg("session failed")
		return 1
	}
}

// groupStatus asks the server for the group status, falling back to what
// can be derived from the group URL.
func groupStatus(ctx context.Context, cfg *config.Config) (*domain.GroupStatus, error) {
	client := api.NewClient(cfg.Insecure, log.Logger)
	status, err := client.FetchStatus(ctx, cfg.Output)
	if err == nil {
		return status, nil
	}
	log.Warn().Err(err).Msg("failed to fetch group status, deriving endpoint from the group URL")

	name, err := api.GroupFromURL(cfg.Output)
	if err != nil {
		return nil, err
	}
	endpoint, err := api.EndpointFromURL(cfg.Output)
	if err != nil {
		return nil, err
	}
	return &domain.GroupStatus{Name: name, Endpoint: endpoint}, nil
}
