package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"streampub/native/internal/api"
	"streampub/native/internal/config"
	"streampub/native/internal/domain"
	"streampub/native/internal/events"
	"streampub/native/internal/logging"
	"streampub/native/internal/media"
	"streampub/native/internal/metrics"
	"streampub/native/internal/publisher"
	sigclient "streampub/native/internal/signal"
	"streampub/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const helpText = `streampub - Publish a live stream to a WebRTC ingest edge

Usage:
  streampub [options]

Media is read from an IVF (VP8/VP9) or Annex-B H.264 video file and an
Ogg/Opus audio file, looped until interrupted.

Environment Variables (required unless given as flags):
  PUBLISH_TOKEN  Publish token for the director API
  STREAM_NAME    Name of the stream to publish

Examples:
  # Publish a VP8 clip with audio, capped at 2.5 Mbps
  streampub --video clip.ivf --audio sound.ogg --bandwidth 2500

  # Also report the viewer count
  streampub --video clip.h264 --account myAccountId

Options:
`

func main() {
	flags := pflag.NewFlagSet("streampub", pflag.ExitOnError)
	var (
		help        = flags.BoolP("help", "h", false, "Show this help message")
		streamName  = flags.StringP("stream", "s", "", "Stream name (STREAM_NAME)")
		token       = flags.StringP("token", "t", "", "Publish token (PUBLISH_TOKEN)")
		accountID   = flags.String("account", "", "Account id for viewer counts (ACCOUNT_ID)")
		videoFile   = flags.String("video", "", "Video file (VIDEO_FILE)")
		audioFile   = flags.String("audio", "", "Audio file (AUDIO_FILE)")
		bandwidth   = flags.Int("bandwidth", 0, "Bandwidth ceiling in kbps (BANDWIDTH_KBPS)")
		metricsAddr = flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (METRICS_ADDR)")
	)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	if *help {
		flags.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	overrideString(flags, "stream", &cfg.StreamName, *streamName)
	overrideString(flags, "token", &cfg.PublishToken, *token)
	overrideString(flags, "account", &cfg.AccountID, *accountID)
	overrideString(flags, "video", &cfg.VideoFile, *videoFile)
	overrideString(flags, "audio", &cfg.AudioFile, *audioFile)
	overrideString(flags, "metrics-addr", &cfg.MetricsAddr, *metricsAddr)
	if flags.Changed("bandwidth") {
		cfg.BandwidthKbps = *bandwidth
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logging.Component("main")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	collector := metrics.NewPrometheusCollector()
	if cfg.MetricsAddr != "" {
		go serveMetrics(log, cfg.MetricsAddr, collector)
	}

	// Step 1: Fetch connection data
	apiClient := api.NewClient(cfg.DirectorURL)
	log.Info().Str("stream", cfg.StreamName).Msg("requesting publish data")
	conn, err := apiClient.FetchPublishData(ctx, cfg.PublishToken, cfg.StreamName)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch publish data")
	}
	log.Info().Strs("urls", conn.URLs).Str("account", conn.StreamAccountID).Msg("publish data obtained")

	// Step 2: Open the media source
	videoPath, audioPath := cfg.VideoFile, cfg.AudioFile
	if cfg.DisableVideo {
		videoPath = ""
	}
	if cfg.DisableAudio {
		audioPath = ""
	}
	src, err := media.NewFileSource(videoPath, audioPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open media")
	}
	codec := cfg.VideoCodec
	if src.VideoCodec() != "" {
		codec = src.VideoCodec()
	}

	// Step 3: Create the session
	session, err := publisher.New(cfg.StreamName,
		func(conn domain.ConnectionData, codec string) (domain.TransportPeer, error) {
			peer, err := webrtc.NewPeer(conn, webrtc.Options{Codec: codec})
			if err != nil {
				return nil, err
			}
			return peer, nil
		},
		func(h domain.SignalEventHandler) domain.Signaler {
			return sigclient.NewClient(h)
		},
		publisher.WithEventHandler(edgeEventLogger{log: log}),
		publisher.WithMetrics(collector),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("create session")
	}

	// Step 4: Negotiate
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	err = session.Start(startCtx, &publisher.BroadcastOptions{
		Connection:    conn,
		MediaSource:   src,
		BandwidthKbps: cfg.BandwidthKbps,
		Tracks:        domain.TrackFlags{DisableAudio: cfg.DisableAudio, DisableVideo: cfg.DisableVideo},
		Codec:         codec,
	})
	startCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("start broadcast")
	}

	// Step 5: Feed media
	go func() {
		if err := src.Run(ctx); err != nil {
			log.Error().Err(err).Msg("media source stopped")
			cancel()
		}
	}()

	// Step 6: Viewer counts
	account := cfg.AccountID
	if account == "" {
		account = conn.StreamAccountID
	}
	var sub *events.Subscription
	if account != "" {
		sub, err = events.Init(ctx, events.DialFactory(cfg.EventsURL), events.WithMetrics(collector))
		if err != nil {
			log.Warn().Err(err).Msg("viewer count subscription unavailable")
		} else if err := sub.OnUserCount(account, cfg.StreamName, func(vc domain.ViewerCount) {
			if vc.Error != "" {
				log.Warn().Str("stream", vc.StreamID).Str("error", vc.Error).Msg("viewer count")
				return
			}
			log.Info().Str("stream", vc.StreamID).Int("viewers", vc.Count).Msg("viewer count")
		}); err != nil {
			log.Warn().Err(err).Msg("subscribe viewer count")
		}
	}

	<-ctx.Done()
	log.Info().Msg("stopping")

	session.Stop()
	if sub != nil {
		_ = sub.Stop()
	}

	log.Info().Msg("done")
}

func overrideString(flags *pflag.FlagSet, name string, dst *string, value string) {
	if flags.Changed(name) {
		*dst = value
	}
}

func serveMetrics(log zerolog.Logger, addr string, collector *metrics.PrometheusCollector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server")
	}
}

// edgeEventLogger logs the events the ingest edge pushes over signaling.
type edgeEventLogger struct {
	log zerolog.Logger
}

func (l edgeEventLogger) OnSignalEvent(ev domain.SignalEvent) {
	l.log.Info().Str("event", ev.Name).RawJSON("data", orNull(ev.Data)).Msg("edge event")
}

func orNull(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
