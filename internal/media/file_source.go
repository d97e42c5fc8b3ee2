package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streampub/native/internal/logging"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	h264FrameDuration = time.Second / 30
	oggPageDuration   = 20 * time.Millisecond
)

// FileSource publishes a video file (IVF VP8/VP9 or Annex-B H.264) and/or an
// Ogg/Opus audio file as live tracks, looping both until stopped.
type FileSource struct {
	id         string
	videoPath  string
	audioPath  string
	videoCodec string

	video *pion.TrackLocalStaticSample
	audio *pion.TrackLocalStaticSample

	log zerolog.Logger
}

// NewFileSource probes the given files and creates matching tracks. Either
// path may be empty, not both.
func NewFileSource(videoPath, audioPath string) (*FileSource, error) {
	if videoPath == "" && audioPath == "" {
		return nil, errors.New("no media files given")
	}

	name := filepath.Base(firstNonEmpty(videoPath, audioPath))
	s := &FileSource{
		id:        "file-" + strings.TrimSuffix(name, filepath.Ext(name)),
		videoPath: videoPath,
		audioPath: audioPath,
		log:       logging.Component("media"),
	}

	if videoPath != "" {
		codec, err := probeVideo(videoPath)
		if err != nil {
			return nil, err
		}
		s.videoCodec = codec

		s.video, err = pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mimeTypes[codec]}, "video", s.id)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}

	if audioPath != "" {
		if err := probeOgg(audioPath); err != nil {
			return nil, err
		}
		var err error
		s.audio, err = pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", s.id)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}

	return s, nil
}

var mimeTypes = map[string]string{
	"h264": pion.MimeTypeH264,
	"vp8":  pion.MimeTypeVP8,
	"vp9":  pion.MimeTypeVP9,
}

func (s *FileSource) ID() string { return s.id }

// VideoCodec names the codec of the video file, or "" without video.
func (s *FileSource) VideoCodec() string { return s.videoCodec }

// Tracks returns the local tracks to publish.
func (s *FileSource) Tracks() []pion.TrackLocal {
	var tracks []pion.TrackLocal
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// Run writes samples to the tracks in real time until ctx is done or a
// file fails to read.
func (s *FileSource) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.video != nil {
		g.Go(func() error {
			return s.loop(ctx, "video", func() error {
				if s.videoCodec == "h264" {
					return playH264(ctx, s.videoPath, s.video)
				}
				return playIVF(ctx, s.videoPath, s.video)
			})
		})
	}
	if s.audio != nil {
		g.Go(func() error {
			return s.loop(ctx, "audio", func() error {
				return playOgg(ctx, s.audioPath, s.audio)
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *FileSource) loop(ctx context.Context, kind string, play func() error) error {
	for {
		if err := play(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debug().Str("kind", kind).Msg("rewinding")
	}
}

func probeVideo(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264":
		return "h264", nil
	case ".ivf":
	default:
		return "", fmt.Errorf("unsupported video file %q: want .ivf or .h264", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", fmt.Errorf("read ivf header: %w", err)
	}
	switch header.FourCC {
	case "VP80":
		return "vp8", nil
	case "VP90":
		return "vp9", nil
	}
	return "", fmt.Errorf("unsupported ivf fourcc %q", header.FourCC)
}

func probeOgg(path string) error {
	if strings.ToLower(filepath.Ext(path)) != ".ogg" {
		return fmt.Errorf("unsupported audio file %q: want .ogg", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	return nil
}

// playIVF plays one pass of an IVF file. It returns nil at end of file.
func playIVF(ctx context.Context, path string, track *pion.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator != 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

// playH264 plays one pass of an Annex-B stream, one NAL unit per tick.
func playH264(ctx context.Context, path string, track *pion.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return fmt.Errorf("open h264: %w", err)
	}

	ticker := time.NewTicker(h264FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read h264 nal: %w", err)
		}

		if err := track.WriteSample(pionmedia.Sample{Data: nal.Data, Duration: h264FrameDuration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

// playOgg plays one pass of an Ogg/Opus file paced by granule position.
func playOgg(ctx context.Context, path string, track *pion.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration((float64(samples) / 48000) * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
