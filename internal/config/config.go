package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultDirectorURL = "https://director.millicast.com/api/director/publish"
	DefaultEventsURL   = "wss://streamevents.millicast.com/ws"
)

// Config holds the application configuration.
type Config struct {
	PublishToken string
	StreamName   string
	AccountID    string

	DirectorURL string
	EventsURL   string

	BandwidthKbps int
	VideoCodec    string
	DisableAudio  bool
	DisableVideo  bool
	VideoFile     string
	AudioFile     string

	LogLevel    string
	LogPretty   bool
	MetricsAddr string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		PublishToken: os.Getenv("PUBLISH_TOKEN"),
		StreamName:   os.Getenv("STREAM_NAME"),
		AccountID:    os.Getenv("ACCOUNT_ID"),
		DirectorURL:  getenv("DIRECTOR_URL", DefaultDirectorURL),
		EventsURL:    getenv("EVENTS_URL", DefaultEventsURL),
		VideoCodec:   strings.ToLower(getenv("VIDEO_CODEC", "h264")),
		VideoFile:    os.Getenv("VIDEO_FILE"),
		AudioFile:    os.Getenv("AUDIO_FILE"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
	}

	var err error
	if cfg.BandwidthKbps, err = intEnv("BANDWIDTH_KBPS"); err != nil {
		return nil, err
	}
	if cfg.DisableAudio, err = boolEnv("DISABLE_AUDIO"); err != nil {
		return nil, err
	}
	if cfg.DisableVideo, err = boolEnv("DISABLE_VIDEO"); err != nil {
		return nil, err
	}
	if cfg.LogPretty, err = boolEnv("LOG_PRETTY"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields that have no usable default. Call it after
// command-line overrides are applied.
func (c *Config) Validate() error {
	if c.PublishToken == "" {
		return fmt.Errorf("PUBLISH_TOKEN environment variable is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("STREAM_NAME environment variable is required")
	}
	if c.BandwidthKbps < 0 {
		return fmt.Errorf("BANDWIDTH_KBPS must not be negative, got %d", c.BandwidthKbps)
	}
	switch c.VideoCodec {
	case "h264", "vp8", "vp9":
	default:
		return fmt.Errorf("unsupported VIDEO_CODEC %q", c.VideoCodec)
	}
	if c.DisableAudio && c.DisableVideo {
		return fmt.Errorf("DISABLE_AUDIO and DISABLE_VIDEO cannot both be set")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
