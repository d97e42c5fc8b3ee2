package webrtc

import (
	"fmt"

	pion "github.com/pion/webrtc/v4"
)

var videoFeedback = []pion.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var videoCodecs = map[string]pion.RTPCodecParameters{
	"h264": {
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	},
	"vp8": {
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	},
	"vp9": {
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 98,
	},
}

var opusCodec = pion.RTPCodecParameters{
	RTPCodecCapability: pion.RTPCodecCapability{
		MimeType:    pion.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: 111,
}

// registerCodecs registers Opus and either the named video codec or, when
// codec is empty, every supported one in h264, vp8, vp9 order.
func registerCodecs(m *pion.MediaEngine, codec string) error {
	names := []string{"h264", "vp8", "vp9"}
	if codec != "" {
		if _, ok := videoCodecs[codec]; !ok {
			return fmt.Errorf("unsupported video codec %q", codec)
		}
		names = []string{codec}
	}

	for _, name := range names {
		if err := m.RegisterCodec(videoCodecs[name], pion.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register opus: %w", err)
	}
	return nil
}
