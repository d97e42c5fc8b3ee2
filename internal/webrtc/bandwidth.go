package webrtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// limitBandwidth rewrites the bandwidth lines of every video section of
// raw. kbps of zero strips them.
func limitBandwidth(raw string, kbps int) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		md.Bandwidth = nil
		if kbps > 0 {
			md.Bandwidth = []sdp.Bandwidth{{Type: "AS", Bandwidth: uint64(kbps)}}
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}
