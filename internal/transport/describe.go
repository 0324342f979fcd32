package transport

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// DescribeSDP summarizes a session description for operator display,
// e.g. "video (VP8/90000), audio (opus/48000/2)". Codec selection itself is
// left entirely to the transport; this only reports what was proposed.
func DescribeSDP(raw string) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse description: %w", err)
	}

	parts := make([]string, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		codec := firstRtpmap(md)
		if codec == "" {
			parts = append(parts, md.MediaName.Media)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", md.MediaName.Media, codec))
	}

	if len(parts) == 0 {
		return "no media sections", nil
	}
	return strings.Join(parts, ", "), nil
}

// firstRtpmap returns the codec of the first rtpmap attribute, which is the
// transport's preferred codec for that media section.
func firstRtpmap(md *sdp.MediaDescription) string {
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) == 2 {
			return fields[1]
		}
	}
	return ""
}
