// Package media is the boundary between local/remote media and the peer
// connection: a file-backed local source, the outbound track gate, and a
// disk-backed sink that keeps remote audio muted until explicitly enabled.
package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/pastecall/pastecall/internal/transport"
	"github.com/pastecall/pastecall/internal/util"
)

// AttachOutbound exposes each local track to the peer connection and applies
// the caller's bits-per-second ceiling to video tracks. The ceiling is
// best-effort: a rejected constraint is logged and never aborts negotiation.
// Per-track metadata is recorded for observability only; tracks pass through
// untransformed.
func AttachOutbound(p transport.Peer, tracks []webrtc.TrackLocal, videoBitrate uint64) error {
	for _, t := range tracks {
		h, err := p.AttachTrack(t)
		if err != nil {
			return fmt.Errorf("attach %s track %q: %w", t.Kind(), t.ID(), err)
		}
		util.Stats.AddTrack()
		util.LogDebug("outbound track: kind=%s id=%s stream=%s", t.Kind(), t.ID(), t.StreamID())

		if t.Kind() == webrtc.RTPCodecTypeVideo && videoBitrate > 0 {
			if err := h.SetMaxBitrate(videoBitrate); err != nil {
				util.LogWarning("video bitrate ceiling not applied: %v", err)
			}
		}
	}
	return nil
}
