package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ConstraintError reports a failed encoding-rate constraint. It is never
// fatal: callers log it and continue negotiating.
type ConstraintError struct {
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("rate constraint: %s", e.Reason)
}

// TrackHandle is the per-track control surface returned by AttachTrack.
type TrackHandle interface {
	// SetMaxBitrate applies a best-effort bits-per-second ceiling to the
	// track's encoding.
	SetMaxBitrate(bps uint64) error

	// MaxBitrate returns the last accepted ceiling, 0 if none was set.
	MaxBitrate() uint64
}

// rateHandle wraps an RTPSender. The sources this tool transmits are
// pre-encoded files, so the ceiling cannot re-pace an encoder; it is
// recorded and exposed through MaxBitrate.
type rateHandle struct {
	sender *webrtc.RTPSender
	maxBps atomic.Uint64
}

func newRateHandle(sender *webrtc.RTPSender) *rateHandle {
	return &rateHandle{sender: sender}
}

func (h *rateHandle) SetMaxBitrate(bps uint64) error {
	if bps == 0 {
		return &ConstraintError{Reason: "ceiling must be positive"}
	}
	h.maxBps.Store(bps)
	return nil
}

func (h *rateHandle) MaxBitrate() uint64 {
	return h.maxBps.Load()
}
