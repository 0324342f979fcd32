// Package util provides shared logging and observability helpers.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide negotiation/media counter.
var Stats = &stats{}

type stats struct {
	Candidates atomic.Int64 // local ICE candidates gathered since process start
	Tracks     atomic.Int64 // outbound tracks attached to the peer connection
	MediaSent  atomic.Int64 // cumulative media bytes read from the local source
	MediaRecv  atomic.Int64 // cumulative media bytes written to the sink
}

func (s *stats) AddCandidate() { s.Candidates.Add(1) }
func (s *stats) AddTrack()     { s.Tracks.Add(1) }
func (s *stats) AddSent(n int) { s.MediaSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.MediaRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media throughput
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MediaSent.Load()
				recv := Stats.MediaRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0

				if inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Cand: %2d | Tracks: %d",
		formatBytes(inS),
		formatBytes(outS),
		Stats.Candidates.Load(),
		Stats.Tracks.Load(),
	)
}
