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

// Stats is the process-wide traffic counter for the transport core.
var Stats = &stats{}

type stats struct {
	FramesSent    atomic.Int64 // data frames handed to a transport
	FramesDropped atomic.Int64 // frames dropped (config gate, outage, decode)
	BytesSent     atomic.Int64 // cumulative bytes written to transports
	BytesRecv     atomic.Int64 // cumulative bytes read from transports
}

func (s *stats) AddFrame()     { s.FramesSent.Add(1) }
func (s *stats) DropFrame()    { s.FramesDropped.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFrames, prevDropped int64
		for {
			select {
			case <-ticker.C:
				frames := Stats.FramesSent.Load()
				dropped := Stats.FramesDropped.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outF := frames - prevFrames
				outD := dropped - prevDropped

				if outF > 0 || outD > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, outF, outD))
				}

				prevSent = sent
				prevRecv = recv
				prevFrames = frames
				prevDropped = dropped

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
func formatStats(outS, inS float64, frames, dropped int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Frames: %3d↑ %3d✗",
		formatBytes(outS),
		formatBytes(inS),
		frames,
		dropped,
	)
}
