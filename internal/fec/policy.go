// Package fec decides whether and how forward error correction is applied to
// a frame, and delegates symbol generation to an erasure-coding engine.
//
// The policy trades packet count against per-packet overhead and recovery
// probability under a realtime budget: payloads are split so a frame spans
// roughly five packets, with 10% repair symbols, bounded on both ends.
package fec

import (
	"fmt"

	"github.com/meshrtc/medialink/internal/protocol"
)

// Sizing bounds.
const (
	mtuMin = 100
	mtuMax = 512

	// Per-packet overhead reserved out of the MTU for the wrapped header
	// and transport framing.
	mtuOverhead = 20

	redundancyMin = 1
	redundancyMax = 10

	// Config frames get fixed high redundancy: config loss is unacceptable
	// and config frames are rare, so the extra symbols are affordable.
	configRedundancy = 3
)

// Plan is the sizing decision for one payload.
type Plan struct {
	MTU          int
	ChunkSize    int
	TotalSymbols int // source symbols, before redundancy
	Redundancy   int // repair symbols
}

// PlanningError signals invalid planning input. Defensive only — it should
// not occur for payloads produced by the encoder.
type PlanningError struct {
	PayloadLength int
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("fec: cannot plan for payload length %d", e.PayloadLength)
}

// Applicable reports whether FEC is applied to the given frame type.
// Audio tolerates loss at the codec level and is latency-critical; events
// ride the reliable transport or demand in-order delivery. Everything else
// is protected.
func Applicable(frameType uint8) bool {
	return frameType != protocol.FrameAudio && frameType != protocol.FrameEvent
}

// ComputePlan returns the MTU, chunk size and redundancy for a payload.
//
//	mtu        = clamp(ceil(payloadLength/5), 100, 512)
//	chunkSize  = mtu - 20
//	redundancy = clamp(ceil(totalSymbols*0.1), 1, 10), forced to 3 for Config
func ComputePlan(payloadLength int, frameType uint8) (Plan, error) {
	if payloadLength <= 0 {
		return Plan{}, &PlanningError{PayloadLength: payloadLength}
	}

	mtu := (payloadLength + 4) / 5
	if mtu < mtuMin {
		mtu = mtuMin
	}
	if mtu > mtuMax {
		mtu = mtuMax
	}

	chunkSize := mtu - mtuOverhead
	totalSymbols := (payloadLength + chunkSize - 1) / chunkSize

	redundancy := (totalSymbols + 9) / 10
	if redundancy < redundancyMin {
		redundancy = redundancyMin
	}
	if redundancy > redundancyMax {
		redundancy = redundancyMax
	}
	if frameType == protocol.FrameConfig {
		redundancy = configRedundancy
	}

	return Plan{
		MTU:          mtu,
		ChunkSize:    chunkSize,
		TotalSymbols: totalSymbols,
		Redundancy:   redundancy,
	}, nil
}
