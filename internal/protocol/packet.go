// Package protocol defines the wire format shared by both transports:
// standard frame packets, FEC-wrapped packets, and regular (non-FEC)
// wrapped packets. All multi-byte integers are big-endian.
package protocol

// Frame type constants carried in the standard header.
const (
	FrameAudio  uint8 = 0x01 // encoded audio chunk
	FrameVideo  uint8 = 0x02 // encoded video chunk
	FrameConfig uint8 = 0x03 // codec/decoder configuration
	FrameEvent  uint8 = 0x04 // control event (JSON)
)

// FEC flag byte following the sequence number in wrapped packets.
const (
	fecFlagNone   uint8 = 0x00 // regular wrapped packet, payload is the frame
	fecFlagMarker uint8 = 0xFF // FEC wrapped packet, payload is one symbol
)

// Header sizes for the three packet variants.
const (
	StandardHeaderSize = 9  // seq(4) + timestampMs(4) + frameType(1)
	RegularHeaderSize  = 6  // seq(4) + fecFlag=0x00(1) + packetType(1)
	FECHeaderSize      = 20 // seq(4) + 0xFF(1) + packetType(1) + descriptor(14)
)

// StandardFrame is a decoded standard frame packet.
type StandardFrame struct {
	Seq         uint32
	TimestampMs uint32 // milliseconds relative to the connection base
	FrameType   uint8
	Payload     []byte
}

// FECDescriptor carries the erasure-decoder parameters for one FEC-wrapped
// frame. The field layout mirrors the 14 descriptor bytes on the wire.
type FECDescriptor struct {
	TransferLength uint64 // original payload length in bytes
	SymbolSize     uint16
	SourceBlocks   uint8
	SubBlocks      uint16
	Alignment      uint8
}

// FECPacket is a decoded FEC-wrapped packet: one erasure symbol plus the
// descriptor needed to configure the decoder. All symbols of one logical
// frame share the same Seq.
type FECPacket struct {
	Seq        uint32
	PacketType uint8
	Descriptor FECDescriptor
	Symbol     []byte
}

// RegularPacket is a decoded non-FEC wrapped packet (datagram transport only).
type RegularPacket struct {
	Seq        uint32
	PacketType uint8
	Payload    []byte
}

// DecodeError signals malformed wire bytes. Callers treat it as a dropped
// packet, never as fatal to the connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Reason
}
