package protocol

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Codec serializes and deserializes the three packet variants for one
// connection. It owns the connection's base timestamp: the first
// EncodeStandard call fixes the base, every later timestamp is expressed in
// milliseconds relative to it. One Codec per connection — reconnection
// creates a fresh instance (or calls ResetBase) so sessions never share
// timestamp state.
type Codec struct {
	mu      sync.Mutex
	baseSet bool
	baseUs  uint64
}

// NewCodec creates a Codec with no base timestamp fixed yet.
func NewCodec() *Codec {
	return &Codec{}
}

// ResetBase clears the base timestamp so the next EncodeStandard fixes a new
// one. Called when a connection is re-established.
func (c *Codec) ResetBase() {
	c.mu.Lock()
	c.baseSet = false
	c.baseUs = 0
	c.mu.Unlock()
}

// relativeMs converts a raw microsecond timestamp into milliseconds relative
// to the connection base, clamped into [0, 2^32-1]. The first call fixes the
// base.
func (c *Codec) relativeMs(rawUs uint64) uint32 {
	c.mu.Lock()
	if !c.baseSet {
		c.baseSet = true
		c.baseUs = rawUs
	}
	base := c.baseUs
	c.mu.Unlock()

	if rawUs < base {
		return 0
	}
	ms := (rawUs - base) / 1000
	if ms > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(ms)
}

// EncodeStandard serializes a standard frame packet:
// seq(4) + timestampMs(4) + frameType(1) + payload.
func (c *Codec) EncodeStandard(payload []byte, timestampUs uint64, frameType uint8, seq uint32) []byte {
	buf := make([]byte, StandardHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], c.relativeMs(timestampUs))
	buf[8] = frameType
	copy(buf[StandardHeaderSize:], payload)
	return buf
}

// DecodeStandard deserializes a standard frame packet.
func (c *Codec) DecodeStandard(data []byte) (StandardFrame, error) {
	if len(data) < StandardHeaderSize {
		return StandardFrame{}, &DecodeError{
			Reason: fmt.Sprintf("standard packet too short: %d bytes (need at least %d)", len(data), StandardHeaderSize),
		}
	}
	f := StandardFrame{
		Seq:         binary.BigEndian.Uint32(data[0:4]),
		TimestampMs: binary.BigEndian.Uint32(data[4:8]),
		FrameType:   data[8],
	}
	if len(data) > StandardHeaderSize {
		f.Payload = make([]byte, len(data)-StandardHeaderSize)
		copy(f.Payload, data[StandardHeaderSize:])
	}
	return f, nil
}

// EncodeFEC serializes a FEC-wrapped packet carrying one erasure symbol:
// seq(4) + 0xFF(1) + packetType(1) + descriptor(14) + symbol.
func (c *Codec) EncodeFEC(seq uint32, packetType uint8, desc FECDescriptor, symbol []byte) []byte {
	buf := make([]byte, FECHeaderSize+len(symbol))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	buf[4] = fecFlagMarker
	buf[5] = packetType
	binary.BigEndian.PutUint64(buf[6:14], desc.TransferLength)
	binary.BigEndian.PutUint16(buf[14:16], desc.SymbolSize)
	buf[16] = desc.SourceBlocks
	binary.BigEndian.PutUint16(buf[17:19], desc.SubBlocks)
	buf[19] = desc.Alignment
	copy(buf[FECHeaderSize:], symbol)
	return buf
}

// DecodeFEC deserializes a FEC-wrapped packet.
func (c *Codec) DecodeFEC(data []byte) (FECPacket, error) {
	if len(data) < FECHeaderSize {
		return FECPacket{}, &DecodeError{
			Reason: fmt.Sprintf("fec packet too short: %d bytes (need at least %d)", len(data), FECHeaderSize),
		}
	}
	if data[4] != fecFlagMarker {
		return FECPacket{}, &DecodeError{
			Reason: fmt.Sprintf("fec marker mismatch: 0x%02X", data[4]),
		}
	}
	p := FECPacket{
		Seq:        binary.BigEndian.Uint32(data[0:4]),
		PacketType: data[5],
		Descriptor: FECDescriptor{
			TransferLength: binary.BigEndian.Uint64(data[6:14]),
			SymbolSize:     binary.BigEndian.Uint16(data[14:16]),
			SourceBlocks:   data[16],
			SubBlocks:      binary.BigEndian.Uint16(data[17:19]),
			Alignment:      data[19],
		},
	}
	if len(data) > FECHeaderSize {
		p.Symbol = make([]byte, len(data)-FECHeaderSize)
		copy(p.Symbol, data[FECHeaderSize:])
	}
	return p, nil
}

// EncodeRegular serializes a non-FEC wrapped packet (datagram transport):
// seq(4) + 0x00(1) + packetType(1) + payload.
func (c *Codec) EncodeRegular(seq uint32, packetType uint8, payload []byte) []byte {
	buf := make([]byte, RegularHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	buf[4] = fecFlagNone
	buf[5] = packetType
	copy(buf[RegularHeaderSize:], payload)
	return buf
}

// DecodeRegular deserializes a non-FEC wrapped packet.
func (c *Codec) DecodeRegular(data []byte) (RegularPacket, error) {
	if len(data) < RegularHeaderSize {
		return RegularPacket{}, &DecodeError{
			Reason: fmt.Sprintf("regular packet too short: %d bytes (need at least %d)", len(data), RegularHeaderSize),
		}
	}
	if data[4] != fecFlagNone {
		return RegularPacket{}, &DecodeError{
			Reason: fmt.Sprintf("fec flag mismatch: 0x%02X", data[4]),
		}
	}
	p := RegularPacket{
		Seq:        binary.BigEndian.Uint32(data[0:4]),
		PacketType: data[5],
	}
	if len(data) > RegularHeaderSize {
		p.Payload = make([]byte, len(data)-RegularHeaderSize)
		copy(p.Payload, data[RegularHeaderSize:])
	}
	return p, nil
}

// IsFECWrapped reports whether a wrapped packet carries the FEC marker.
// Undersized buffers report false; the subsequent Decode call surfaces the
// error.
func IsFECWrapped(data []byte) bool {
	return len(data) >= 5 && data[4] == fecFlagMarker
}
