package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/meshrtc/medialink/internal/protocol"
)

// symbolPrefixSize is the engine-internal encoding symbol identifier
// prepended to every symbol. The wire header treats symbols as opaque, so
// the identifier travels inside the symbol payload.
const symbolPrefixSize = 2

// Shard-count and alignment limits of the backing codec. Above gf8MaxShards
// total shards the library switches to its GF(2^16) codec, which only
// accepts shard sizes that are a multiple of gf16ShardAlign bytes.
const (
	gf8MaxShards   = 256
	gf16ShardAlign = 64
)

// Engine generates erasure symbols for a payload and reconstructs payloads
// from a sufficient subset of symbols. Implementations must produce
// source+repair symbols such that any TotalSymbols of them recover the
// payload.
type Engine interface {
	// Symbols splits payload into source symbols of at least chunkSize
	// bytes, appends redundancy repair symbols, and returns all symbols
	// plus the decoder descriptor. The descriptor's SymbolSize is
	// authoritative; implementations may widen chunkSize to satisfy codec
	// alignment constraints.
	Symbols(payload []byte, chunkSize, redundancy int) ([][]byte, protocol.FECDescriptor, error)

	// Reconstruct recovers the original payload from any sufficient subset
	// of symbols. redundancy must match the value used at encode time (the
	// receive side recomputes it from the policy and the descriptor's
	// transfer length).
	Reconstruct(symbols [][]byte, desc protocol.FECDescriptor, redundancy int) ([]byte, error)
}

// ReedSolomonEngine is the default Engine, backed by systematic Reed-Solomon
// sharding. Each symbol is a 2-byte big-endian symbol identifier followed by
// one shard.
type ReedSolomonEngine struct{}

// NewReedSolomonEngine returns the default erasure-coding engine.
func NewReedSolomonEngine() *ReedSolomonEngine {
	return &ReedSolomonEngine{}
}

func (e *ReedSolomonEngine) Symbols(payload []byte, chunkSize, redundancy int) ([][]byte, protocol.FECDescriptor, error) {
	if len(payload) == 0 || chunkSize <= 0 || redundancy <= 0 {
		return nil, protocol.FECDescriptor{}, fmt.Errorf("fec: invalid symbol request (payload=%d chunk=%d redundancy=%d)",
			len(payload), chunkSize, redundancy)
	}

	sourceCount := (len(payload) + chunkSize - 1) / chunkSize

	// Large frames exceed the GF(2^8) shard limit; widen the shard size to
	// the GF(2^16) codec's alignment so they still encode. The descriptor
	// carries the widened size, so the receive side stays in sync.
	if sourceCount+redundancy > gf8MaxShards && chunkSize%gf16ShardAlign != 0 {
		chunkSize += gf16ShardAlign - chunkSize%gf16ShardAlign
		sourceCount = (len(payload) + chunkSize - 1) / chunkSize
	}

	enc, err := reedsolomon.New(sourceCount, redundancy)
	if err != nil {
		return nil, protocol.FECDescriptor{}, fmt.Errorf("fec: encoder init: %w", err)
	}

	// Shard the payload, zero-padding the tail shard to chunkSize.
	shards := make([][]byte, sourceCount+redundancy)
	for i := 0; i < sourceCount; i++ {
		shard := make([]byte, chunkSize)
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		copy(shard, payload[start:end])
		shards[i] = shard
	}
	for i := sourceCount; i < len(shards); i++ {
		shards[i] = make([]byte, chunkSize)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, protocol.FECDescriptor{}, fmt.Errorf("fec: encode: %w", err)
	}

	symbols := make([][]byte, len(shards))
	for i, shard := range shards {
		sym := make([]byte, symbolPrefixSize+len(shard))
		binary.BigEndian.PutUint16(sym[0:2], uint16(i))
		copy(sym[symbolPrefixSize:], shard)
		symbols[i] = sym
	}

	desc := protocol.FECDescriptor{
		TransferLength: uint64(len(payload)),
		SymbolSize:     uint16(chunkSize),
		SourceBlocks:   1,
		SubBlocks:      1,
		Alignment:      1,
	}
	return symbols, desc, nil
}

func (e *ReedSolomonEngine) Reconstruct(symbols [][]byte, desc protocol.FECDescriptor, redundancy int) ([]byte, error) {
	chunkSize := int(desc.SymbolSize)
	if chunkSize <= 0 || desc.TransferLength == 0 {
		return nil, fmt.Errorf("fec: invalid descriptor %+v", desc)
	}
	sourceCount := int((desc.TransferLength + uint64(chunkSize) - 1) / uint64(chunkSize))

	shards := make([][]byte, sourceCount+redundancy)
	seen := 0
	for _, sym := range symbols {
		if len(sym) != symbolPrefixSize+chunkSize {
			continue // corrupt symbol, skip
		}
		idx := int(binary.BigEndian.Uint16(sym[0:2]))
		if idx >= len(shards) || shards[idx] != nil {
			continue
		}
		shards[idx] = sym[symbolPrefixSize:]
		seen++
	}
	if seen < sourceCount {
		return nil, fmt.Errorf("fec: %d symbols received, need %d", seen, sourceCount)
	}

	enc, err := reedsolomon.New(sourceCount, redundancy)
	if err != nil {
		return nil, fmt.Errorf("fec: decoder init: %w", err)
	}
	// Full reconstruction: the GF(2^16) codec used above gf8MaxShards does
	// not support data-only recovery.
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("fec: reconstruct: %w", err)
	}

	payload := make([]byte, 0, sourceCount*chunkSize)
	for i := 0; i < sourceCount; i++ {
		payload = append(payload, shards[i]...)
	}
	return payload[:desc.TransferLength], nil
}
