package fec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/medialink/internal/protocol"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	rng.Read(p)
	return p
}

func TestSymbolsMatchPlan(t *testing.T) {
	payload := randomPayload(t, 2000)
	plan, err := ComputePlan(len(payload), protocol.FrameVideo)
	require.NoError(t, err)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	assert.Len(t, symbols, plan.TotalSymbols+plan.Redundancy)
	assert.Equal(t, uint64(len(payload)), desc.TransferLength)
	assert.Equal(t, uint16(plan.ChunkSize), desc.SymbolSize)
	for _, sym := range symbols {
		assert.Len(t, sym, symbolPrefixSize+plan.ChunkSize)
	}
}

func TestReconstructAfterLoss(t *testing.T) {
	payload := randomPayload(t, 4096)
	plan, err := ComputePlan(len(payload), protocol.FrameVideo)
	require.NoError(t, err)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	// Drop as many symbols as there are repair symbols.
	survivors := symbols[plan.Redundancy:]

	got, err := engine.Reconstruct(survivors, desc, plan.Redundancy)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestReconstructLossless(t *testing.T) {
	payload := randomPayload(t, 777)
	plan, err := ComputePlan(len(payload), protocol.FrameConfig)
	require.NoError(t, err)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	got, err := engine.Reconstruct(symbols, desc, plan.Redundancy)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestLargeFrameRoundTrip(t *testing.T) {
	// A 720p keyframe-sized payload: the plan caps the MTU, so the shard
	// count crosses the GF(2^8) limit and the engine must widen shards to
	// the GF(2^16) alignment.
	payload := randomPayload(t, 200_000)
	plan, err := ComputePlan(len(payload), protocol.FrameVideo)
	require.NoError(t, err)
	require.Equal(t, 492, plan.ChunkSize)
	require.Greater(t, plan.TotalSymbols+plan.Redundancy, gf8MaxShards)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	assert.Zero(t, int(desc.SymbolSize)%gf16ShardAlign)
	assert.GreaterOrEqual(t, int(desc.SymbolSize), plan.ChunkSize)

	widened := int(desc.SymbolSize)
	sourceCount := (len(payload) + widened - 1) / widened
	assert.Len(t, symbols, sourceCount+plan.Redundancy)
	for _, sym := range symbols {
		assert.Len(t, sym, symbolPrefixSize+widened)
	}

	// Drop as many symbols as there are repair symbols.
	survivors := symbols[plan.Redundancy:]
	got, err := engine.Reconstruct(survivors, desc, plan.Redundancy)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestLargeFrameAlreadyAlignedKeepsChunkSize(t *testing.T) {
	payload := randomPayload(t, 300_000)

	engine := NewReedSolomonEngine()
	_, desc, err := engine.Symbols(payload, 512, 10)
	require.NoError(t, err)
	assert.Equal(t, uint16(512), desc.SymbolSize)
}

func TestReconstructInsufficientSymbols(t *testing.T) {
	payload := randomPayload(t, 4096)
	plan, err := ComputePlan(len(payload), protocol.FrameVideo)
	require.NoError(t, err)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	// One more loss than the repair symbols can cover.
	survivors := symbols[plan.Redundancy+1:]

	_, err = engine.Reconstruct(survivors, desc, plan.Redundancy)
	require.Error(t, err)
}

func TestReconstructSkipsCorruptSymbols(t *testing.T) {
	payload := randomPayload(t, 1500)
	plan, err := ComputePlan(len(payload), protocol.FrameVideo)
	require.NoError(t, err)

	engine := NewReedSolomonEngine()
	symbols, desc, err := engine.Symbols(payload, plan.ChunkSize, plan.Redundancy)
	require.NoError(t, err)

	// Truncated symbol must be ignored, not crash the decoder.
	symbols[0] = symbols[0][:3]

	got, err := engine.Reconstruct(symbols, desc, plan.Redundancy)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}
