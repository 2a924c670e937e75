package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStandardRoundTrip verifies the round-trip law for standard frame
// packets across frame types and payload sizes.
func TestStandardRoundTrip(t *testing.T) {
	testCases := []struct {
		name      string
		payload   []byte
		frameType uint8
		seq       uint32
	}{
		{"video with payload", bytes.Repeat([]byte{0xAB}, 2000), FrameVideo, 42},
		{"audio small payload", []byte("opus"), FrameAudio, 1},
		{"config payload", []byte(`{"codec":"vp8"}`), FrameConfig, 7},
		{"event empty payload", nil, FrameEvent, 0xFFFFFFFF},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCodec()
			data := c.EncodeStandard(tc.payload, 5_000_000, tc.frameType, tc.seq)
			require.Len(t, data, StandardHeaderSize+len(tc.payload))

			f, err := c.DecodeStandard(data)
			require.NoError(t, err)
			assert.Equal(t, tc.seq, f.Seq)
			assert.Equal(t, tc.frameType, f.FrameType)
			assert.Equal(t, []byte(tc.payload), f.Payload)
			// First packet on a connection fixes the base, so its relative
			// timestamp is always zero.
			assert.Equal(t, uint32(0), f.TimestampMs)
		})
	}
}

func TestTimestampRelativeToBase(t *testing.T) {
	c := NewCodec()

	first := c.EncodeStandard(nil, 1_000_000, FrameVideo, 1)
	f1, err := c.DecodeStandard(first)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f1.TimestampMs)

	// 33_500 us after the base → 33 ms (integer division).
	second := c.EncodeStandard(nil, 1_033_500, FrameVideo, 2)
	f2, err := c.DecodeStandard(second)
	require.NoError(t, err)
	assert.Equal(t, uint32(33), f2.TimestampMs)

	// Earlier than the base clamps to zero rather than wrapping.
	third := c.EncodeStandard(nil, 500, FrameVideo, 3)
	f3, err := c.DecodeStandard(third)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f3.TimestampMs)
}

func TestTimestampClampUpper(t *testing.T) {
	c := NewCodec()
	c.EncodeStandard(nil, 0, FrameVideo, 1)

	// Far enough past the base to exceed 2^32-1 ms.
	data := c.EncodeStandard(nil, uint64(1)<<60, FrameVideo, 2)
	f, err := c.DecodeStandard(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), f.TimestampMs)
}

func TestResetBase(t *testing.T) {
	c := NewCodec()
	c.EncodeStandard(nil, 1_000_000, FrameVideo, 1)
	c.ResetBase()

	// After reset the next packet fixes a new base.
	data := c.EncodeStandard(nil, 9_000_000, FrameVideo, 2)
	f, err := c.DecodeStandard(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f.TimestampMs)
}

func TestFECRoundTrip(t *testing.T) {
	c := NewCodec()
	desc := FECDescriptor{
		TransferLength: 2000,
		SymbolSize:     380,
		SourceBlocks:   1,
		SubBlocks:      1,
		Alignment:      1,
	}
	symbol := bytes.Repeat([]byte{0x5A}, 380)

	data := c.EncodeFEC(99, FrameVideo, desc, symbol)
	require.Len(t, data, FECHeaderSize+len(symbol))
	assert.Equal(t, uint8(0xFF), data[4])

	p, err := c.DecodeFEC(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), p.Seq)
	assert.Equal(t, FrameVideo, p.PacketType)
	assert.Equal(t, desc, p.Descriptor)
	assert.Equal(t, symbol, p.Symbol)
}

func TestFECHeaderLayout(t *testing.T) {
	c := NewCodec()
	desc := FECDescriptor{
		TransferLength: 0x0102030405060708,
		SymbolSize:     0x1122,
		SourceBlocks:   0x33,
		SubBlocks:      0x4455,
		Alignment:      0x66,
	}
	data := c.EncodeFEC(0xAABBCCDD, FrameConfig, desc, nil)

	want := []byte{
		0xAA, 0xBB, 0xCC, 0xDD, // seq
		0xFF,                                           // fec marker
		FrameConfig,                                    // packet type
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // transfer length
		0x11, 0x22, // symbol size
		0x33,       // source blocks
		0x44, 0x55, // sub blocks
		0x66, // alignment
	}
	assert.Equal(t, want, data)
}

func TestRegularRoundTrip(t *testing.T) {
	c := NewCodec()
	data := c.EncodeRegular(17, FrameAudio, []byte("pcm"))
	require.Len(t, data, RegularHeaderSize+3)
	assert.Equal(t, uint8(0x00), data[4])

	p, err := c.DecodeRegular(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(17), p.Seq)
	assert.Equal(t, FrameAudio, p.PacketType)
	assert.Equal(t, []byte("pcm"), p.Payload)
}

func TestDecodeErrors(t *testing.T) {
	c := NewCodec()

	_, err := c.DecodeStandard([]byte{1, 2, 3})
	var de *DecodeError
	require.ErrorAs(t, err, &de)

	_, err = c.DecodeFEC(make([]byte, FECHeaderSize-1))
	require.ErrorAs(t, err, &de)

	// Regular decode rejects a packet carrying the FEC marker.
	fec := c.EncodeFEC(1, FrameVideo, FECDescriptor{}, nil)
	_, err = c.DecodeRegular(fec)
	require.ErrorAs(t, err, &de)

	// And vice versa.
	reg := c.EncodeRegular(1, FrameVideo, nil)
	_, err = c.DecodeFEC(reg)
	require.ErrorAs(t, err, &de)
}

func TestIsFECWrapped(t *testing.T) {
	c := NewCodec()
	assert.True(t, IsFECWrapped(c.EncodeFEC(1, FrameVideo, FECDescriptor{}, nil)))
	assert.False(t, IsFECWrapped(c.EncodeRegular(1, FrameVideo, nil)))
	assert.False(t, IsFECWrapped([]byte{0x01}))
}
