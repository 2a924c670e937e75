// Package session wires the transport core together: the send path
// (sequence → codec → FEC → multiplexer), the config handshake, the control
// receive loop, and reconnection with channel rebinding.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshrtc/medialink/internal/reconnect"
	"github.com/meshrtc/medialink/internal/transport"
)

// DefaultControlChannel is the channel name carrying JSON control events.
const DefaultControlChannel = "control"

// defaultReadyTimeout bounds channel-ready waits during connect and for
// explicit API calls like SendEvent.
const defaultReadyTimeout = 10 * time.Second

// Chunk is one encoded media chunk handed in by the capture/encode
// collaborator.
type Chunk struct {
	Data        []byte
	TimestampUs uint64
	Keyframe    bool
}

// ChunkSource produces encoded chunks for a track. The capture/encode
// component implements it.
type ChunkSource interface {
	ProduceChunk(track string) (Chunk, error)
}

// Normalizer is an optional per-codec pre-transmission hook. It may rewrite
// a chunk or hold it back (returning no chunks) until the config handshake
// completes; held chunks can be replayed once configSent is true. The
// default behavior without a normalizer is the protocol rule: data frames
// before config are dropped, not queued.
type Normalizer interface {
	Normalize(chunk Chunk, configSent bool) []Chunk
}

// ChannelConfig describes one channel the session carries.
type ChannelConfig struct {
	Name      string
	Kind      transport.Kind
	FrameType uint8 // protocol.FrameAudio or protocol.FrameVideo

	// Codec metadata for the CONFIG packet.
	Codec         string
	MediaType     string
	Width         int
	Height        int
	SampleRate    int
	DecoderConfig []byte // opaque decoder-description blob

	// TargetFps configures the receive-side jitter buffer for this stream.
	TargetFps int

	Normalizer Normalizer
}

// configPayload is the JSON body of a CONFIG packet.
type configPayload struct {
	Channel       string `json:"channel"`
	Codec         string `json:"codec"`
	MediaType     string `json:"mediaType"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	DecoderConfig string `json:"decoderConfig,omitempty"` // base64
}

func (cc ChannelConfig) configBlob() ([]byte, error) {
	p := configPayload{
		Channel:    cc.Name,
		Codec:      cc.Codec,
		MediaType:  cc.MediaType,
		Width:      cc.Width,
		Height:     cc.Height,
		SampleRate: cc.SampleRate,
	}
	if len(cc.DecoderConfig) > 0 {
		p.DecoderConfig = base64.StdEncoding.EncodeToString(cc.DecoderConfig)
	}
	return json.Marshal(p)
}

// Transports describes how the session reaches its peer.
type Transports struct {
	// StreamDialer opens reliable ordered streams; nil disables KindStream.
	StreamDialer transport.StreamDialer

	// NewPeer creates an unconnected PeerConnection; nil disables
	// KindDataChannel. Channels are bound on it before Negotiate runs so
	// the SCTP section is part of the offer.
	NewPeer func(ctx context.Context) (*webrtc.PeerConnection, error)

	// Negotiate performs the signaling exchange for the PeerConnection.
	Negotiate func(ctx context.Context, pc *webrtc.PeerConnection) error
}

// Config holds session parameters.
type Config struct {
	ControlChannel string
	ReadyTimeout   time.Duration
	Reconnect      reconnect.Config

	// RequestKeyframe is invoked for each video channel after a successful
	// reconnection so the encoder restarts the GOP.
	RequestKeyframe func(channel string)
}

// DefaultConfig returns the standard session parameters.
func DefaultConfig() Config {
	return Config{
		ControlChannel: DefaultControlChannel,
		ReadyTimeout:   defaultReadyTimeout,
		Reconnect:      reconnect.DefaultConfig(),
	}
}
