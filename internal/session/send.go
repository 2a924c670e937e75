package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meshrtc/medialink/internal/channel"
	"github.com/meshrtc/medialink/internal/fec"
	"github.com/meshrtc/medialink/internal/protocol"
	"github.com/meshrtc/medialink/internal/transport"
	"github.com/meshrtc/medialink/internal/util"
)

// SendChunk puts one encoded chunk on the wire. Per the protocol rules data
// frames are dropped, not queued, when the channel is unready or its config
// handshake has not completed: the encoder keeps producing regardless of
// handshake state, and stale frames are worthless by the time the handshake
// finishes.
func (s *Session) SendChunk(channelName string, chunk Chunk) error {
	ch, err := s.registry.Get(channelName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cc, ok := s.channels[channelName]
	s.mu.Unlock()
	if !ok {
		return &channel.ErrUnknownChannel{Channel: channelName}
	}

	if ch.State() != channel.StateReady {
		util.Stats.DropFrame()
		return nil
	}

	chunks := []Chunk{chunk}
	if cc.Normalizer != nil {
		chunks = cc.Normalizer.Normalize(chunk, ch.ConfigSent())
	}
	if !ch.ConfigSent() {
		// Silent drop. A normalizer may have chosen to hold frames back for
		// replay instead, in which case chunks is already empty.
		if len(chunks) > 0 {
			util.Stats.DropFrame()
		}
		return nil
	}

	for _, c := range chunks {
		seq := ch.NextSequence()
		frame := s.codec.EncodeStandard(c.Data, c.TimestampUs, cc.FrameType, seq)
		if err := s.sendFrame(cc, seq, cc.FrameType, frame); err != nil {
			s.dropOrEscalate(channelName, err)
			return nil
		}
		util.Stats.AddFrame()
		s.sink.ChunkSent(channelName, seq)
	}
	return nil
}

// sendFrame routes an encoded frame to the channel's transport, expanding it
// into FEC symbols when the policy applies. All wire packets of one frame
// share its sequence number.
func (s *Session) sendFrame(cc ChannelConfig, seq uint32, frameType uint8, frame []byte) error {
	// The reliable transport needs neither FEC nor wrapping; its framing is
	// the length prefix.
	if cc.Kind == transport.KindStream || !fec.Applicable(frameType) {
		if cc.Kind == transport.KindDataChannel {
			return s.mux.Send(cc.Name, s.codec.EncodeRegular(seq, frameType, frame))
		}
		return s.mux.Send(cc.Name, frame)
	}

	plan, err := fec.ComputePlan(len(frame), frameType)
	if err != nil {
		return err
	}
	symbols, desc, err := s.engine.Symbols(frame, plan.ChunkSize, plan.Redundancy)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if err := s.mux.Send(cc.Name, s.codec.EncodeFEC(seq, frameType, desc, sym)); err != nil {
			return err
		}
	}
	return nil
}

// dropOrEscalate handles a send-path error: per-frame conditions drop the
// frame and notify the sink; connection-level failures additionally wake the
// reconnection controller.
func (s *Session) dropOrEscalate(channelName string, err error) {
	util.Stats.DropFrame()

	if errors.Is(err, transport.ErrChannelNotReady) {
		return // expected during outages, frame dropped silently
	}
	s.sink.SendError(channelName, err)

	var failure *transport.Failure
	if errors.As(err, &failure) {
		s.FailTransport(failure)
	}
}

// SendConfig marshals the channel's codec metadata into a CONFIG packet and
// completes the config handshake. Data frames flow only after this returns.
func (s *Session) SendConfig(channelName string) error {
	s.mu.Lock()
	cc, ok := s.channels[channelName]
	s.mu.Unlock()
	if !ok {
		return &channel.ErrUnknownChannel{Channel: channelName}
	}

	blob, err := cc.configBlob()
	if err != nil {
		return fmt.Errorf("marshal config for %s: %w", channelName, err)
	}

	// Explicit API calls wait for readiness instead of dropping.
	if err := s.registry.WaitForReady(s.ctx, channelName, s.cfg.ReadyTimeout); err != nil {
		return err
	}
	return s.registry.SendConfig(channelName, blob)
}

// transmitConfig is the registry's wire hook: it frames the config blob and
// sends it with the Config frame type, which forces redundancy 3 on FEC
// channels.
func (s *Session) transmitConfig(ch *channel.Channel, blob []byte) error {
	s.mu.Lock()
	cc, ok := s.channels[ch.Name]
	s.mu.Unlock()
	if !ok {
		return &channel.ErrUnknownChannel{Channel: ch.Name}
	}

	seq := ch.NextSequence()
	frame := s.codec.EncodeStandard(blob, nowUs(), protocol.FrameConfig, seq)
	return s.sendFrame(cc, seq, protocol.FrameConfig, frame)
}

// ControlEvent is one JSON event on the control channel.
type ControlEvent struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendEvent writes a control event over the reliable transport as a
// length-delimited JSON frame. Unlike data frames, explicit event sends
// queue-and-wait for channel readiness.
func (s *Session) SendEvent(evt ControlEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := s.registry.WaitForReady(s.ctx, s.cfg.ControlChannel, s.cfg.ReadyTimeout); err != nil {
		return err
	}
	if err := s.mux.Send(s.cfg.ControlChannel, data); err != nil {
		s.dropOrEscalate(s.cfg.ControlChannel, err)
		return err
	}
	return nil
}

func nowUs() uint64 {
	return uint64(time.Now().UnixMicro())
}
