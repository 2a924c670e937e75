package session

import (
	"github.com/meshrtc/medialink/internal/fec"
	"github.com/meshrtc/medialink/internal/jitter"
	"github.com/meshrtc/medialink/internal/protocol"
	"github.com/meshrtc/medialink/internal/transport"
)

// MediaHandler receives decoded frames after jitter-buffer smoothing.
type MediaHandler func(channel string, frame jitter.Frame)

// OnMediaFrame registers the handler invoked for every decoded media frame.
// Must be set before Connect.
func (s *Session) OnMediaFrame(fn MediaHandler) {
	s.mu.Lock()
	s.onMedia = fn
	s.mu.Unlock()
}

// OnConfig registers the handler invoked when a remote CONFIG packet
// arrives. Must be set before Connect.
func (s *Session) OnConfig(fn func(channel string, payload []byte)) {
	s.mu.Lock()
	s.onConfig = fn
	s.mu.Unlock()
}

// startReceive wires the handle's inbound frames into the decode path. The
// control channel feeds the control loop instead of the media path.
func (s *Session) startReceive(cc ChannelConfig, h transport.Handle) {
	if cc.Name == s.cfg.ControlChannel {
		s.startControlLoop(h)
		return
	}

	var jb *jitter.Buffer
	if cc.TargetFps > 0 {
		name := cc.Name
		jb = jitter.New(cc.Name, func(f jitter.Frame) {
			s.emitMedia(name, f)
		}, s.sink)
		jb.Configure(cc.TargetFps)
		jb.Start()

		s.mu.Lock()
		if old, ok := s.jitters[cc.Name]; ok {
			old.Stop()
		}
		s.jitters[cc.Name] = jb
		s.mu.Unlock()
	}

	collector := newSymbolCollector(s.engine)
	name, kind := cc.Name, cc.Kind
	h.OnFrame(func(data []byte) {
		frame, ok := s.decodeInbound(name, kind, collector, data)
		if !ok {
			return
		}
		switch frame.FrameType {
		case protocol.FrameConfig:
			s.mu.Lock()
			fn := s.onConfig
			s.mu.Unlock()
			if fn != nil {
				fn(name, frame.Payload)
			}
		default:
			out := jitter.Frame{Data: frame.Payload, TimestampMs: frame.TimestampMs, Seq: frame.Seq}
			if jb != nil {
				jb.Push(out)
			} else {
				s.emitMedia(name, out)
			}
		}
	})
}

func (s *Session) emitMedia(channel string, frame jitter.Frame) {
	s.mu.Lock()
	fn := s.onMedia
	s.mu.Unlock()
	if fn != nil {
		fn(channel, frame)
	}
}

// decodeInbound unwraps one wire packet down to a standard frame. Malformed
// packets and incomplete FEC blocks return ok=false; the caller drops them.
func (s *Session) decodeInbound(channel string, kind transport.Kind, collector *symbolCollector, data []byte) (protocol.StandardFrame, bool) {
	// Stream channels carry bare standard frames under the length prefix.
	if kind == transport.KindStream {
		frame, err := s.codec.DecodeStandard(data)
		if err != nil {
			s.log.WithError(err).WithField("channel", channel).Debug("dropping malformed frame")
			return protocol.StandardFrame{}, false
		}
		return frame, true
	}

	if protocol.IsFECWrapped(data) {
		pkt, err := s.codec.DecodeFEC(data)
		if err != nil {
			s.log.WithError(err).WithField("channel", channel).Debug("dropping malformed FEC packet")
			return protocol.StandardFrame{}, false
		}
		payload, done := collector.add(pkt)
		if !done {
			return protocol.StandardFrame{}, false
		}
		frame, err := s.codec.DecodeStandard(payload)
		if err != nil {
			s.log.WithError(err).WithField("channel", channel).Debug("dropping corrupt reconstructed frame")
			return protocol.StandardFrame{}, false
		}
		return frame, true
	}

	pkt, err := s.codec.DecodeRegular(data)
	if err != nil {
		s.log.WithError(err).WithField("channel", channel).Debug("dropping malformed packet")
		return protocol.StandardFrame{}, false
	}
	frame, err := s.codec.DecodeStandard(pkt.Payload)
	if err != nil {
		s.log.WithError(err).WithField("channel", channel).Debug("dropping corrupt frame")
		return protocol.StandardFrame{}, false
	}
	return frame, true
}

// maxPendingFrames bounds the collector's memory: symbols for at most this
// many in-flight sequences are held; older ones are evicted when the bound
// is hit.
const maxPendingFrames = 32

type pendingFrame struct {
	desc       protocol.FECDescriptor
	packetType uint8
	symbols    [][]byte
	done       bool
}

// symbolCollector accumulates FEC symbols per sequence number and attempts
// reconstruction once enough have arrived.
type symbolCollector struct {
	engine  fecReconstructor
	pending map[uint32]*pendingFrame
	order   []uint32
}

type fecReconstructor interface {
	Reconstruct(symbols [][]byte, desc protocol.FECDescriptor, redundancy int) ([]byte, error)
}

func newSymbolCollector(engine fecReconstructor) *symbolCollector {
	return &symbolCollector{
		engine:  engine,
		pending: make(map[uint32]*pendingFrame),
	}
}

// add records one symbol. When the frame's source-symbol count is reached it
// reconstructs and returns the original payload. Symbols arriving after a
// successful reconstruction are ignored.
func (c *symbolCollector) add(pkt protocol.FECPacket) ([]byte, bool) {
	if pkt.Descriptor.SymbolSize == 0 {
		return nil, false
	}
	pf, ok := c.pending[pkt.Seq]
	if !ok {
		c.evictIfFull()
		pf = &pendingFrame{desc: pkt.Descriptor, packetType: pkt.PacketType}
		c.pending[pkt.Seq] = pf
		c.order = append(c.order, pkt.Seq)
	}
	if pf.done {
		return nil, false
	}
	pf.symbols = append(pf.symbols, pkt.Symbol)

	sourceCount := int((pkt.Descriptor.TransferLength + uint64(pkt.Descriptor.SymbolSize) - 1) / uint64(pkt.Descriptor.SymbolSize))
	if len(pf.symbols) < sourceCount {
		return nil, false
	}

	redundancy := recoverRedundancy(pf.desc, pf.packetType)
	payload, err := c.engine.Reconstruct(pf.symbols, pf.desc, redundancy)
	if err != nil {
		// Not enough valid symbols yet; keep collecting until eviction.
		return nil, false
	}
	pf.done = true
	pf.symbols = nil
	return payload, true
}

func (c *symbolCollector) evictIfFull() {
	if len(c.pending) < maxPendingFrames {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.pending, oldest)
}

// recoverRedundancy rederives the sender's repair-symbol count from the
// descriptor, since the wire format does not carry it explicitly. Both
// sides share the sizing policy, so the recomputation is exact.
func recoverRedundancy(desc protocol.FECDescriptor, packetType uint8) int {
	plan, err := fec.ComputePlan(int(desc.TransferLength), packetType)
	if err != nil {
		return 1
	}
	return plan.Redundancy
}
