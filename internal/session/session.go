package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/channel"
	"github.com/meshrtc/medialink/internal/event"
	"github.com/meshrtc/medialink/internal/fec"
	"github.com/meshrtc/medialink/internal/jitter"
	"github.com/meshrtc/medialink/internal/protocol"
	"github.com/meshrtc/medialink/internal/reconnect"
	"github.com/meshrtc/medialink/internal/transport"
)

// Session is one connection to a remote peer carrying any number of named
// channels over the two transports.
type Session struct {
	ID string

	cfg        Config
	transports Transports

	codec    *protocol.Codec
	engine   fec.Engine
	registry *channel.Registry
	mux      *transport.Multiplexer
	recon    *reconnect.Controller
	sink     event.Sink
	log      *logrus.Entry

	mu       sync.Mutex
	channels map[string]ChannelConfig
	jitters  map[string]*jitter.Buffer
	pc       *webrtc.PeerConnection
	onMedia  MediaHandler
	onConfig func(channel string, payload []byte)
	onEvent  func(evt ControlEvent)

	// Control frames flow through one session-lived channel so reconnection
	// rewires the handle callback without spawning a second loop.
	controlFrames chan []byte
	controlOnce   sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a session. sink may be nil. Connect must be called before any
// channel traffic.
func New(ctx context.Context, cfg Config, transports Transports, sink event.Sink) *Session {
	if sink == nil {
		sink = event.Nop{}
	}
	if cfg.ControlChannel == "" {
		cfg.ControlChannel = DefaultControlChannel
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}

	sCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:            uuid.NewString(),
		cfg:           cfg,
		transports:    transports,
		codec:         protocol.NewCodec(),
		engine:        fec.NewReedSolomonEngine(),
		mux:           transport.NewMultiplexer(),
		sink:          sink,
		channels:      make(map[string]ChannelConfig),
		jitters:       make(map[string]*jitter.Buffer),
		controlFrames: make(chan []byte, 16),
		ctx:           sCtx,
		cancel:        cancel,
	}
	s.log = logrus.WithField("session", s.ID[:8])
	s.registry = channel.NewRegistry(s.transmitConfig, sink)
	s.recon = reconnect.New(cfg.Reconnect, s.reestablish, s.healthy, sink)
	return s
}

// Registry exposes the channel registry (sequence numbers, config state).
func (s *Session) Registry() *channel.Registry {
	return s.registry
}

// Reconnect exposes the reconnection controller.
func (s *Session) Reconnect() *reconnect.Controller {
	return s.recon
}

// Connect establishes the transports, binds the given channels and starts
// the health monitor. The control channel is added implicitly on the stream
// transport when a stream dialer is configured.
func (s *Session) Connect(ctx context.Context, channels ...ChannelConfig) error {
	if s.transports.StreamDialer != nil {
		s.mux.Register(transport.KindStream, transport.NewStreamTransport(s.transports.StreamDialer))

		hasControl := false
		for _, cc := range channels {
			if cc.Name == s.cfg.ControlChannel {
				hasControl = true
			}
		}
		if !hasControl {
			channels = append(channels, ChannelConfig{
				Name:      s.cfg.ControlChannel,
				Kind:      transport.KindStream,
				FrameType: protocol.FrameEvent,
			})
		}
	}

	if s.transports.NewPeer != nil {
		pc, err := s.transports.NewPeer(ctx)
		if err != nil {
			return fmt.Errorf("create peer: %w", err)
		}
		s.mu.Lock()
		s.pc = pc
		s.mu.Unlock()
		s.mux.Register(transport.KindDataChannel, transport.NewDataChannelTransport(pc, nil))
	}

	// Bind channels first so negotiated data channels are in the offer.
	for _, cc := range channels {
		if err := s.openChannel(ctx, cc); err != nil {
			return err
		}
	}

	if s.transports.NewPeer != nil && s.transports.Negotiate != nil {
		s.mu.Lock()
		pc := s.pc
		s.mu.Unlock()
		if err := s.transports.Negotiate(ctx, pc); err != nil {
			return fmt.Errorf("negotiate: %w", err)
		}
	}

	if err := s.awaitChannels(ctx); err != nil {
		return err
	}

	s.recon.StartHealthMonitor(s.ctx)
	s.log.WithField("channels", len(channels)).Info("session connected")
	return nil
}

// openChannel registers the channel and binds its transport handle. The
// handle may still be negotiating; awaitChannels gates readiness.
func (s *Session) openChannel(ctx context.Context, cc ChannelConfig) error {
	if _, err := s.registry.Open(cc.Name); err != nil {
		return err
	}
	if _, err := s.mux.Bind(ctx, cc.Name, cc.Kind); err != nil {
		return err
	}

	s.mu.Lock()
	s.channels[cc.Name] = cc
	s.mu.Unlock()
	return nil
}

// awaitChannels waits for every bound handle to open, then marks the
// channels ready and starts their receive paths.
func (s *Session) awaitChannels(ctx context.Context) error {
	s.mu.Lock()
	ccs := make([]ChannelConfig, 0, len(s.channels))
	for _, cc := range s.channels {
		ccs = append(ccs, cc)
	}
	s.mu.Unlock()

	for _, cc := range ccs {
		h, ok := s.mux.Handle(cc.Name)
		if !ok {
			return fmt.Errorf("channel %s not bound", cc.Name)
		}
		select {
		case <-h.Ready():
		case <-time.After(s.cfg.ReadyTimeout):
			return &channel.TimeoutError{Channel: cc.Name, Timeout: s.cfg.ReadyTimeout}
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := s.registry.MarkReady(cc.Name); err != nil {
			return err
		}
		s.startReceive(cc, h)
	}
	return nil
}

// healthy is the reconnect controller's health probe: the peer connection
// must be in the Connected state. Stream-only sessions report failures
// through send errors instead, so they poll healthy.
func (s *Session) healthy(context.Context) bool {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return true
	}
	return pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// FailTransport escalates a transport failure to the reconnection
// controller. Per-frame errors never reach here; only connection-level
// failures do.
func (s *Session) FailTransport(err error) {
	s.log.WithError(err).Warn("transport failure")
	s.recon.Trigger(s.ctx)
}

// reestablish is the reconnection controller's connect function: re-run the
// transport connect sequence, rebind every channel, replay configs, and
// request fresh keyframes on video channels.
func (s *Session) reestablish(ctx context.Context) error {
	s.codec.ResetBase()

	// Fresh transports under the same kinds.
	if s.transports.StreamDialer != nil {
		s.mux.Register(transport.KindStream, transport.NewStreamTransport(s.transports.StreamDialer))
	}
	if s.transports.NewPeer != nil {
		pc, err := s.transports.NewPeer(ctx)
		if err != nil {
			return fmt.Errorf("recreate peer: %w", err)
		}
		s.mu.Lock()
		old := s.pc
		s.pc = pc
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}
		s.mux.Register(transport.KindDataChannel, transport.NewDataChannelTransport(pc, nil))
	}

	// Rebind channels: new handles, cleared config, preserved sequence.
	var rebindErr error
	s.registry.Range(func(ch *channel.Channel) {
		if rebindErr != nil {
			return
		}
		if err := s.registry.Reopen(ch.Name); err != nil {
			rebindErr = err
			return
		}
		if _, err := s.mux.Rebind(ctx, ch.Name); err != nil {
			rebindErr = err
		}
	})
	if rebindErr != nil {
		return rebindErr
	}

	if s.transports.NewPeer != nil && s.transports.Negotiate != nil {
		s.mu.Lock()
		pc := s.pc
		s.mu.Unlock()
		if err := s.transports.Negotiate(ctx, pc); err != nil {
			return fmt.Errorf("renegotiate: %w", err)
		}
	}

	if err := s.awaitChannels(ctx); err != nil {
		return err
	}

	// Replay each channel's last-known config, then ask for fresh keyframes
	// so the receiver can resynchronize mid-GOP.
	var replayErr error
	s.registry.Range(func(ch *channel.Channel) {
		if replayErr != nil {
			return
		}
		if blob, ok := ch.LastConfig(); ok {
			if err := s.registry.SendConfig(ch.Name, blob); err != nil {
				replayErr = err
				return
			}
		}
		s.mu.Lock()
		cc, ok := s.channels[ch.Name]
		s.mu.Unlock()
		if ok && cc.FrameType == protocol.FrameVideo && s.cfg.RequestKeyframe != nil {
			s.cfg.RequestKeyframe(ch.Name)
		}
	})
	return replayErr
}

// Close tears the session down: channels are marked closed synchronously
// before any transport handle is released, so in-flight sends abort instead
// of racing half-closed handles. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.registry.CloseAll()
		s.recon.Stop()
		s.cancel()

		s.mu.Lock()
		jitters := s.jitters
		s.jitters = make(map[string]*jitter.Buffer)
		s.mu.Unlock()
		for _, jb := range jitters {
			jb.Stop()
		}

		err = s.mux.Close()
		s.log.Info("session closed")
	})
	return err
}
