package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/util"
)

// Buffered-amount thresholds per channel quality. Higher-bitrate channels
// get more headroom before the send path starts queueing.
const (
	ThresholdHigh    = 1024 * 1024 // 720p camera, screen, livestream video
	ThresholdDefault = 256 * 1024
	ThresholdAudio   = 64 * 1024

	// maxBacklog bounds the per-channel FIFO. Frames beyond it are dropped,
	// not queued: a stalled channel must not grow without bound.
	maxBacklog = 1024
)

// ThresholdFor picks the buffered-amount threshold for a channel by name.
func ThresholdFor(channel string) uint64 {
	switch {
	case strings.Contains(channel, "audio"), strings.Contains(channel, "microphone"):
		return ThresholdAudio
	case strings.Contains(channel, "720"), strings.Contains(channel, "screen"),
		strings.Contains(channel, "livestream"):
		return ThresholdHigh
	default:
		return ThresholdDefault
	}
}

// dataLink is the slice of webrtc.DataChannel the handle needs. Narrowed to
// an interface so the queueing logic is testable without a peer connection.
type dataLink interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(fn func())
	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(error))
	OnMessage(fn func([]byte))
	Close() error
}

// rtcLink adapts *webrtc.DataChannel to dataLink.
type rtcLink struct {
	dc *webrtc.DataChannel
}

func (l rtcLink) Send(data []byte) error                  { return l.dc.Send(data) }
func (l rtcLink) BufferedAmount() uint64                  { return l.dc.BufferedAmount() }
func (l rtcLink) SetBufferedAmountLowThreshold(th uint64) { l.dc.SetBufferedAmountLowThreshold(th) }
func (l rtcLink) OnBufferedAmountLow(fn func())           { l.dc.OnBufferedAmountLow(fn) }
func (l rtcLink) OnOpen(fn func())                        { l.dc.OnOpen(fn) }
func (l rtcLink) OnClose(fn func())                       { l.dc.OnClose(fn) }
func (l rtcLink) OnError(fn func(error))                  { l.dc.OnError(fn) }
func (l rtcLink) Close() error                            { return l.dc.Close() }

func (l rtcLink) OnMessage(fn func([]byte)) {
	l.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// DataChannelTransport binds channels to negotiated, unordered data channels
// on one peer connection. Negotiated mode lets both sides create a channel
// under the same ID without waiting on OnDataChannel; unordered mode avoids
// head-of-line blocking between frames (FEC, not ordering, protects them).
type DataChannelTransport struct {
	pc           *webrtc.PeerConnection
	thresholdFor func(string) uint64

	mu      sync.Mutex
	nextID  uint16
	handles map[string]*dcHandle
	log     *logrus.Entry
}

// NewDataChannelTransport wraps an already-signaled peer connection.
// thresholdFor may be nil, defaulting to ThresholdFor.
func NewDataChannelTransport(pc *webrtc.PeerConnection, thresholdFor func(string) uint64) *DataChannelTransport {
	if thresholdFor == nil {
		thresholdFor = ThresholdFor
	}
	return &DataChannelTransport{
		pc:           pc,
		thresholdFor: thresholdFor,
		handles:      make(map[string]*dcHandle),
		log:          logrus.WithField("transport", "datachannel"),
	}
}

// Bind creates the channel's negotiated data channel. The returned handle
// becomes ready once the channel-level open fires.
func (t *DataChannelTransport) Bind(ctx context.Context, channel string) (Handle, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	ordered := false
	negotiated := true
	dc, err := t.pc.CreateDataChannel(channel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, &Failure{Channel: channel, Err: err}
	}

	h := newDCHandle(channel, rtcLink{dc: dc}, t.thresholdFor(channel))

	t.mu.Lock()
	if old, ok := t.handles[channel]; ok {
		old.Close()
	}
	t.handles[channel] = h
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"channel": channel,
		"id":      id,
	}).Debug("data channel bound")
	return h, nil
}

// Close closes every handle and the peer connection.
func (t *DataChannelTransport) Close() error {
	t.mu.Lock()
	for _, h := range t.handles {
		h.Close()
	}
	t.handles = make(map[string]*dcHandle)
	t.mu.Unlock()
	return t.pc.Close()
}

// dcHandle is one channel's data-channel binding with send-side backpressure:
// under the threshold with no backlog a frame goes straight out; otherwise it
// joins a FIFO drained when the buffered-amount-low notification fires.
type dcHandle struct {
	channel   string
	link      dataLink
	threshold uint64
	machine   *fsm.FSM

	mu      sync.Mutex
	backlog [][]byte

	readyCh   chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
	log       *logrus.Entry
}

func newDCHandle(channel string, link dataLink, threshold uint64) *dcHandle {
	h := &dcHandle{
		channel:   channel,
		link:      link,
		threshold: threshold,
		machine:   newHandleFSM(),
		readyCh:   make(chan struct{}),
		log:       logrus.WithField("channel", channel),
	}

	// Drain the backlog when the transport buffer empties below a quarter of
	// the threshold.
	link.SetBufferedAmountLowThreshold(threshold / 4)
	link.OnBufferedAmountLow(h.drain)

	link.OnOpen(func() {
		h.openOnce.Do(func() {
			transition(h.machine, eventOpen)
			close(h.readyCh)
		})
	})
	link.OnClose(func() {
		transition(h.machine, eventClose)
	})
	link.OnError(func(err error) {
		h.log.WithError(err).Warn("data channel error")
		transition(h.machine, eventFail)
	})

	return h
}

func (h *dcHandle) Send(frame []byte) error {
	if h.machine.Current() != stateReady {
		return ErrChannelNotReady
	}

	h.mu.Lock()
	if len(h.backlog) == 0 && h.link.BufferedAmount() < h.threshold {
		h.mu.Unlock()
		if err := h.link.Send(frame); err != nil {
			transition(h.machine, eventFail)
			return &Failure{Channel: h.channel, Err: err}
		}
		util.Stats.AddSent(len(frame))
		return nil
	}

	// Backlog overflow drops the frame; it is not a connection failure.
	if len(h.backlog) >= maxBacklog {
		h.mu.Unlock()
		return ErrBacklogFull
	}
	h.backlog = append(h.backlog, frame)
	h.mu.Unlock()
	return nil
}

// drain flushes queued frames while the transport buffer stays under the
// threshold. Runs on the buffered-amount-low callback goroutine.
func (h *dcHandle) drain() {
	for {
		if h.machine.Current() != stateReady {
			return
		}

		h.mu.Lock()
		if len(h.backlog) == 0 || h.link.BufferedAmount() >= h.threshold {
			h.mu.Unlock()
			return
		}
		frame := h.backlog[0]
		h.backlog[0] = nil
		h.backlog = h.backlog[1:]
		h.mu.Unlock()

		if err := h.link.Send(frame); err != nil {
			h.log.WithError(err).Warn("backlog drain failed")
			transition(h.machine, eventFail)
			return
		}
		util.Stats.AddSent(len(frame))
	}
}

func (h *dcHandle) OnFrame(fn func([]byte)) {
	h.link.OnMessage(func(data []byte) {
		util.Stats.AddRecv(len(data))
		fn(data)
	})
}

func (h *dcHandle) Ready() <-chan struct{} {
	return h.readyCh
}

func (h *dcHandle) State() string {
	return h.machine.Current()
}

func (h *dcHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		transition(h.machine, eventClose)
		h.mu.Lock()
		h.backlog = nil
		h.mu.Unlock()
		err = h.link.Close()
	})
	return err
}

// Backlog returns the number of queued frames. Diagnostic only.
func (h *dcHandle) Backlog() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog)
}
