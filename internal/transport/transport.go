// Package transport binds channels to one of the two wire transports — the
// reliable ordered byte-stream transport or the negotiated WebRTC data
// channel — and unifies them behind one send contract. The two have
// fundamentally different flow-control primitives (blocking writes vs.
// polled bufferedAmount); the Handle interface hides that split.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Kind selects which wire transport a channel is bound to.
type Kind int

const (
	// KindStream is the reliable ordered byte-stream transport: one dialed
	// connection per channel, length-prefixed frames, backpressure through
	// the blocking write.
	KindStream Kind = iota

	// KindDataChannel is the negotiated WebRTC data channel transport:
	// unordered, explicit bufferedAmount backpressure, send-side FIFO.
	KindDataChannel
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDataChannel:
		return "datachannel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrChannelNotReady is returned by Send when the channel's handle is not in
// the ready state. Data callers drop the frame; they must not queue.
var ErrChannelNotReady = errors.New("transport: channel not ready")

// ErrBacklogFull is returned when a channel's send FIFO is at capacity.
var ErrBacklogFull = errors.New("transport: send backlog full")

// Failure is a per-connection transport error. It never triggers a retry at
// the channel level — escalation to the reconnection controller is the
// session's job.
type Failure struct {
	Channel string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", f.Channel, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Handle is one channel's binding to a transport.
type Handle interface {
	// Send writes one frame. It returns ErrChannelNotReady before the
	// transport-level open completes or after failure, and *Failure on a
	// wire error.
	Send(frame []byte) error

	// OnFrame registers the inbound frame callback.
	OnFrame(fn func([]byte))

	// Ready is closed once the transport-level open/negotiation completes.
	Ready() <-chan struct{}

	// State returns the handle lifecycle state (opening, ready, closing,
	// failed).
	State() string

	Close() error
}

// Transport produces Handles for channels.
type Transport interface {
	Bind(ctx context.Context, channel string) (Handle, error)
	Close() error
}

// Handle lifecycle states. Ready is entered only after the transport-level
// open completes; failed is terminal for the handle.
const (
	stateOpening = "opening"
	stateReady   = "ready"
	stateClosing = "closing"
	stateFailed  = "failed"
)

// Handle FSM events.
const (
	eventOpen  = "open"
	eventClose = "close"
	eventFail  = "fail"
)

// newHandleFSM builds the per-channel lifecycle machine.
func newHandleFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateOpening,
		fsm.Events{
			{Name: eventOpen, Src: []string{stateOpening}, Dst: stateReady},
			{Name: eventClose, Src: []string{stateOpening, stateReady}, Dst: stateClosing},
			{Name: eventFail, Src: []string{stateOpening, stateReady}, Dst: stateFailed},
		}, nil,
	)
}

// transition fires an FSM event, swallowing invalid-transition errors — a
// handle that already failed or closed stays where it is.
func transition(m *fsm.FSM, event string) {
	_ = m.Event(context.Background(), event)
}
