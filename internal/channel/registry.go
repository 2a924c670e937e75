package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/event"
)

// TimeoutError is returned by WaitForReady on expiry.
type TimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel %s: not ready after %s", e.Channel, e.Timeout)
}

// ErrUnknownChannel is returned for operations on channels never opened.
type ErrUnknownChannel struct {
	Channel string
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("channel %s: not open", e.Channel)
}

// ErrClosed is returned for operations on closed channels.
type ErrClosed struct {
	Channel string
}

func (e *ErrClosed) Error() string {
	return fmt.Sprintf("channel %s: closed", e.Channel)
}

// ConfigTransmit writes a config packet for the channel to the wire. The
// Registry does not know about codecs or transports; the session injects
// this function.
type ConfigTransmit func(ch *Channel, blob []byte) error

// Registry owns the channel table. The map and every per-channel counter are
// mutated from multiple call sites (capture pipeline, reconnection,
// teardown), so the table is mutex-guarded and channel state is atomic per
// channel.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel

	transmit ConfigTransmit
	sink     event.Sink
	log      *logrus.Entry
}

// NewRegistry creates an empty registry. transmit is invoked by SendConfig to
// put config packets on the wire; sink receives ConfigReady notifications.
func NewRegistry(transmit ConfigTransmit, sink event.Sink) *Registry {
	if sink == nil {
		sink = event.Nop{}
	}
	return &Registry{
		channels: make(map[string]*Channel),
		transmit: transmit,
		sink:     sink,
		log:      logrus.WithField("component", "channel-registry"),
	}
}

// Open returns the channel with the given name, creating it in Pending state
// if needed. Reopening a closed name is an error — closed channels keep their
// terminal state until the session tears the registry down.
func (r *Registry) Open(name string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		if ch.State() == StateClosed {
			return nil, &ErrClosed{Channel: name}
		}
		return ch, nil
	}

	ch := newChannel(name)
	r.channels[name] = ch
	r.log.WithField("channel", name).Debug("channel opened")
	return ch, nil
}

// Get looks up an open channel.
func (r *Registry) Get(name string) (*Channel, error) {
	r.mu.Lock()
	ch, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrUnknownChannel{Channel: name}
	}
	return ch, nil
}

// MarkReady transitions a channel to Ready, unblocking WaitForReady callers.
func (r *Registry) MarkReady(name string) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	ch.markReady()
	return nil
}

// NextSequence returns the channel's next sequence number. Values are
// strictly increasing until wraparound at 2^32 and are independent across
// channels. Reconnection does not reset the counter.
func (r *Registry) NextSequence(name string) (uint32, error) {
	ch, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	return ch.NextSequence(), nil
}

// IsConfigSent reports whether the channel's config handshake completed.
func (r *Registry) IsConfigSent(name string) bool {
	ch, err := r.Get(name)
	if err != nil {
		return false
	}
	return ch.ConfigSent()
}

// SendConfig transmits the channel's config blob, marks the handshake done
// and emits ConfigReady. Until this succeeds, data frames on the channel are
// dropped.
func (r *Registry) SendConfig(name string, blob []byte) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	if ch.State() == StateClosed {
		return &ErrClosed{Channel: name}
	}
	if err := r.transmit(ch, blob); err != nil {
		return fmt.Errorf("send config on %s: %w", name, err)
	}
	ch.markConfigSent(blob)
	r.log.WithFields(logrus.Fields{
		"channel": name,
		"bytes":   len(blob),
	}).Debug("config sent")
	r.sink.ConfigReady(name, blob)
	return nil
}

// WaitForReady blocks until the channel is Ready, the timeout expires, or
// ctx is cancelled.
func (r *Registry) WaitForReady(ctx context.Context, name string, timeout time.Duration) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		switch ch.State() {
		case StateReady:
			return nil
		case StateClosed:
			return &ErrClosed{Channel: name}
		}

		select {
		case <-ch.readyGate():
			// State changed; loop re-checks whether it is Ready or Closed.
		case <-timer.C:
			return &TimeoutError{Channel: name, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ResetConfig clears the config handshake after an in-place transport handle
// swap. The sequence counter is untouched.
func (r *Registry) ResetConfig(name string) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	ch.resetConfig()
	return nil
}

// Reopen resets a channel for a brand-new transport handle: Pending state,
// cleared config, preserved sequence counter.
func (r *Registry) Reopen(name string) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	ch.reopen()
	r.log.WithField("channel", name).Debug("channel reopened")
	return nil
}

// Close marks the channel Closed. The entry stays in the table so late
// lookups see the terminal state instead of recreating the channel.
func (r *Registry) Close(name string) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	ch.closeChannel()
	return nil
}

// CloseAll closes every channel. Used on session teardown; safe to call
// multiple times.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.closeChannel()
	}
}

// Range calls fn for every non-closed channel. Reconnection uses this to
// rebind handles and replay configs.
func (r *Registry) Range(fn func(ch *Channel)) {
	r.mu.Lock()
	snapshot := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		snapshot = append(snapshot, ch)
	}
	r.mu.Unlock()

	for _, ch := range snapshot {
		if ch.State() != StateClosed {
			fn(ch)
		}
	}
}
