// Package channel tracks per-channel transport state: the monotonic sequence
// counter, the config handshake flag, and readiness. A Registry owns the
// channel table; every mutation is atomic per channel.
package channel

import (
	"fmt"
	"sync"
)

// ReadyState is the lifecycle state of a channel.
type ReadyState int

const (
	StatePending ReadyState = iota // opened, transport handshake not finished
	StateReady                     // transport bound and open
	StateClosed                    // torn down, terminal
)

func (s ReadyState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is one named logical flow (camera-720p, microphone, control, …).
//
// The sequence counter survives reconnection: Reopen and ResetConfig clear
// the config handshake but never the counter, so sequence numbers are never
// reused on the same channel.
type Channel struct {
	Name string

	seq SeqGen

	mu         sync.Mutex
	state      ReadyState
	configSent bool
	configBlob []byte
	epoch      uint32        // bumped each time the transport handle is replaced
	readyCh    chan struct{} // closed when state becomes Ready
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		state:   StatePending,
		readyCh: make(chan struct{}),
	}
}

// NextSequence returns the channel's next sequence number.
func (c *Channel) NextSequence() uint32 {
	return c.seq.Next()
}

// State returns the current ready state.
func (c *Channel) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the current transport-handle generation. Reconnection bumps
// it so stale in-flight sends can detect the handle swap.
func (c *Channel) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// ConfigSent reports whether the config handshake has completed for the
// current transport handle.
func (c *Channel) ConfigSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSent
}

// LastConfig returns the last config blob sent on this channel, if any.
func (c *Channel) LastConfig() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configBlob == nil {
		return nil, false
	}
	return c.configBlob, true
}

// markConfigSent records a completed config handshake.
func (c *Channel) markConfigSent(blob []byte) {
	c.mu.Lock()
	c.configSent = true
	c.configBlob = blob
	c.mu.Unlock()
}

// markReady transitions Pending → Ready and unblocks waiters. A no-op for
// Ready and Closed channels.
func (c *Channel) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return
	}
	c.state = StateReady
	close(c.readyCh)
}

// resetConfig clears the config handshake. Used when the transport handle is
// replaced in place (remote session kept alive across the reconnect).
func (c *Channel) resetConfig() {
	c.mu.Lock()
	c.configSent = false
	c.epoch++
	c.mu.Unlock()
}

// reopen resets the channel for a brand-new transport handle: Pending state,
// fresh ready gate, cleared config. The sequence counter is preserved.
func (c *Channel) reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StatePending
	c.configSent = false
	c.epoch++
	c.readyCh = make(chan struct{})
}

// closeChannel marks the channel Closed. The transition happens before any
// transport handle is released, so in-flight senders observe Closed and
// abort instead of racing a half-closed handle.
func (c *Channel) closeChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.state == StatePending {
		close(c.readyCh) // unblock waiters; they re-check the state
	}
	c.state = StateClosed
}

// readyGate returns the channel's current ready gate. Waiters must re-check
// State after the gate closes, since Close also releases it.
func (c *Channel) readyGate() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCh
}
