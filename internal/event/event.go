// Package event defines the fixed set of notifications the transport core
// emits toward its embedder. A plain interface with one method per variant
// keeps the set closed and compiler-checked — there is no dynamic topic
// registry to mistype.
package event

import "time"

// Sink receives transport-core notifications. Implementations must not
// block: callbacks fire on the core's goroutines.
type Sink interface {
	// ConfigReady fires after a channel's config packet has been handed to
	// the transport and the channel starts accepting data frames.
	ConfigReady(channel string, blob []byte)

	// ChunkSent fires after a data frame left the multiplexer.
	ChunkSent(channel string, seq uint32)

	// SendError fires when a frame is dropped on the send path.
	SendError(channel string, err error)

	// Reconnecting fires once per backoff attempt, before the delay.
	Reconnecting(attempt uint32, delay time.Duration)

	// Reconnected fires when a reconnection attempt succeeds.
	Reconnected()

	// ReconnectFailed fires once when reconnection attempts are exhausted.
	// Terminal: the session needs an explicit restart.
	ReconnectFailed(err error)

	// ConnectionHealthChanged fires on every healthy/unhealthy edge seen by
	// the health monitor.
	ConnectionHealthChanged(healthy bool)

	// BufferOverflow fires when a jitter buffer evicts its oldest frame.
	BufferOverflow(stream string, dropped uint64)
}

// Nop is a Sink that discards every notification. Embed it to implement only
// the callbacks you care about.
type Nop struct{}

func (Nop) ConfigReady(string, []byte)         {}
func (Nop) ChunkSent(string, uint32)           {}
func (Nop) SendError(string, error)            {}
func (Nop) Reconnecting(uint32, time.Duration) {}
func (Nop) Reconnected()                       {}
func (Nop) ReconnectFailed(error)              {}
func (Nop) ConnectionHealthChanged(bool)       {}
func (Nop) BufferOverflow(string, uint64)      {}
