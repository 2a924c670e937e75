package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Multiplexer maps channels onto their transport handles. It owns the
// channel → (kind, handle) table; the session asks it to bind, send, and
// rebind after reconnection.
type Multiplexer struct {
	mu         sync.Mutex
	transports map[Kind]Transport
	handles    map[string]Handle
	kinds      map[string]Kind
	log        *logrus.Entry
}

// NewMultiplexer creates a multiplexer with no transports registered.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		transports: make(map[Kind]Transport),
		handles:    make(map[string]Handle),
		kinds:      make(map[string]Kind),
		log:        logrus.WithField("component", "mux"),
	}
}

// Register installs the transport backing a Kind. Reconnection re-registers
// the fresh transport under the same Kind before rebinding channels.
func (m *Multiplexer) Register(kind Kind, tr Transport) {
	m.mu.Lock()
	m.transports[kind] = tr
	m.mu.Unlock()
}

// Bind binds a channel to the transport of the given kind and records the
// association for later rebinds.
func (m *Multiplexer) Bind(ctx context.Context, channel string, kind Kind) (Handle, error) {
	m.mu.Lock()
	tr, ok := m.transports[kind]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mux: no transport registered for %s", kind)
	}

	h, err := tr.Bind(ctx, channel)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[channel] = h
	m.kinds[channel] = kind
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"channel": channel,
		"kind":    kind.String(),
	}).Debug("channel bound")
	return h, nil
}

// Rebind re-binds a channel to a fresh handle on its recorded kind. The old
// handle is closed first so in-flight sends fail fast instead of racing it.
func (m *Multiplexer) Rebind(ctx context.Context, channel string) (Handle, error) {
	m.mu.Lock()
	kind, ok := m.kinds[channel]
	old := m.handles[channel]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mux: channel %s never bound", channel)
	}
	if old != nil {
		old.Close()
	}
	return m.Bind(ctx, channel, kind)
}

// Send writes a frame on the channel's handle. Unbound or non-ready channels
// fail fast with ErrChannelNotReady; the caller drops the frame.
func (m *Multiplexer) Send(channel string, frame []byte) error {
	m.mu.Lock()
	h, ok := m.handles[channel]
	m.mu.Unlock()
	if !ok {
		return ErrChannelNotReady
	}
	return h.Send(frame)
}

// Handle returns the channel's current handle.
func (m *Multiplexer) Handle(channel string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[channel]
	return h, ok
}

// Channels returns the names of all bound channels.
func (m *Multiplexer) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	return names
}

// Unbind closes and forgets a channel's handle.
func (m *Multiplexer) Unbind(channel string) {
	m.mu.Lock()
	h, ok := m.handles[channel]
	delete(m.handles, channel)
	delete(m.kinds, channel)
	m.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Close closes every handle and every registered transport.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	handles := m.handles
	transports := m.transports
	m.handles = make(map[string]Handle)
	m.kinds = make(map[string]Kind)
	m.transports = make(map[Kind]Transport)
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	var firstErr error
	for _, tr := range transports {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
