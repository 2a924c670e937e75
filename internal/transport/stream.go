package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/util"
)

// MaxStreamFrameSize bounds a single length-prefixed frame. Anything larger
// is treated as a corrupt stream.
const MaxStreamFrameSize = 16 * 1024 * 1024

// lengthPrefixSize is the 4-byte big-endian frame length header.
const lengthPrefixSize = 4

// StreamDialer opens one bidirectional byte stream for a channel.
type StreamDialer func(ctx context.Context, channel string) (net.Conn, error)

// TCPDialer returns a StreamDialer that dials addr once per channel.
func TCPDialer(addr string) StreamDialer {
	return func(ctx context.Context, channel string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial stream for %s: %w", channel, err)
		}
		return conn, nil
	}
}

// StreamTransport is the reliable ordered transport. Each bound channel owns
// one dialed connection; frames are written with a 4-byte big-endian length
// prefix and backpressure is transport-native — the write blocks the calling
// channel (and only it) until buffer space frees up.
type StreamTransport struct {
	dial StreamDialer

	mu      sync.Mutex
	handles map[string]*streamHandle
	log     *logrus.Entry
}

// NewStreamTransport creates a stream transport using dial for channel binds.
func NewStreamTransport(dial StreamDialer) *StreamTransport {
	return &StreamTransport{
		dial:    dial,
		handles: make(map[string]*streamHandle),
		log:     logrus.WithField("transport", "stream"),
	}
}

// Bind dials the channel's stream. The handle is ready as soon as the dial
// returns — the connection handshake is the open negotiation.
func (t *StreamTransport) Bind(ctx context.Context, channel string) (Handle, error) {
	conn, err := t.dial(ctx, channel)
	if err != nil {
		return nil, &Failure{Channel: channel, Err: err}
	}

	h := newStreamHandle(channel, conn)

	t.mu.Lock()
	if old, ok := t.handles[channel]; ok {
		old.Close() // reconnection replaced the handle
	}
	t.handles[channel] = h
	t.mu.Unlock()

	t.log.WithField("channel", channel).Debug("stream bound")
	return h, nil
}

// Close closes every bound handle.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		h.Close()
	}
	t.handles = make(map[string]*streamHandle)
	return nil
}

// streamHandle is one channel's stream binding. Writes are serialized with a
// mutex so length prefix and payload never interleave across callers.
type streamHandle struct {
	channel string
	conn    net.Conn
	machine *fsm.FSM

	writeMu sync.Mutex
	readyCh chan struct{}

	closeOnce sync.Once
}

func newStreamHandle(channel string, conn net.Conn) *streamHandle {
	h := &streamHandle{
		channel: channel,
		conn:    conn,
		machine: newHandleFSM(),
		readyCh: make(chan struct{}),
	}
	// Stream open is synchronous — the dial already completed.
	transition(h.machine, eventOpen)
	close(h.readyCh)
	return h
}

func (h *streamHandle) Send(frame []byte) error {
	if h.machine.Current() != stateReady {
		return ErrChannelNotReady
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := WriteFrame(h.conn, frame); err != nil {
		transition(h.machine, eventFail)
		return &Failure{Channel: h.channel, Err: err}
	}
	util.Stats.AddSent(lengthPrefixSize + len(frame))
	return nil
}

func (h *streamHandle) OnFrame(fn func([]byte)) {
	go func() {
		for {
			frame, err := ReadFrame(h.conn)
			if err != nil {
				transition(h.machine, eventFail)
				return
			}
			util.Stats.AddRecv(lengthPrefixSize + len(frame))
			fn(frame)
		}
	}()
}

func (h *streamHandle) Ready() <-chan struct{} {
	return h.readyCh
}

func (h *streamHandle) State() string {
	return h.machine.Current()
}

func (h *streamHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		// Mark closing before releasing the conn so in-flight Sends abort.
		transition(h.machine, eventClose)
		err = h.conn.Close()
	})
	return err
}

// WriteFrame writes one length-prefixed frame: length(4, BE) + payload.
func WriteFrame(w io.Writer, frame []byte) error {
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(frame) == 0 {
		return nil
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame. Oversized lengths are treated
// as a corrupt stream and returned as an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxStreamFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", n, MaxStreamFrameSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
