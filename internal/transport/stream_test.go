package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeDialer(remotes chan<- net.Conn) StreamDialer {
	return func(_ context.Context, _ string) (net.Conn, error) {
		local, remote := net.Pipe()
		remotes <- remote
		return local, nil
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frames")
	require.NoError(t, WriteFrame(&buf, payload))

	// 4-byte big-endian length prefix.
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStreamEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxStreamFrameSize+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestStreamHandleSendAndReceive(t *testing.T) {
	remotes := make(chan net.Conn, 1)
	tr := NewStreamTransport(pipeDialer(remotes))
	defer tr.Close()

	h, err := tr.Bind(context.Background(), "control")
	require.NoError(t, err)
	remote := <-remotes

	// Ready immediately: the dial is the open negotiation.
	select {
	case <-h.Ready():
	default:
		t.Fatal("stream handle not ready after bind")
	}
	assert.Equal(t, stateReady, h.State())

	got := make(chan []byte, 1)
	h.OnFrame(func(data []byte) { got <- data })

	// Outbound.
	done := make(chan error, 1)
	go func() { done <- h.Send([]byte("outbound")) }()
	frame, err := ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, []byte("outbound"), frame)
	require.NoError(t, <-done)

	// Inbound.
	require.NoError(t, WriteFrame(remote, []byte("inbound")))
	select {
	case data := <-got:
		assert.Equal(t, []byte("inbound"), data)
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestStreamSendAfterPeerCloseFails(t *testing.T) {
	remotes := make(chan net.Conn, 1)
	tr := NewStreamTransport(pipeDialer(remotes))
	defer tr.Close()

	h, err := tr.Bind(context.Background(), "control")
	require.NoError(t, err)
	remote := <-remotes
	remote.Close()

	err = h.Send([]byte("frame"))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "control", failure.Channel)
	assert.Equal(t, stateFailed, h.State())

	// Failed is sticky.
	assert.ErrorIs(t, h.Send([]byte("again")), ErrChannelNotReady)
}

func TestStreamRebindClosesOldHandle(t *testing.T) {
	remotes := make(chan net.Conn, 2)
	tr := NewStreamTransport(pipeDialer(remotes))
	defer tr.Close()

	first, err := tr.Bind(context.Background(), "control")
	require.NoError(t, err)
	<-remotes

	second, err := tr.Bind(context.Background(), "control")
	require.NoError(t, err)
	<-remotes

	assert.Equal(t, stateClosing, first.State())
	assert.Equal(t, stateReady, second.State())
}
