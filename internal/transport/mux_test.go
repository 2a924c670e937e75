package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamMux(t *testing.T) (*Multiplexer, chan net.Conn) {
	t.Helper()
	remotes := make(chan net.Conn, 8)
	m := NewMultiplexer()
	m.Register(KindStream, NewStreamTransport(pipeDialer(remotes)))
	t.Cleanup(func() { m.Close() })
	return m, remotes
}

func TestMuxSendUnboundChannelFailsFast(t *testing.T) {
	m, _ := newStreamMux(t)
	err := m.Send("ghost", []byte("frame"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

func TestMuxBindUnknownKind(t *testing.T) {
	m := NewMultiplexer()
	_, err := m.Bind(context.Background(), "video", KindDataChannel)
	assert.Error(t, err)
}

func TestMuxSendRoutesToBoundChannel(t *testing.T) {
	m, remotes := newStreamMux(t)

	_, err := m.Bind(context.Background(), "control", KindStream)
	require.NoError(t, err)
	remote := <-remotes

	done := make(chan error, 1)
	go func() { done <- m.Send("control", []byte("routed")) }()
	frame, err := ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, []byte("routed"), frame)
	require.NoError(t, <-done)
}

func TestMuxRebindReplacesHandle(t *testing.T) {
	m, remotes := newStreamMux(t)

	first, err := m.Bind(context.Background(), "control", KindStream)
	require.NoError(t, err)
	<-remotes

	second, err := m.Rebind(context.Background(), "control")
	require.NoError(t, err)
	<-remotes

	assert.Equal(t, stateClosing, first.State())
	assert.Equal(t, stateReady, second.State())

	h, ok := m.Handle("control")
	require.True(t, ok)
	assert.Same(t, second, h)
}

func TestMuxRebindNeverBound(t *testing.T) {
	m, _ := newStreamMux(t)
	_, err := m.Rebind(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestMuxUnbind(t *testing.T) {
	m, remotes := newStreamMux(t)

	h, err := m.Bind(context.Background(), "video", KindStream)
	require.NoError(t, err)
	<-remotes

	m.Unbind("video")
	assert.Equal(t, stateClosing, h.State())
	assert.ErrorIs(t, m.Send("video", []byte("frame")), ErrChannelNotReady)
	assert.NotContains(t, m.Channels(), "video")
}
