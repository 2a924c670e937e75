package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink simulates a data channel's buffered-amount behavior so the
// queueing logic runs without a peer connection.
type fakeLink struct {
	mu        sync.Mutex
	sent      [][]byte
	buffered  uint64
	lowThresh uint64
	onLow     func()
	sendErr   error

	onOpen  func()
	onClose func()
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, data)
	l.buffered += uint64(len(data))
	return nil
}

func (l *fakeLink) BufferedAmount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffered
}

func (l *fakeLink) SetBufferedAmountLowThreshold(th uint64) { l.lowThresh = th }
func (l *fakeLink) OnBufferedAmountLow(fn func())           { l.onLow = fn }
func (l *fakeLink) OnOpen(fn func())                        { l.onOpen = fn }
func (l *fakeLink) OnClose(fn func())                       { l.onClose = fn }
func (l *fakeLink) OnError(func(error))                     {}
func (l *fakeLink) OnMessage(func([]byte))                  {}
func (l *fakeLink) Close() error                            { return nil }

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// flush simulates the transport draining its buffer and firing the
// buffered-amount-low callback.
func (l *fakeLink) flush() {
	l.mu.Lock()
	l.buffered = 0
	fn := l.onLow
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func newOpenHandle(t *testing.T, link *fakeLink, threshold uint64) *dcHandle {
	t.Helper()
	h := newDCHandle("video", link, threshold)
	require.NotNil(t, link.onOpen)
	link.onOpen()
	select {
	case <-h.Ready():
	default:
		t.Fatal("handle not ready after open")
	}
	return h
}

func TestDCSendDirectUnderThreshold(t *testing.T) {
	link := &fakeLink{}
	h := newOpenHandle(t, link, 1000)

	require.NoError(t, h.Send([]byte("frame")))
	assert.Equal(t, 1, link.sentCount())
	assert.Equal(t, 0, h.Backlog())
}

func TestDCSendQueuesAboveThreshold(t *testing.T) {
	link := &fakeLink{buffered: 2000}
	h := newOpenHandle(t, link, 1000)

	require.NoError(t, h.Send([]byte("a")))
	require.NoError(t, h.Send([]byte("b")))
	assert.Equal(t, 0, link.sentCount())
	assert.Equal(t, 2, h.Backlog())

	link.flush()
	assert.Equal(t, 2, link.sentCount())
	assert.Equal(t, 0, h.Backlog())
}

func TestDCBacklogOrderPreserved(t *testing.T) {
	link := &fakeLink{buffered: 2000}
	h := newOpenHandle(t, link, 1000)

	require.NoError(t, h.Send([]byte("first")))
	require.NoError(t, h.Send([]byte("second")))
	require.NoError(t, h.Send([]byte("third")))

	link.flush()
	link.mu.Lock()
	defer link.mu.Unlock()
	require.Len(t, link.sent, 3)
	assert.Equal(t, []byte("first"), link.sent[0])
	assert.Equal(t, []byte("second"), link.sent[1])
	assert.Equal(t, []byte("third"), link.sent[2])
}

func TestDCBacklogFull(t *testing.T) {
	link := &fakeLink{buffered: 2000}
	h := newOpenHandle(t, link, 1000)

	for i := 0; i < maxBacklog; i++ {
		require.NoError(t, h.Send([]byte{byte(i)}))
	}
	err := h.Send([]byte("overflow"))
	assert.ErrorIs(t, err, ErrBacklogFull)
	assert.Equal(t, maxBacklog, h.Backlog())
}

func TestDCSendBeforeOpenNotReady(t *testing.T) {
	link := &fakeLink{}
	h := newDCHandle("video", link, 1000)

	err := h.Send([]byte("early"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

func TestDCSendAfterCloseNotReady(t *testing.T) {
	link := &fakeLink{}
	h := newOpenHandle(t, link, 1000)

	require.NoError(t, h.Close())
	err := h.Send([]byte("late"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
	assert.Equal(t, stateClosing, h.State())
}

func TestDCSendErrorFailsHandle(t *testing.T) {
	link := &fakeLink{sendErr: assert.AnError}
	h := newOpenHandle(t, link, 1000)

	err := h.Send([]byte("frame"))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "video", failure.Channel)
	assert.Equal(t, stateFailed, h.State())
}

func TestThresholdFor(t *testing.T) {
	assert.Equal(t, uint64(ThresholdAudio), ThresholdFor("audio-main"))
	assert.Equal(t, uint64(ThresholdAudio), ThresholdFor("microphone"))
	assert.Equal(t, uint64(ThresholdHigh), ThresholdFor("camera-720p"))
	assert.Equal(t, uint64(ThresholdHigh), ThresholdFor("screen-share"))
	assert.Equal(t, uint64(ThresholdHigh), ThresholdFor("livestream"))
	assert.Equal(t, uint64(ThresholdDefault), ThresholdFor("thumbnail"))
}

func TestDCDrainThresholdIsQuarter(t *testing.T) {
	link := &fakeLink{}
	newOpenHandle(t, link, 1024)
	assert.Equal(t, uint64(256), link.lowThresh)
}
