package jitter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/medialink/internal/event"
)

type overflowSink struct {
	event.Nop
	mu      sync.Mutex
	signals int
}

func (s *overflowSink) BufferOverflow(string, uint64) {
	s.mu.Lock()
	s.signals++
	s.mu.Unlock()
}

func TestConfigureDerivesParameters(t *testing.T) {
	b := New("camera-720p", func(Frame) {}, nil)

	b.Configure(20)
	assert.Equal(t, 50*time.Millisecond, b.tickInterval)
	assert.Equal(t, 3, b.targetDepth)
	assert.Equal(t, 20, b.maxDepth)

	b.Configure(30)
	assert.Equal(t, 33*time.Millisecond, b.tickInterval)
	assert.Equal(t, 5, b.targetDepth)
	assert.Equal(t, 30, b.maxDepth)

	// Low frame rates still keep a minimum target depth of 2.
	b.Configure(10)
	assert.Equal(t, 100*time.Millisecond, b.tickInterval)
	assert.Equal(t, 2, b.targetDepth)
}

// TestBurstAbsorption is the camera-720p burst scenario: 15 frames pushed at
// once with targetFps=20, one tick emits exactly one frame, and the deep
// backlog forces the 5 ms fast-drain interval.
func TestBurstAbsorption(t *testing.T) {
	var mu sync.Mutex
	var emitted []Frame

	b := New("camera-720p", func(f Frame) {
		mu.Lock()
		emitted = append(emitted, f)
		mu.Unlock()
	}, nil)
	b.Configure(20)

	for i := 0; i < 15; i++ {
		b.Push(Frame{TimestampMs: uint32(i)})
	}
	require.Equal(t, 15, b.Len())

	b.Tick()

	mu.Lock()
	require.Len(t, emitted, 1)
	assert.Equal(t, uint32(0), emitted[0].TimestampMs, "frames emit in arrival order")
	mu.Unlock()
	assert.Equal(t, 14, b.Len())

	// Backlog 14 > 2×targetDepth(3) → fast drain.
	assert.Equal(t, 5*time.Millisecond, b.nextDelay())
}

func TestAdaptiveDelayTiers(t *testing.T) {
	b := New("camera-720p", func(Frame) {}, nil)
	b.Configure(20) // tick 50ms, target 3

	// Empty and shallow backlogs run at the normal cadence.
	assert.Equal(t, 50*time.Millisecond, b.nextDelay())
	for i := 0; i < 3; i++ {
		b.Push(Frame{})
	}
	assert.Equal(t, 50*time.Millisecond, b.nextDelay())

	// Backlog just above target halves the interval.
	b.Push(Frame{})
	assert.Equal(t, 25*time.Millisecond, b.nextDelay())

	// Beyond twice the target, fast drain.
	for i := 0; i < 3; i++ {
		b.Push(Frame{})
	}
	assert.Equal(t, 5*time.Millisecond, b.nextDelay())
}

func TestOverflowDropsOldest(t *testing.T) {
	sink := &overflowSink{}
	b := New("microphone", func(Frame) {}, sink)
	b.Configure(10) // maxDepth 10

	for i := 0; i < 12; i++ {
		b.Push(Frame{TimestampMs: uint32(i)})
	}

	assert.Equal(t, 10, b.Len(), "depth never exceeds maxDepth")
	assert.Equal(t, uint64(2), b.Dropped())

	sink.mu.Lock()
	assert.Equal(t, 2, sink.signals)
	sink.mu.Unlock()

	// The survivors are the newest frames; the head is now frame 2.
	b.Tick()
	require.Equal(t, 9, b.Len())
	b.mu.Lock()
	assert.Equal(t, uint32(3), b.frames[0].TimestampMs)
	b.mu.Unlock()
}

func TestEmptyTickEmitsNothing(t *testing.T) {
	count := 0
	b := New("camera-360p", func(Frame) { count++ }, nil)
	b.Tick()
	b.Tick()
	assert.Zero(t, count)
}

func TestSchedulerDrainsSteadily(t *testing.T) {
	var mu sync.Mutex
	var emitted int

	b := New("camera-360p", func(Frame) {
		mu.Lock()
		emitted++
		mu.Unlock()
	}, nil)
	b.Configure(100) // 10ms tick keeps the test fast

	for i := 0; i < 5; i++ {
		b.Push(Frame{})
	}
	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return emitted == 5
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	b := New("screen-video", func(Frame) {}, nil)
	b.Start()
	b.Stop()
	b.Stop() // second call must be a no-op
}
