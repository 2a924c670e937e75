// Package jitter smooths bursty frame arrival into a steady output cadence.
// Frames are queued on arrival and emitted one per scheduler tick; the tick
// interval adapts to the backlog so bursts drain quickly without unbounded
// latency growth. Worst-case buffering delay is bounded by maxDepth frames.
package jitter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/event"
)

// fastDrainInterval is the tick used while the backlog exceeds twice the
// target depth.
const fastDrainInterval = 5 * time.Millisecond

// Frame is one decoded output frame queued for playback.
type Frame struct {
	Data        []byte
	TimestampMs uint32
	Seq         uint32
}

// Buffer is a receive-side adaptive-rate playback scheduler for one stream.
// Push appends frames as they arrive; a scheduler emits at most one frame
// per tick through the output callback.
type Buffer struct {
	stream string
	emit   func(Frame)
	sink   event.Sink
	log    *logrus.Entry

	mu           sync.Mutex
	frames       []Frame
	tickInterval time.Duration
	targetDepth  int
	maxDepth     int
	dropped      uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New creates a buffer for a stream. emit receives frames on the scheduler
// goroutine; sink may be nil.
func New(stream string, emit func(Frame), sink event.Sink) *Buffer {
	if sink == nil {
		sink = event.Nop{}
	}
	b := &Buffer{
		stream: stream,
		emit:   emit,
		sink:   sink,
		log:    logrus.WithField("stream", stream),
		stopCh: make(chan struct{}),
	}
	b.Configure(30)
	return b
}

// Configure derives the scheduler parameters from the stream's target frame
// rate: tick = round(1000/fps) ms, targetDepth = max(2, ceil(fps·0.15)),
// maxDepth = fps.
func (b *Buffer) Configure(targetFps int) {
	if targetFps <= 0 {
		targetFps = 30
	}
	b.mu.Lock()
	b.tickInterval = time.Duration((1000.0/float64(targetFps))+0.5) * time.Millisecond
	b.targetDepth = (targetFps*15 + 99) / 100
	if b.targetDepth < 2 {
		b.targetDepth = 2
	}
	b.maxDepth = targetFps
	b.mu.Unlock()
}

// Push appends a frame. Once the depth exceeds maxDepth the oldest frame is
// dropped (newest is kept) and an overflow signal is raised.
func (b *Buffer) Push(f Frame) {
	var overflowed uint64
	b.mu.Lock()
	b.frames = append(b.frames, f)
	if len(b.frames) > b.maxDepth {
		b.frames[0] = Frame{}
		b.frames = b.frames[1:]
		b.dropped++
		overflowed = b.dropped
	}
	b.mu.Unlock()

	if overflowed > 0 {
		b.log.WithField("dropped", overflowed).Debug("buffer overflow")
		b.sink.BufferOverflow(b.stream, overflowed)
	}
}

// Len returns the current backlog depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped returns the cumulative overflow-drop count.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start launches the scheduler goroutine. Subsequent calls are no-ops.
func (b *Buffer) Start() {
	b.startOnce.Do(func() {
		go b.loop()
	})
}

// Stop halts the scheduler. Idempotent: teardown paths call it from
// multiple cleanup routines.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// loop fires a tick, emits at most one frame, and schedules the next tick
// based on the remaining backlog.
func (b *Buffer) loop() {
	timer := time.NewTimer(b.currentTick())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			b.Tick()
			timer.Reset(b.nextDelay())
		case <-b.stopCh:
			return
		}
	}
}

// Tick pops and emits exactly one frame if the buffer is non-empty. On an
// empty buffer it emits nothing — no duplicate-frame insertion.
func (b *Buffer) Tick() {
	b.mu.Lock()
	if len(b.frames) == 0 {
		b.mu.Unlock()
		return
	}
	f := b.frames[0]
	b.frames[0] = Frame{}
	b.frames = b.frames[1:]
	b.mu.Unlock()

	b.emit(f)
}

func (b *Buffer) currentTick() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tickInterval
}

// nextDelay picks the next tick interval from the backlog: deep backlogs
// drain at 5 ms, moderate ones at half rate, otherwise the normal cadence.
func (b *Buffer) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	backlog := len(b.frames)
	switch {
	case backlog > 2*b.targetDepth:
		return fastDrainInterval
	case backlog > b.targetDepth:
		half := b.tickInterval / 2
		if half < fastDrainInterval {
			half = fastDrainInterval
		}
		return half
	default:
		return b.tickInterval
	}
}
