package session

import (
	"encoding/json"

	"github.com/meshrtc/medialink/internal/transport"
)

// OnControlEvent registers the handler invoked for every inbound control
// event. Must be set before Connect.
func (s *Session) OnControlEvent(fn func(evt ControlEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// controlState is the control loop's explicit state. The loop alternates
// between waiting for a frame and dispatching it, and transitions are
// observable through logs when debugging the handshake.
type controlState int

const (
	controlReading controlState = iota
	controlDispatching
)

func (cs controlState) String() string {
	if cs == controlReading {
		return "reading"
	}
	return "dispatching"
}

// startControlLoop consumes length-delimited JSON events from the control
// channel. The stream handle strips the length prefix, so each inbound
// frame is one complete JSON document. One loop runs for the session's
// lifetime; reconnection re-registers the callback on the fresh handle and
// feeds the same channel.
func (s *Session) startControlLoop(h transport.Handle) {
	h.OnFrame(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case s.controlFrames <- buf:
		case <-s.ctx.Done():
		}
	})

	s.controlOnce.Do(func() {
		go s.controlLoop(s.controlFrames)
	})
}

func (s *Session) controlLoop(frames <-chan []byte) {
	state := controlReading
	var pending []byte

	for {
		switch state {
		case controlReading:
			select {
			case data, ok := <-frames:
				if !ok {
					return
				}
				pending = data
				state = controlDispatching
			case <-s.ctx.Done():
				return
			}

		case controlDispatching:
			s.dispatchControl(pending)
			pending = nil
			state = controlReading
		}
	}
}

// dispatchControl decodes and routes one control event. Decode failures
// drop the message; a peer speaking garbage must not kill the loop.
func (s *Session) dispatchControl(data []byte) {
	var evt ControlEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.log.WithError(err).Debug("dropping malformed control event")
		return
	}

	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}
