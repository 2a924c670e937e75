package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPeerConnection creates a PeerConnection configured with Google STUN
// servers. Channels must be bound on it (so the SCTP section is offered)
// before the exchange runs.
func NewPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// WaitConnected blocks until the PeerConnection reaches Connected, fails, or
// ctx expires.
func WaitConnected(ctx context.Context, pc *webrtc.PeerConnection) error {
	connected := make(chan struct{})
	failed := make(chan struct{})
	var connectedOnce, failedOnce sync.Once

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			failedOnce.Do(func() { close(failed) })
		}
	})

	// The state may already be Connected by the time the callback is set.
	if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return nil
	}

	select {
	case <-connected:
		return nil
	case <-failed:
		return fmt.Errorf("peer connection failed during negotiation")
	case <-ctx.Done():
		return ctx.Err()
	}
}
