package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "signaling")

// exchanger serializes outgoing signaling messages and applies inbound ones
// to the PeerConnection.
type exchanger struct {
	pc   *webrtc.PeerConnection
	conn *websocket.Conn
	mu   sync.Mutex
}

func (e *exchanger) send(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(msg)
}

func (e *exchanger) sendOffer() error {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return e.send(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

func (e *exchanger) sendAnswer() error {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return e.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// trickle registers the ICE candidate callback, forwarding each candidate as
// it is gathered. Best-effort: a lost candidate degrades connectivity, not
// correctness.
func (e *exchanger) trickle() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := e.send(Message{Type: MsgTypeCandidate, Candidate: string(data)}); err != nil {
			log.WithError(err).Debug("candidate send failed")
		}
	})
}

// watch reads signaling messages until the socket closes, applying remote
// descriptions and candidates.
func (e *exchanger) watch() error {
	for {
		var msg Message
		if err := e.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := e.sendAnswer(); err != nil {
				return err
			}

		case MsgTypeAnswer:
			if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := e.pc.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}

// HostExchange drives the host side of the negotiation: send the offer,
// apply the answer and candidates, return once the PeerConnection connects.
func HostExchange(ctx context.Context, conn *websocket.Conn, pc *webrtc.PeerConnection) error {
	e := &exchanger{pc: pc, conn: conn}
	e.trickle()

	errCh := make(chan error, 1)
	go func() { errCh <- e.watch() }()

	if err := e.sendOffer(); err != nil {
		return err
	}
	return await(ctx, pc, errCh)
}

// ClientExchange drives the client side: apply the host's offer, answer it,
// return once the PeerConnection connects.
func ClientExchange(ctx context.Context, conn *websocket.Conn, pc *webrtc.PeerConnection) error {
	e := &exchanger{pc: pc, conn: conn}
	e.trickle()

	errCh := make(chan error, 1)
	go func() { errCh <- e.watch() }()

	return await(ctx, pc, errCh)
}

func await(ctx context.Context, pc *webrtc.PeerConnection, errCh <-chan error) error {
	done := make(chan error, 1)
	go func() { done <- WaitConnected(ctx, pc) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		log.Debug("peer connection established, signaling socket can close")
		return nil
	case err := <-errCh:
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
