// Medialink — CLI entry point.
//
// This tool runs a demo conference link between two peers over a WebRTC
// DataChannel: the host streams a synthetic video source, the client plays
// it back through the jitter buffer and reports what it receives. Signaling
// uses a PIN-gated WebSocket exchange.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -fps, -wsPort, -wsUrl).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/meshrtc/medialink/internal/jitter"
	"github.com/meshrtc/medialink/internal/protocol"
	"github.com/meshrtc/medialink/internal/session"
	"github.com/meshrtc/medialink/internal/signaling"
	"github.com/meshrtc/medialink/internal/transport"
	"github.com/meshrtc/medialink/internal/util"
)

var version = "dev"

const demoChannel = "camera-720p"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	fps := flag.Int("fps", 30, "Synthetic stream frame rate, 1~120")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	util.SetupLogging(*debugMode)

	pterm.Info.Println(fmt.Sprintf("Medialink — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		runInteractive(ctx, *fps)

	case "host":
		if *fps < 1 || *fps > 120 {
			pterm.Error.Println("invalid -fps (must be 1~120)")
			os.Exit(1)
		}
		wsAddr := ":0"
		if *wsPortFlag > 0 {
			wsAddr = fmt.Sprintf(":%d", *wsPortFlag)
		}
		runHost(ctx, *fps, wsAddr)

	case "client":
		if *wsURLFlag == "" {
			pterm.Error.Println("missing -wsUrl for client role")
			os.Exit(1)
		}
		wsURL, err := normalizeWSURL(*wsURLFlag)
		if err != nil {
			pterm.Error.Println(err.Error())
			os.Exit(1)
		}
		runClient(ctx, *fps, wsURL)

	default:
		pterm.Error.Println("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	pterm.Success.Println("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, fps int) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   — Stream a demo source", "Client — Receive and play back"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		runHost(ctx, fps, ":0")
	} else {
		wsURL := askURL()
		runClient(ctx, fps, wsURL)
	}
}

// runHost starts the signaling server, waits for one client, and streams a
// synthetic video source over the established session.
func runHost(ctx context.Context, fps int, wsAddr string) {
	srv := signaling.NewServer("")
	port, err := srv.Start(wsAddr)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	defer srv.Close()

	pterm.Info.Println(fmt.Sprintf("signaling on ws://<your-ip>:%d/ws?pin=%s", port, srv.PIN()))

	conn, err := srv.WaitForClient(ctx)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	s := newDemoSession(ctx, conn, true)
	if err := s.Connect(ctx, demoChannelConfig(fps)); err != nil {
		pterm.Error.Println(fmt.Sprintf("connect failed: %v", err))
		os.Exit(1)
	}
	defer s.Close()

	util.StartStatsReporter(ctx)
	pterm.Success.Println(fmt.Sprintf("link established — streaming %d fps", fps))

	if err := s.SendConfig(demoChannel); err != nil {
		pterm.Error.Println(fmt.Sprintf("config handshake failed: %v", err))
		os.Exit(1)
	}

	src := newSyntheticSource(fps)
	defer src.stop()
	if err := s.Pump(ctx, src, demoChannel); err != nil && ctx.Err() == nil {
		pterm.Error.Println(fmt.Sprintf("stream ended: %v", err))
		os.Exit(1)
	}
}

// runClient connects to the host's signaling endpoint and plays back the
// received stream.
func runClient(ctx context.Context, fps int, wsURL string) {
	conn, err := signaling.Dial(ctx, wsURL)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	s := newDemoSession(ctx, conn, false)
	s.OnConfig(func(channel string, payload []byte) {
		pterm.Info.Println(fmt.Sprintf("config for %s: %s", channel, payload))
	})
	s.OnMediaFrame(func(channel string, f jitter.Frame) {
		util.Stats.AddFrame()
	})

	if err := s.Connect(ctx, demoChannelConfig(fps)); err != nil {
		pterm.Error.Println(fmt.Sprintf("connect failed: %v", err))
		os.Exit(1)
	}
	defer s.Close()

	util.StartStatsReporter(ctx)
	pterm.Success.Println("link established — receiving")

	<-ctx.Done()
}

// ---------------------------------------------------------------------------
// Session wiring
// ---------------------------------------------------------------------------

func newDemoSession(ctx context.Context, conn *websocket.Conn, host bool) *session.Session {
	transports := session.Transports{
		NewPeer: func(context.Context) (*webrtc.PeerConnection, error) {
			return signaling.NewPeerConnection()
		},
		Negotiate: func(ctx context.Context, pc *webrtc.PeerConnection) error {
			if host {
				return signaling.HostExchange(ctx, conn, pc)
			}
			return signaling.ClientExchange(ctx, conn, pc)
		},
	}
	return session.New(ctx, session.DefaultConfig(), transports, nil)
}

func demoChannelConfig(fps int) session.ChannelConfig {
	return session.ChannelConfig{
		Name:      demoChannel,
		Kind:      transport.KindDataChannel,
		FrameType: protocol.FrameVideo,
		Codec:     "vp8",
		MediaType: "video",
		Width:     1280,
		Height:    720,
		TargetFps: fps,
	}
}

// ---------------------------------------------------------------------------
// Synthetic source
// ---------------------------------------------------------------------------

// syntheticSource produces fixed-size chunks at the configured frame rate.
type syntheticSource struct {
	ticker *time.Ticker
	seq    int
}

func newSyntheticSource(fps int) *syntheticSource {
	return &syntheticSource{ticker: time.NewTicker(time.Second / time.Duration(fps))}
}

func (s *syntheticSource) ProduceChunk(string) (session.Chunk, error) {
	<-s.ticker.C
	s.seq++
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(s.seq + i)
	}
	return session.Chunk{
		Data:        payload,
		TimestampUs: uint64(time.Now().UnixMicro()),
		Keyframe:    s.seq%30 == 1,
	}, nil
}

func (s *syntheticSource) stop() { s.ticker.Stop() }

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL, preserving
// the PIN query parameter.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, u.RawQuery), nil
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host signaling URL (ws://host:port/ws?pin=NNNN)").
			Show()

		if u, err := normalizeWSURL(raw); err == nil {
			pterm.Println()
			return u
		}
		pterm.Warning.Println("invalid URL")
		pterm.Println()
	}
}
