// Package reconnect drives connection recovery: an exponential-backoff state
// machine (Stable → Reconnecting → Stable|Failed) plus a periodic health
// monitor that triggers it on a healthy→unhealthy edge.
package reconnect

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/meshrtc/medialink/internal/event"
)

// Controller states.
const (
	StateStable       = "stable"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed"
)

// FSM events.
const (
	eventDegrade = "degrade"
	eventRecover = "recover"
	eventExhaust = "exhaust"
)

// jitterRatio perturbs each backoff delay by ±20% to avoid synchronized
// retry storms.
const jitterRatio = 0.2

// Config holds the backoff and health-monitor parameters.
type Config struct {
	MaxAttempts    uint32
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	HealthInterval time.Duration
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		HealthInterval: 5 * time.Second,
	}
}

// ExhaustedError is the terminal reconnection failure: attempts exceeded
// MaxAttempts. The session must be restarted explicitly.
type ExhaustedError struct {
	Attempts uint32
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("reconnect: %d attempts exhausted: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// ConnectFunc re-establishes the connection: re-run the transport connect
// sequence, rebind channels, resend configs, request fresh keyframes. The
// session provides it.
type ConnectFunc func(ctx context.Context) error

// HealthCheck reports transport-level connectivity.
type HealthCheck func(ctx context.Context) bool

// Controller is the per-connection reconnection state machine.
type Controller struct {
	cfg     Config
	connect ConnectFunc
	health  HealthCheck
	sink    event.Sink

	machine *fsm.FSM
	attempt atomic.Uint32
	active  atomic.Bool // guards against overlapping reconnection loops

	rngMu sync.Mutex
	rng   *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
	log      *logrus.Entry
}

// New creates a controller. health may be nil if StartHealthMonitor is never
// called; sink may be nil.
func New(cfg Config, connect ConnectFunc, health HealthCheck, sink event.Sink) *Controller {
	if sink == nil {
		sink = event.Nop{}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}

	return &Controller{
		cfg:     cfg,
		connect: connect,
		health:  health,
		sink:    sink,
		machine: fsm.NewFSM(
			StateStable,
			fsm.Events{
				{Name: eventDegrade, Src: []string{StateStable}, Dst: StateReconnecting},
				{Name: eventRecover, Src: []string{StateReconnecting}, Dst: StateStable},
				{Name: eventExhaust, Src: []string{StateReconnecting}, Dst: StateFailed},
			}, nil,
		),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
		log:    logrus.WithField("component", "reconnect"),
	}
}

// State returns the controller state (stable, reconnecting, failed).
func (c *Controller) State() string {
	return c.machine.Current()
}

// Attempt returns the current attempt counter.
func (c *Controller) Attempt() uint32 {
	return c.attempt.Load()
}

// Trigger starts a reconnection loop in the background unless one is already
// running or the controller is terminally failed.
func (c *Controller) Trigger(ctx context.Context) {
	if c.machine.Current() == StateFailed {
		return
	}
	if !c.active.CompareAndSwap(false, true) {
		return // a loop is already running
	}
	go func() {
		defer c.active.Store(false)
		_ = c.Run(ctx)
	}()
}

// Run executes the reconnection loop synchronously: backoff, connect,
// repeat. Returns nil once Stable again, or *ExhaustedError after
// MaxAttempts failures.
func (c *Controller) Run(ctx context.Context) error {
	_ = c.machine.Event(ctx, eventDegrade)

	var lastErr error
	for {
		attempt := c.attempt.Add(1)
		if attempt > c.cfg.MaxAttempts {
			_ = c.machine.Event(ctx, eventExhaust)
			err := &ExhaustedError{Attempts: c.cfg.MaxAttempts, LastErr: lastErr}
			c.log.WithError(err).Error("reconnection exhausted")
			c.sink.ReconnectFailed(err)
			return err
		}

		delay := c.delayFor(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     c.cfg.MaxAttempts,
			"delay":   delay,
		}).Info("reconnecting")
		c.sink.Reconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		}

		if err := c.connect(ctx); err != nil {
			lastErr = err
			c.log.WithError(err).Warn("reconnection attempt failed")
			continue
		}

		c.attempt.Store(0)
		_ = c.machine.Event(ctx, eventRecover)
		c.log.Info("reconnected")
		c.sink.Reconnected()
		return nil
	}
}

// delayFor computes the backoff delay for an attempt (1-based):
// clamp(base·2^(n-1), 0, max), then ±20% jitter.
func (c *Controller) delayFor(attempt uint32) time.Duration {
	var d time.Duration
	// Cap the shift so the multiplication cannot overflow.
	if attempt-1 < 32 {
		d = c.cfg.BaseDelay << (attempt - 1)
	} else {
		d = c.cfg.MaxDelay
	}
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}

	c.rngMu.Lock()
	u := c.rng.Float64()*2 - 1 // uniform(-1, 1)
	c.rngMu.Unlock()

	jittered := float64(d) + float64(d)*jitterRatio*u
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// StartHealthMonitor polls the health check every HealthInterval and
// triggers a reconnection on a healthy→unhealthy edge. It stops when ctx is
// cancelled or Stop is called.
func (c *Controller) StartHealthMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()

		healthy := true
		for {
			select {
			case <-ticker.C:
				now := c.health(ctx)
				if now != healthy {
					c.log.WithField("healthy", now).Info("connection health changed")
					c.sink.ConnectionHealthChanged(now)
					if !now {
						c.Trigger(ctx)
					}
					healthy = now
				}
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the health monitor and any in-flight backoff sleep. Idempotent:
// teardown paths call it from multiple cleanup routines.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
