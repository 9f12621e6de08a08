// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// sendWaitTimeout is how long a send waits for an in-progress reconnect.
const sendWaitTimeout = 10 * time.Second

var errSuperseded = errors.New("transport superseded by a newer connection")

// ClientStatus is a snapshot of the supervisor for the status API.
type ClientStatus struct {
	State          ConnectionState `json:"state"`
	LastCause      DisconnectCause `json:"last_cause,omitempty"`
	Attempts       int             `json:"reconnect_attempts"`
	ConnectedSince *time.Time      `json:"connected_since,omitempty"`
}

// BridgeClient supervises the WhatsApp session. It owns the single live
// Transport, replaces it wholesale after a recoverable disconnect, and
// becomes terminal after a logout or once the reconnect budget is spent.
type BridgeClient struct {
	factory    TransportFactory
	renderer   *QRRenderer
	onMessages func([]*InboundMessage)

	mu                 sync.Mutex
	ctx                context.Context
	transport          Transport
	generation         uint64
	state              ConnectionState
	lastCause          DisconnectCause
	attempts           int
	connectedAt        time.Time
	backoff            backoff.BackOff
	reconnecting       bool
	reconnectRequested bool

	open     *exsync.Event
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ OutboundSender = (*BridgeClient)(nil)

// NewBridgeClient creates a supervisor. onMessages receives every batch that
// arrives while the session is open.
func NewBridgeClient(
	factory TransportFactory,
	cfg ReconnectConfig,
	renderer *QRRenderer,
	onMessages func([]*InboundMessage),
	log zerolog.Logger,
) *BridgeClient {
	return &BridgeClient{
		factory:    factory,
		renderer:   renderer,
		onMessages: onMessages,
		ctx:        context.Background(),
		state:      StateClosed,
		backoff:    newReconnectBackoff(cfg),
		open:       exsync.NewEvent(),
		stopChan:   make(chan struct{}),
		log:        log.With().Str("component", "wa_client").Logger(),
	}
}

func newReconnectBackoff(cfg ReconnectConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.InitialDelay),
		backoff.WithMaxInterval(cfg.MaxDelay),
		backoff.WithMultiplier(cfg.Multiplier),
		backoff.WithRandomizationFactor(cfg.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	if cfg.MaxAttempts > 0 {
		return backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts))
	}
	return exp
}

// Connect establishes the initial session. A failure here is returned and
// not retried; only drops of an established session are reconnected.
func (c *BridgeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.log.Info().Msg("Connecting to WhatsApp")
	if err := c.establish(ctx); err != nil {
		c.log.Error().Err(err).Msg("Failed to establish initial WhatsApp session")
		return err
	}
	return nil
}

// establish tears down the current transport and dials a new one.
func (c *BridgeClient) establish(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return ErrNotConnected
	}
	old := c.transport
	c.transport = nil
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.mu.Unlock()
	c.open.Clear()

	if old != nil {
		old.Disconnect()
	}

	t, err := c.factory.NewTransport(ctx, TransportHandlers{
		OnLifecycle: func(evt LifecycleEvent) { c.handleLifecycle(gen, evt) },
		OnMessages:  func(msgs []*InboundMessage) { c.handleMessages(gen, msgs) },
	})
	if err != nil {
		c.markFailed(gen)
		return fmt.Errorf("failed to create transport: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminal {
		c.mu.Unlock()
		t.Disconnect()
		return errSuperseded
	}
	c.transport = t
	c.mu.Unlock()

	if err = t.Connect(ctx); err != nil {
		c.markFailed(gen)
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	return nil
}

func (c *BridgeClient) markFailed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation && c.state != StateTerminal {
		c.state = StateClosed
		c.lastCause = CauseConnectFailure
	}
}

func (c *BridgeClient) handleLifecycle(gen uint64, evt LifecycleEvent) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.log.Debug().Uint64("generation", gen).Msg("Ignoring lifecycle event from superseded transport")
		return
	}
	c.mu.Unlock()

	if evt.QRCode != "" && c.renderer != nil {
		c.renderer.Render(evt.QRCode)
	}

	switch evt.Connection {
	case StateConnecting:
		c.setState(StateConnecting)
	case StateOpen:
		c.mu.Lock()
		if c.state == StateTerminal {
			c.mu.Unlock()
			return
		}
		c.state = StateOpen
		c.attempts = 0
		c.connectedAt = time.Now()
		c.backoff.Reset()
		c.mu.Unlock()
		c.open.Set()
		if c.renderer != nil {
			c.renderer.Reset()
		}
		c.log.Info().Msg("WhatsApp connection opened")
	case StateClosed:
		c.handleClose(gen, evt)
	}
}

func (c *BridgeClient) handleClose(gen uint64, evt LifecycleEvent) {
	cause := evt.Cause
	if cause == "" {
		cause = CauseUnknown
	}
	c.mu.Lock()
	if gen != c.generation || c.state == StateTerminal {
		c.mu.Unlock()
		c.log.Debug().Str("cause", string(cause)).Msg("Ignoring repeated close event")
		return
	}
	// A transport closes once. Anything it reports after this is stale, and
	// establish still tears it down before dialing the replacement.
	c.generation++
	c.lastCause = cause
	c.open.Clear()
	if cause == CauseLoggedOut {
		c.state = StateTerminal
		t := c.transport
		c.transport = nil
		c.mu.Unlock()
		if t != nil {
			// Close events may be delivered from inside the transport.
			go t.Disconnect()
		}
		c.log.Warn().Msg("WhatsApp session logged out, not reconnecting")
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.log.Warn().Err(evt.Err).Str("cause", string(cause)).Msg("WhatsApp connection closed, reconnecting")
	c.scheduleReconnect()
}

func (c *BridgeClient) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTerminal {
		c.state = state
	}
}

// scheduleReconnect starts the reconnect loop unless one is already running,
// in which case the loop picks the request up after its current attempt.
func (c *BridgeClient) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminal || c.isStopped() {
		return
	}
	c.reconnectRequested = true
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

func (c *BridgeClient) reconnectLoop() {
	for {
		c.mu.Lock()
		if !c.reconnectRequested || c.state == StateTerminal || c.isStopped() {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.reconnectRequested = false
		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop {
			c.state = StateTerminal
			c.reconnecting = false
			attempts := c.attempts
			c.mu.Unlock()
			c.log.Error().Int("attempts", attempts).Msg("Reconnect attempts exhausted, giving up")
			return
		}
		c.attempts++
		attempt := c.attempts
		ctx := c.ctx
		c.mu.Unlock()

		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling WhatsApp reconnect")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stopChan:
			timer.Stop()
			c.finishReconnect()
			return
		case <-ctx.Done():
			timer.Stop()
			c.finishReconnect()
			return
		}

		if err := c.establish(ctx); err != nil {
			if errors.Is(err, errSuperseded) {
				c.finishReconnect()
				return
			}
			c.log.Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			c.mu.Lock()
			c.reconnectRequested = true
			c.mu.Unlock()
		}
	}
}

func (c *BridgeClient) finishReconnect() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *BridgeClient) isStopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *BridgeClient) handleMessages(gen uint64, msgs []*InboundMessage) {
	c.mu.Lock()
	current := gen == c.generation
	state := c.state
	c.mu.Unlock()
	if !current {
		c.log.Debug().Int("count", len(msgs)).Msg("Dropping messages from superseded transport")
		return
	}
	if state != StateOpen {
		c.log.Warn().
			Int("count", len(msgs)).
			Str("state", string(state)).
			Msg("Dropping messages received while connection is not open")
		return
	}
	if c.onMessages != nil {
		c.onMessages(msgs)
	}
}

func (c *BridgeClient) currentTransport(ctx context.Context) (Transport, error) {
	if c.isStopped() {
		return nil, ErrNotConnected
	}
	if !c.open.IsSet() {
		c.mu.Lock()
		terminal := c.state == StateTerminal
		c.mu.Unlock()
		if terminal {
			return nil, ErrNotConnected
		}
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.stopChan:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		if err := c.open.WaitTimeoutCtx(waitCtx, sendWaitTimeout); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil || c.state != StateOpen {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

// SendText sends a text message through the current session.
func (c *BridgeClient) SendText(ctx context.Context, to, text string) error {
	t, err := c.currentTransport(ctx)
	if err != nil {
		return err
	}
	return t.SendText(ctx, to, text)
}

// SendAudio sends a voice note through the current session.
func (c *BridgeClient) SendAudio(ctx context.Context, to string, audio AudioReply) error {
	t, err := c.currentTransport(ctx)
	if err != nil {
		return err
	}
	return t.SendAudio(ctx, to, audio)
}

// State returns the current supervisor state.
func (c *BridgeClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for the status API.
func (c *BridgeClient) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ClientStatus{
		State:     c.state,
		LastCause: c.lastCause,
		Attempts:  c.attempts,
	}
	if c.state == StateOpen {
		since := c.connectedAt
		st.ConnectedSince = &since
	}
	return st
}

// Disconnect stops reconnecting and closes the current session. It is safe
// to call more than once.
func (c *BridgeClient) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.generation++
	if c.state != StateTerminal {
		c.state = StateClosed
	}
	c.mu.Unlock()
	c.open.Clear()
	if t != nil {
		t.Disconnect()
	}
}
