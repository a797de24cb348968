package relaypool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type EventType byte

const (
	// EventStateChanged carries every accepted state machine transition.
	EventStateChanged EventType = iota + 1
	// EventMessageReceived carries inbound frames, with the decoded JSON
	// object for text frames.
	EventMessageReceived
	// EventError carries per-connection faults. Faults never cross the pool
	// boundary as panics or returned errors.
	EventError
)

// Event is what a ConnectionManager publishes. Events for a single connection
// are delivered in the order they occur; no ordering holds across relays.
type Event struct {
	Relay      string
	Type       EventType
	Transition Transition
	Message    Message
	Payload    map[string]any
	Err        error
	At         time.Time
}

// ConnectionManager owns one relay's transport lifecycle end to end: dialing
// with a hard handshake timeout, inbound frame handling, send preconditions,
// disconnect/dispose semantics and, when enabled, automatic reconnection.
// Only the manager mutates its own state machine and metrics.
type ConnectionManager struct {
	url              string
	cfg              RelayConfig
	logger           logger
	transportFactory TransportFactory
	emitter          *EventEmitter[EventType, Event]
	sm               *StateMachine
	metrics          *HealthMetrics
	reconnect        *ReconnectionStrategy

	mu                  sync.Mutex
	transport           Transport
	dialCancel          context.CancelFunc
	disconnectRequested bool
	disposed            bool

	disposeOnce sync.Once
}

// NewConnectionManager builds a manager for the given relay URL. log may be
// nil; transportFactory defaults to the websocket factory.
func NewConnectionManager(url string, cfg RelayConfig, transportFactory TransportFactory, log Logger) *ConnectionManager {
	if log == nil {
		log = nopLogger{}
	}
	cfg = cfg.withDefaults()
	if transportFactory == nil {
		transportFactory = NewWebsocketTransportFactory(log, nil)
	}

	c := &ConnectionManager{
		url:              url,
		cfg:              cfg,
		logger:           log.WithField("relay", url),
		transportFactory: transportFactory,
		emitter:          NewEventEmitter[EventType, Event](),
		metrics:          NewHealthMetrics(),
	}
	c.sm = NewStateMachine(func(tr Transition) {
		c.emit(Event{Type: EventStateChanged, Transition: tr, At: tr.At})
	})
	if cfg.EnableReconnection {
		c.reconnect = NewReconnectionStrategy(cfg.Reconnection, c.logger)
	}
	return c
}

func (c *ConnectionManager) URL() string {
	return c.url
}

func (c *ConnectionManager) State() ConnectionState {
	return c.sm.Current()
}

// StateMachine exposes the transition history and time-in-state queries.
func (c *ConnectionManager) StateMachine() *StateMachine {
	return c.sm
}

// Health snapshots the connection's metrics.
func (c *ConnectionManager) Health() HealthSnapshot {
	return c.metrics.Snapshot()
}

// Reconnection returns the per-relay strategy, or nil when reconnection is
// disabled.
func (c *ConnectionManager) Reconnection() *ReconnectionStrategy {
	return c.reconnect
}

// On registers an observer for manager events and returns a removal function.
func (c *ConnectionManager) On(event EventType, fn func(Event)) (off func()) {
	return c.emitter.On(event, fn)
}

// Connect establishes the relay connection. It is a no-op when the connection
// is in any state other than disconnected or error.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.Wrapf(ErrDisposed, "relay %s", c.url)
	}
	cur := c.sm.Current()
	if cur != StateDisconnected && cur != StateError {
		c.mu.Unlock()
		return nil
	}
	c.disconnectRequested = false
	c.mu.Unlock()

	return c.attempt(ctx, StateConnecting, "connect requested")
}

// attempt dials through `via` (connecting for caller-driven attempts,
// reconnecting for strategy-driven ones) and enforces the hard handshake
// timeout: a handshake resolving after the timer fired is closed and dropped.
func (c *ConnectionManager) attempt(ctx context.Context, via ConnectionState, reason string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.Wrapf(ErrDisposed, "relay %s", c.url)
	}
	c.mu.Unlock()

	// Transitions run outside c.mu: the change notification fans out
	// synchronously to subscribers that may call back into this manager.
	if c.sm.Current() != via {
		if err := c.sm.TransitionTo(via, reason); err != nil {
			return err
		}
	}

	recv := make(chan Message, 32)
	t := c.transportFactory(DialParams{
		URL:              c.url,
		Header:           c.cfg.Headers,
		HandshakeTimeout: c.cfg.ConnectionTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
	}, recv)

	dialCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()
	defer cancel()

	start := time.Now()
	dialDone := make(chan error, 1)
	go func() {
		dialDone <- t.Open(dialCtx)
	}()

	timer := time.NewTimer(c.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case err := <-dialDone:
		if err != nil {
			c.metrics.RecordConnectAttempt(false, time.Since(start))
			return c.onAttemptFailed(err)
		}
		return c.onHandshakeDone(t, recv, via, time.Since(start))

	case <-timer.C:
		cancel()
		discardLateHandshake(t, dialDone)
		c.metrics.RecordConnectAttempt(false, time.Since(start))
		err := errors.Wrapf(ErrConnectionTimeout, "handshake to %s exceeded %s",
			c.url, c.cfg.ConnectionTimeout)
		return c.onAttemptFailed(err)

	case <-ctx.Done():
		cancel()
		discardLateHandshake(t, dialDone)
		c.metrics.RecordConnectAttempt(false, time.Since(start))
		return c.onAttemptFailed(errors.Wrap(ErrConnectionFailed, ctx.Err().Error()))
	}
}

// discardLateHandshake reaps the dial goroutine after its result stopped
// mattering, closing the raw connection if the handshake still succeeded.
func discardLateHandshake(t Transport, dialDone <-chan error) {
	go func() {
		if err := <-dialDone; err == nil {
			t.Close()
		}
	}()
}

func (c *ConnectionManager) onHandshakeDone(t Transport, recv chan Message, via ConnectionState, took time.Duration) error {
	c.mu.Lock()
	if c.disposed || c.disconnectRequested {
		c.mu.Unlock()
		t.Close()
		return nil
	}
	c.transport = t
	c.dialCancel = nil
	c.mu.Unlock()

	// The transport must be visible before the connected transition: the
	// change notification runs outside c.mu and subscribers may send from
	// their callback.
	if err := c.sm.TransitionTo(StateConnected, "handshake complete"); err != nil {
		c.mu.Lock()
		if c.transport == t {
			c.transport = nil
		}
		c.mu.Unlock()
		t.Close()
		return err
	}

	c.metrics.RecordConnectAttempt(true, took)
	if via == StateReconnecting && c.reconnect != nil {
		c.reconnect.RecordSuccess(took)
	}

	go c.readPump(t, recv)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(t)
	}

	c.logger.Infof("connected in %s", took)
	return nil
}

func (c *ConnectionManager) onAttemptFailed(cause error) error {
	c.mu.Lock()
	disposed := c.disposed
	aborted := disposed || c.disconnectRequested
	c.mu.Unlock()

	if aborted {
		// Disconnect raced the dial; land on disconnected without noise.
		// A disposed manager stays closed.
		if !disposed && c.sm.Current() != StateClosed && c.sm.CanTransition(StateDisconnected) {
			_ = c.sm.TransitionTo(StateDisconnected, "disconnect requested")
		}
		return cause
	}

	_ = c.sm.TransitionTo(StateError, cause.Error())
	c.logger.Warnf("connection attempt failed: %s", cause)
	c.emit(Event{Type: EventError, Err: cause})
	c.maybeScheduleReconnect(cause)
	return cause
}

// maybeScheduleReconnect drives the per-relay strategy after a failure: record
// it, and when retry is still allowed move to reconnecting and arm the backoff
// timer.
func (c *ConnectionManager) maybeScheduleReconnect(cause error) {
	if c.reconnect == nil {
		return
	}

	c.mu.Lock()
	if c.disposed || c.disconnectRequested {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.reconnect.RecordFailure(cause)
	c.reconnect.NotifyFailure(c.reconnect.Attempt(), cause)

	if !c.reconnect.ShouldRetry() {
		c.logger.Warnf("not reconnecting: retries exhausted or circuit open")
		return
	}
	if err := c.sm.TransitionTo(StateReconnecting, "scheduling reconnection"); err != nil {
		return
	}

	c.reconnect.ScheduleReconnection(func() {
		// Failures inside attempt re-enter this path on their own.
		_ = c.attempt(context.Background(), StateReconnecting, "reconnecting")
	})
}

func (c *ConnectionManager) readPump(t Transport, recv chan Message) {
	closeC := t.CloseChan()
	for {
		select {
		case m := <-recv:
			c.handleInbound(m)
		case <-closeC:
			// Drain frames that arrived before the closure.
			for {
				select {
				case m := <-recv:
					c.handleInbound(m)
				default:
					c.onTransportClosed(t)
					return
				}
			}
		}
	}
}

func (c *ConnectionManager) handleInbound(m Message) {
	if m.Kind().IsText() {
		payload, err := decodePayload(m.Data())
		if err != nil {
			// Dropped, never a connection-level fault.
			c.logger.Warnf("dropping inbound frame: %s", err)
			c.metrics.RecordError()
			c.emit(Event{Type: EventError, Err: err})
			return
		}
		c.metrics.RecordSuccess()
		c.emit(Event{Type: EventMessageReceived, Message: m, Payload: payload, At: m.At()})
		return
	}

	c.metrics.RecordSuccess()
	c.emit(Event{Type: EventMessageReceived, Message: m, At: m.At()})
}

func (c *ConnectionManager) onTransportClosed(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	requested := c.disconnectRequested
	disposed := c.disposed
	c.mu.Unlock()

	if disposed || c.sm.Current() != StateConnected {
		return
	}

	if requested {
		_ = c.sm.TransitionTo(StateDisconnected, "disconnect requested")
		return
	}

	cause := t.CloseErr()
	switch {
	case cause == nil:
		cause = errors.Wrapf(ErrUnexpectedDisconnection, "relay %s", c.url)
	case !errors.Is(cause, ErrUnexpectedDisconnection):
		cause = errors.Wrap(ErrUnexpectedDisconnection, cause.Error())
	}

	_ = c.sm.TransitionTo(StateError, cause.Error())
	c.metrics.RecordError()
	c.logger.Warnf("connection dropped: %s", cause)
	c.emit(Event{Type: EventError, Err: cause})
	c.maybeScheduleReconnect(cause)
}

// Send writes a message to the relay. It fails fast with ErrNotConnected
// outside the connected state and never blocks on reconnection.
func (c *ConnectionManager) Send(m Message) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.Wrapf(ErrDisposed, "relay %s", c.url)
	}
	if cur := c.sm.Current(); cur != StateConnected {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotConnected, "relay %s is %s", c.url, cur)
	}
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return errors.Wrapf(ErrNotConnected, "relay %s", c.url)
	}

	if err := t.Write(m); err != nil {
		c.metrics.RecordError()
		c.emit(Event{Type: EventError, Err: err})
		return err
	}

	c.metrics.RecordSuccess()
	return nil
}

// SendText frames text as a message and sends it.
func (c *ConnectionManager) SendText(text string) error {
	return c.Send(NewTextMessage(text))
}

// SendBinary frames data as a binary message and sends it.
func (c *ConnectionManager) SendBinary(data []byte) error {
	return c.Send(NewBinaryMessage(data))
}

// Disconnect cancels any in-flight dial or pending reconnection, closes the
// transport and lands on disconnected. Idempotent.
func (c *ConnectionManager) Disconnect() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.Wrapf(ErrDisposed, "relay %s", c.url)
	}
	c.disconnectRequested = true
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if c.reconnect != nil {
		c.reconnect.CancelAll()
	}

	if c.sm.Current() != StateDisconnected && c.sm.CanTransition(StateDisconnected) {
		_ = c.sm.TransitionTo(StateDisconnected, "disconnect requested")
	}

	if t != nil {
		t.Close()
	}
	return nil
}

// Reset transitions an errored connection back through disconnected so it can
// be dialed again. No-op outside the error state.
func (c *ConnectionManager) Reset() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.Wrapf(ErrDisposed, "relay %s", c.url)
	}
	c.mu.Unlock()

	if c.sm.Current() != StateError {
		return nil
	}
	return c.sm.TransitionTo(StateDisconnected, "reset after failure")
}

// Dispose performs disconnect semantics, moves to closed and tears down all
// emission channels. Safe to call repeatedly; any operation afterwards fails
// with ErrDisposed.
func (c *ConnectionManager) Dispose() {
	c.disposeOnce.Do(func() {
		_ = c.Disconnect()

		c.mu.Lock()
		c.disposed = true
		c.mu.Unlock()

		_ = c.sm.TransitionTo(StateClosed, "disposed")
		if c.reconnect != nil {
			c.reconnect.Dispose()
		}
		c.emitter.Close()
	})
}

func (c *ConnectionManager) pingLoop(t Transport) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	closeC := t.CloseChan()
	for {
		select {
		case <-closeC:
			return
		case <-ticker.C:
			if err := t.Ping(nil); err != nil {
				c.logger.Debugf("keep-alive ping failed: %s", err)
				return
			}
		}
	}
}

func (c *ConnectionManager) emit(ev Event) {
	ev.Relay = c.url
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.emitter.Emit(ev.Type, ev)
}
