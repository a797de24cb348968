package relaypool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRelayURL = "wss://relay.test/ws"

func newTestManager(t *testing.T, cfg RelayConfig, ff *fakeTransportFactory) *ConnectionManager {
	t.Helper()
	c := NewConnectionManager(testRelayURL, cfg, ff.factory(), nil)
	t.Cleanup(c.Dispose)
	return c
}

// eventRecorder collects manager events so tests can assert on them after the
// fact without racing the emitters.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(et EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func TestConnectSucceeds(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, ff.dials(testRelayURL))

	health := c.Health()
	assert.Equal(t, 1, health.TotalAttempts)
	assert.Equal(t, 1, health.SuccessfulAttempts)
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, ff.dials(testRelayURL), "second connect must not dial")
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectDialFailureLandsOnError(t *testing.T) {
	dialErr := errors.New("refused")
	ff := newFakeTransportFactory()
	ff.failDial(testRelayURL, dialErr)
	c := newTestManager(t, RelayConfig{}, ff)

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, StateError, c.State())
	assert.Len(t, rec.ofType(EventError), 1)

	health := c.Health()
	assert.Equal(t, 1, health.FailedAttempts)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	ff := newFakeTransportFactory()
	ff.stallDial(testRelayURL, 200*time.Millisecond)
	c := newTestManager(t, RelayConfig{ConnectionTimeout: 50 * time.Millisecond}, ff)

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, StateError, c.State())

	timeouts := rec.ofType(EventError)
	require.Len(t, timeouts, 1)
	assert.ErrorIs(t, timeouts[0].Err, ErrConnectionTimeout)

	// A handshake that resolves after the deadline must be discarded, never
	// promoted to connected.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateError, c.State())
}

func TestSendFromStateChangeCallback(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)

	sendErr := errors.New("callback never ran")
	c.On(EventStateChanged, func(ev Event) {
		if ev.Transition.To == StateConnected {
			sendErr = c.SendText(`{"kind":"hello"}`)
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect blocked with a sending subscriber attached")
	}

	require.NoError(t, sendErr)
	require.Len(t, ff.last(testRelayURL).sent(), 1)
}

func TestDisposeDuringDialStaysClosed(t *testing.T) {
	ff := newFakeTransportFactory()
	ff.stallDial(testRelayURL, 100*time.Millisecond)
	c := newTestManager(t, RelayConfig{}, ff)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return ff.dials(testRelayURL) == 1
	}, time.Second, time.Millisecond)

	c.Dispose()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connect did not return after dispose")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestSendRequiresConnectedState(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)

	err := c.SendText(`{"kind":"note"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWritesToTransport(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendText(`{"kind":"note"}`))
	require.NoError(t, c.SendBinary([]byte{0x01, 0x02}))

	sent := ff.last(testRelayURL).sent()
	require.Len(t, sent, 2)
	assert.Equal(t, TextMessage, sent[0].Kind())
	assert.Equal(t, BinaryMessage, sent[1].Kind())
	assert.Equal(t, 2, c.Health().SuccessCount)
}

func TestSendWriteFailureEmitsError(t *testing.T) {
	writeErr := errors.New("broken pipe")
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	ff.last(testRelayURL).setWriteErr(writeErr)
	err := c.SendText(`{"kind":"note"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, 1, c.Health().ErrorCount)
	assert.Len(t, rec.ofType(EventError), 1)
}

func TestInboundTextFrameDecoded(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventMessageReceived, rec.record)

	ff.last(testRelayURL).deliver(NewTextMessage(`{"kind":"note","id":"abc"}`))

	require.Eventually(t, func() bool {
		return len(rec.ofType(EventMessageReceived)) == 1
	}, time.Second, 5*time.Millisecond)

	ev := rec.ofType(EventMessageReceived)[0]
	assert.Equal(t, testRelayURL, ev.Relay)
	assert.Equal(t, "note", ev.Payload["kind"])
	assert.Equal(t, "abc", ev.Payload["id"])
}

func TestInboundUndecodableFrameIsDropped(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	ff.last(testRelayURL).deliver(NewTextMessage(`not json at all`))

	require.Eventually(t, func() bool {
		return len(rec.ofType(EventError)) == 1
	}, time.Second, 5*time.Millisecond)

	// A malformed frame is a message-level fault, not a connection one.
	assert.ErrorIs(t, rec.ofType(EventError)[0].Err, ErrMessageDecode)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, c.Health().ErrorCount)
}

func TestInboundBinaryFramePassesThrough(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventMessageReceived, rec.record)

	ff.last(testRelayURL).deliver(NewBinaryMessage([]byte{0xde, 0xad}))

	require.Eventually(t, func() bool {
		return len(rec.ofType(EventMessageReceived)) == 1
	}, time.Second, 5*time.Millisecond)

	ev := rec.ofType(EventMessageReceived)[0]
	assert.Equal(t, BinaryMessage, ev.Message.Kind())
	assert.Nil(t, ev.Payload)
}

func TestUnexpectedDisconnection(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	ff.last(testRelayURL).dropWith(errors.New("connection reset by peer"))

	require.Eventually(t, func() bool {
		return c.State() == StateError
	}, time.Second, 5*time.Millisecond)

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrUnexpectedDisconnection)
}

func TestDisconnectIsCleanAndIdempotent(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	rec := &eventRecorder{}
	c.On(EventError, rec.record)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())

	// A requested close never surfaces as a fault.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ofType(EventError))
}

func TestResetAfterFailure(t *testing.T) {
	ff := newFakeTransportFactory()
	ff.failDial(testRelayURL, errors.New("refused"))
	c := newTestManager(t, RelayConfig{}, ff)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, StateError, c.State())

	require.NoError(t, c.Reset())
	assert.Equal(t, StateDisconnected, c.State())

	ff.failDial(testRelayURL, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestDisposeIsTerminal(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{}, ff)
	require.NoError(t, c.Connect(context.Background()))

	c.Dispose()
	c.Dispose()

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDisposed)
	assert.ErrorIs(t, c.SendText("x"), ErrDisposed)
	assert.ErrorIs(t, c.Disconnect(), ErrDisposed)
}

func TestAutomaticReconnection(t *testing.T) {
	dialErr := errors.New("refused")
	ff := newFakeTransportFactory()
	ff.failDial(testRelayURL, dialErr)

	cfg := RelayConfig{
		EnableReconnection: true,
		Reconnection: ReconnectionConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxRetries:   10,
			JitterFactor: -1, // coerced to zero jitter
		},
	}
	c := newTestManager(t, cfg, ff)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, StateReconnecting, c.State())

	// Let the relay come back: the armed backoff timer must redial and land
	// on connected without any caller involvement.
	ff.failDial(testRelayURL, nil)

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, ff.dials(testRelayURL), 2)
	assert.Equal(t, 1, c.Reconnection().Stats().Successes)
}

func TestReconnectionStopsWhenExhausted(t *testing.T) {
	ff := newFakeTransportFactory()
	ff.failDial(testRelayURL, errors.New("refused"))

	cfg := RelayConfig{
		EnableReconnection: true,
		Reconnection: ReconnectionConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxRetries:   2,
			JitterFactor: -1,
		},
	}
	c := newTestManager(t, cfg, ff)

	require.Error(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateError && ff.dials(testRelayURL) == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Budget spent: no further dials.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, ff.dials(testRelayURL))
}

func TestDisconnectCancelsPendingReconnection(t *testing.T) {
	ff := newFakeTransportFactory()
	ff.failDial(testRelayURL, errors.New("refused"))

	cfg := RelayConfig{
		EnableReconnection: true,
		Reconnection: ReconnectionConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxRetries:   10,
			JitterFactor: -1,
		},
	}
	c := newTestManager(t, cfg, ff)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, StateReconnecting, c.State())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, ff.dials(testRelayURL), "cancelled timer must not redial")
}

func TestKeepAlivePings(t *testing.T) {
	ff := newFakeTransportFactory()
	c := newTestManager(t, RelayConfig{PingInterval: 10 * time.Millisecond}, ff)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ff.last(testRelayURL).pingCount() >= 2
	}, time.Second, 5*time.Millisecond)
}
