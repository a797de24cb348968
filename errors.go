package relaypool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionFailed signals a transport-level failure while dialing a relay.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionTimeout signals that a handshake exceeded its connection timeout.
	ErrConnectionTimeout = errors.New("connection timed out")
	// ErrUnexpectedDisconnection signals that the transport closed while the
	// connection was established and no disconnect had been requested.
	ErrUnexpectedDisconnection = errors.New("connection closed unexpectedly")
	// ErrMessageDecode signals an inbound payload that could not be decoded as
	// a JSON object. It never affects connection state.
	ErrMessageDecode = errors.New("undecodable message payload")
	// ErrNotConnected is returned when sending outside the connected state.
	// It is a caller precondition fault, never a retried condition.
	ErrNotConnected = errors.New("relay is not connected")
	// ErrRelayNotFound is returned when addressing a relay the pool does not manage.
	ErrRelayNotFound = errors.New("relay is not managed by this pool")
	// ErrRelayNotConnected is returned when addressing a managed relay whose
	// connection is not currently established.
	ErrRelayNotConnected = errors.New("relay connection is not established")
	// ErrNoConnectedRelays is returned by relay selection when the connected
	// subset is empty.
	ErrNoConnectedRelays = errors.New("no connected relays available")
	// ErrDisposed is returned by any operation invoked after Dispose.
	ErrDisposed = errors.New("resource has been disposed")
	// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidTransitionError reports a state change that is not present in the
// connection transition table. The state machine performs no mutation when
// returning it.
type InvalidTransitionError struct {
	From ConnectionState
	To   ConnectionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func newInvalidTransitionError(from, to ConnectionState) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, To: to}
}
