package relaypool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConnectionState byte

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateTransitions is the exhaustive table of legal state changes. Any target
// absent from the current state's row is rejected.
var stateTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateError, StateDisconnected, StateClosed},
	StateConnected:    {StateDisconnected, StateError, StateClosed},
	StateError:        {StateReconnecting, StateDisconnected, StateConnecting, StateClosed},
	StateReconnecting: {StateConnected, StateError, StateDisconnected, StateClosed},
	StateClosed:       {StateDisconnected},
}

// Transition is one accepted state change, retained in the machine's history.
type Transition struct {
	ID     uuid.UUID
	From   ConnectionState
	To     ConnectionState
	Reason string
	At     time.Time
}

// StateMachine validates and records state transitions for a single relay
// connection. Accepted transitions are appended to an in-memory history and
// forwarded to the onChange callback in the order they occur. Rejected targets
// leave the machine untouched.
type StateMachine struct {
	mu        sync.RWMutex
	current   ConnectionState
	history   []Transition
	changedAt time.Time
	onChange  func(Transition)
}

// NewStateMachine returns a machine starting at StateDisconnected. onChange
// may be nil; when set it is invoked synchronously for every accepted
// transition while no lock is held.
func NewStateMachine(onChange func(Transition)) *StateMachine {
	return &StateMachine{
		current:   StateDisconnected,
		changedAt: time.Now(),
		onChange:  onChange,
	}
}

func (sm *StateMachine) Current() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransition reports whether moving to the given state is legal from the
// current one.
func (sm *StateMachine) CanTransition(to ConnectionState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return canTransition(sm.current, to)
}

func canTransition(from, to ConnectionState) bool {
	for _, allowed := range stateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the machine to the given state, recording the reason.
// Illegal targets return an InvalidTransitionError and mutate nothing.
func (sm *StateMachine) TransitionTo(to ConnectionState, reason string) error {
	sm.mu.Lock()
	if !canTransition(sm.current, to) {
		err := newInvalidTransitionError(sm.current, to)
		sm.mu.Unlock()
		return err
	}

	tr := Transition{
		ID:     uuid.New(),
		From:   sm.current,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	}
	sm.current = to
	sm.changedAt = tr.At
	sm.history = append(sm.history, tr)
	onChange := sm.onChange
	sm.mu.Unlock()

	if onChange != nil {
		onChange(tr)
	}
	return nil
}

// Reset restores StateDisconnected and clears the history. It bypasses the
// transition table and does not notify onChange.
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.current = StateDisconnected
	sm.history = nil
	sm.changedAt = time.Now()
}

// History returns a copy of every accepted transition since the last Reset.
func (sm *StateMachine) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Transition, len(sm.history))
	copy(out, sm.history)
	return out
}

// LastReason returns the reason attached to the most recent transition, or ""
// when no transition happened yet.
func (sm *StateMachine) LastReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if len(sm.history) == 0 {
		return ""
	}
	return sm.history[len(sm.history)-1].Reason
}

// TimeInState returns how long the machine has been in its current state,
// computed on demand from the last transition timestamp.
func (sm *StateMachine) TimeInState() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.changedAt)
}
