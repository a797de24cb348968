package relaypool

import (
	"sync"
)

type eventListener[V any] struct {
	id uint64
	fn func(V)
}

// EventEmitter maps events (of type K) to callback listeners. Emission is
// synchronous: listeners for a single emitter observe events in the order they
// are emitted. On returns a removal function so subscribers can detach without
// tearing the emitter down.
type EventEmitter[K comparable, V any] struct {
	mu        sync.RWMutex
	seq       uint64
	listeners map[K][]eventListener[V]
	closed    bool
}

// NewEventEmitter creates a new EventEmitter and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitter[K, V] {
	return &EventEmitter[K, V]{
		listeners: make(map[K][]eventListener[V]),
	}
}

// On registers a listener for the given event and returns a function that
// removes it. Registering on a closed emitter is a no-op.
func (e *EventEmitter[K, V]) On(event K, fn func(V)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return func() {}
	}

	e.seq++
	id := e.seq
	e.listeners[event] = append(e.listeners[event], eventListener[V]{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		kept := e.listeners[event][:0]
		for _, l := range e.listeners[event] {
			if l.id != id {
				kept = append(kept, l)
			}
		}
		e.listeners[event] = kept
	}
}

// Emit invokes every listener registered for the given event synchronously,
// in registration order. Emit does nothing once the emitter is closed.
func (e *EventEmitter[K, V]) Emit(event K, data V) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	registered := e.listeners[event]
	fns := make([]func(V), len(registered))
	for i, l := range registered {
		fns[i] = l.fn
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

// Close removes all listeners and rejects further registrations and emissions.
// Safe to call more than once.
func (e *EventEmitter[K, V]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.listeners = make(map[K][]eventListener[V])
}
