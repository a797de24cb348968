package relaypool

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is the in-memory Transport used by tests. All simulate hooks
// (inbound frames, server-side drops) live here, selected only by test wiring,
// never in production code paths.
type fakeTransport struct {
	params DialParams
	recv   chan<- Message

	openErr   error
	openDelay time.Duration

	mu       sync.Mutex
	writeErr error
	written  []Message
	pings    int

	closeC          CloseChan
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once
}

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.openDelay > 0 {
		select {
		case <-time.After(f.openDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.openErr
}

func (f *fakeTransport) Write(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, m)
	return nil
}

func (f *fakeTransport) Ping([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() {
	f.closeOnce.Do(func() {
		close(f.closeC)
	})
}

func (f *fakeTransport) CloseChan() CloseChan {
	return f.closeC
}

func (f *fakeTransport) CloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

// deliver simulates an inbound frame from the relay.
func (f *fakeTransport) deliver(m Message) {
	f.recv <- m
}

// dropWith simulates the relay side tearing the connection down.
func (f *fakeTransport) dropWith(err error) {
	f.mu.Lock()
	f.closeReasonOnce.Do(func() { f.closeReason = err })
	f.mu.Unlock()
	f.Close()
}

func (f *fakeTransport) sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeTransportFactory hands each connection attempt a fresh fakeTransport and
// remembers every instance it created, keyed by relay URL, so tests can reach
// the transport behind a manager.
type fakeTransportFactory struct {
	mu      sync.Mutex
	created []*fakeTransport

	openErrs   map[string]error
	openDelays map[string]time.Duration
	writeErrs  map[string]error
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{
		openErrs:   make(map[string]error),
		openDelays: make(map[string]time.Duration),
		writeErrs:  make(map[string]error),
	}
}

func (ff *fakeTransportFactory) factory() TransportFactory {
	return func(params DialParams, recv chan<- Message) Transport {
		ff.mu.Lock()
		defer ff.mu.Unlock()

		t := &fakeTransport{
			params:    params,
			recv:      recv,
			openErr:   ff.openErrs[params.URL],
			openDelay: ff.openDelays[params.URL],
			writeErr:  ff.writeErrs[params.URL],
			closeC:    make(CloseChan),
		}
		ff.created = append(ff.created, t)
		return t
	}
}

// failDial makes every future dial of url fail with err.
func (ff *fakeTransportFactory) failDial(url string, err error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.openErrs[url] = err
}

// stallDial makes every future dial of url hang for the given duration before
// succeeding, to exercise handshake timeouts.
func (ff *fakeTransportFactory) stallDial(url string, d time.Duration) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.openDelays[url] = d
}

// failWrites makes every future transport for url reject writes with err.
func (ff *fakeTransportFactory) failWrites(url string, err error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.writeErrs[url] = err
}

// last returns the most recently created transport for url, or nil.
func (ff *fakeTransportFactory) last(url string) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	for i := len(ff.created) - 1; i >= 0; i-- {
		if ff.created[i].params.URL == url {
			return ff.created[i]
		}
	}
	return nil
}

// dials counts how many transports were created for url.
func (ff *fakeTransportFactory) dials(url string) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	n := 0
	for _, t := range ff.created {
		if t.params.URL == url {
			n++
		}
	}
	return n
}
