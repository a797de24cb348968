package relaypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type PoolState byte

const (
	// PoolDisconnected: no relay is connected.
	PoolDisconnected PoolState = iota
	// PoolConnected: every managed relay is connected.
	PoolConnected
	// PoolDegraded: fewer than half of the managed relays are connected.
	PoolDegraded
	// PoolPartial: some relays are down, but at least half are connected.
	PoolPartial
)

func (s PoolState) String() string {
	switch s {
	case PoolDisconnected:
		return "disconnected"
	case PoolConnected:
		return "connected"
	case PoolDegraded:
		return "degraded"
	case PoolPartial:
		return "partial"
	default:
		return "unknown"
	}
}

type PoolEventType byte

const (
	PoolRelayConnected PoolEventType = iota + 1
	PoolRelayDisconnected
	PoolMessageReceived
	PoolRelayAdded
	PoolRelayRemoved
	PoolFailover
	PoolRelayError
)

// PoolEvent is the aggregate event republished by the pool for every managed
// relay. Per-relay ordering follows the relay's own event order; no ordering
// holds across relays.
type PoolEvent struct {
	Type               PoolEventType
	Relay              string
	Message            Message
	Payload            map[string]any
	Err                error
	RemainingConnected int
	At                 time.Time
}

// ConnectionPool owns the full relay set: one ConnectionManager per URL, a
// connection strategy to bring them up, a load balancer for outbound routing
// and aggregate health/failover signals. The pool only reads published state
// and issues commands; each manager mutates its own internals.
type ConnectionPool struct {
	cfg      PoolConfig
	logger   logger
	balancer LoadBalancer
	emitter  *EventEmitter[PoolEventType, PoolEvent]

	mu       sync.RWMutex
	conns    map[string]*ConnectionManager
	order    []string
	offs     map[string][]func()
	disposed bool

	disposeOnce sync.Once
}

// NewConnectionPool builds the pool and creates a manager per configured
// relay. No connection is attempted until ConnectAll or AddRelay.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	cfg = cfg.withDefaults()

	p := &ConnectionPool{
		cfg:      cfg,
		logger:   cfg.Logger.WithField("component", "connection_pool"),
		balancer: NewLoadBalancer(cfg.LoadBalancingStrategy),
		emitter:  NewEventEmitter[PoolEventType, PoolEvent](),
		conns:    make(map[string]*ConnectionManager),
		offs:     make(map[string][]func()),
	}

	p.mu.Lock()
	for _, url := range cfg.Relays {
		if _, exists := p.conns[url]; exists {
			continue
		}
		p.addConnectionLocked(url)
	}
	p.mu.Unlock()

	return p
}

// On registers an observer for aggregate pool events.
func (p *ConnectionPool) On(event PoolEventType, fn func(PoolEvent)) (off func()) {
	return p.emitter.On(event, fn)
}

func (p *ConnectionPool) relayConfig(url string) RelayConfig {
	if cfg, ok := p.cfg.RelayConfigs[url]; ok {
		return cfg
	}
	return p.cfg.DefaultRelayConfig
}

// addConnectionLocked creates and wires a manager. Caller holds p.mu.
func (p *ConnectionPool) addConnectionLocked(url string) *ConnectionManager {
	cm := NewConnectionManager(url, p.relayConfig(url), p.cfg.Transport, p.cfg.Logger)

	offState := cm.On(EventStateChanged, p.onRelayStateChanged)
	offMsg := cm.On(EventMessageReceived, func(ev Event) {
		p.emit(PoolEvent{
			Type:    PoolMessageReceived,
			Relay:   ev.Relay,
			Message: ev.Message,
			Payload: ev.Payload,
			At:      ev.At,
		})
	})
	offErr := cm.On(EventError, func(ev Event) {
		p.emit(PoolEvent{Type: PoolRelayError, Relay: ev.Relay, Err: ev.Err, At: ev.At})
	})

	p.conns[url] = cm
	p.order = append(p.order, url)
	p.offs[url] = []func(){offState, offMsg, offErr}
	return cm
}

// onRelayStateChanged republishes connectivity changes. Leaving connected for
// error without a requested disconnect is the failover signal; it is
// observational only, the pool never auto-reconnects on its own.
func (p *ConnectionPool) onRelayStateChanged(ev Event) {
	tr := ev.Transition

	switch {
	case tr.To == StateConnected:
		p.emit(PoolEvent{Type: PoolRelayConnected, Relay: ev.Relay, At: ev.At})

	case tr.From == StateConnected:
		remaining := len(p.connectedSnapshot())
		p.emit(PoolEvent{
			Type:               PoolRelayDisconnected,
			Relay:              ev.Relay,
			RemainingConnected: remaining,
			At:                 ev.At,
		})
		if tr.To == StateError {
			p.logger.Warnf("failover: relay %s dropped, %d still connected", ev.Relay, remaining)
			p.emit(PoolEvent{
				Type:               PoolFailover,
				Relay:              ev.Relay,
				RemainingConnected: remaining,
				At:                 ev.At,
			})
		}
	}
}

// ConnectAll drives managers up per the configured strategy. Individual
// failures are isolated: one relay failing never aborts the others, and the
// call itself never fails for environmental reasons.
func (p *ConnectionPool) ConnectAll(ctx context.Context) error {
	p.mu.RLock()
	if p.disposed {
		p.mu.RUnlock()
		return ErrDisposed
	}
	p.mu.RUnlock()

	switch p.cfg.ConnectionStrategy {
	case StrategyLazy:
		return nil

	case StrategyPriority:
		targets := p.snapshot()
		sort.SliceStable(targets, func(i, j int) bool {
			return p.relayConfig(targets[i].URL()).Priority < p.relayConfig(targets[j].URL()).Priority
		})
		established := 0
		for _, cm := range targets {
			if established >= p.cfg.MaxConnections {
				break
			}
			if err := cm.Connect(ctx); err != nil {
				p.logger.Warnf("priority connect to %s failed: %s", cm.URL(), err)
				continue
			}
			established++
		}
		return nil

	default: // StrategySimultaneous
		targets := p.snapshot()
		if len(targets) > p.cfg.MaxConnections {
			targets = targets[:p.cfg.MaxConnections]
		}

		var wg sync.WaitGroup
		for _, cm := range targets {
			wg.Add(1)
			go func(cm *ConnectionManager) {
				defer wg.Done()
				if err := cm.Connect(ctx); err != nil {
					p.logger.Warnf("connect to %s failed: %s", cm.URL(), err)
				}
			}(cm)
		}
		wg.Wait()
		return nil
	}
}

// Broadcast sends the message to every currently connected relay with
// best-effort semantics: a failing relay is recorded in its own metrics and
// broadcasting continues. Returns how many relays the message reached.
func (p *ConnectionPool) Broadcast(m Message) int {
	delivered := 0
	for _, cm := range p.connectedSnapshot() {
		if err := cm.Send(m); err != nil {
			p.logger.Warnf("broadcast to %s failed: %s", cm.URL(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToRelay targets one relay by URL. Unknown URLs fail with
// ErrRelayNotFound, managed but unconnected relays with ErrRelayNotConnected.
func (p *ConnectionPool) SendToRelay(url string, m Message) error {
	p.mu.RLock()
	if p.disposed {
		p.mu.RUnlock()
		return ErrDisposed
	}
	cm, ok := p.conns[url]
	p.mu.RUnlock()

	if !ok {
		return errors.Wrap(ErrRelayNotFound, url)
	}
	if cur := cm.State(); cur != StateConnected {
		return errors.Wrapf(ErrRelayNotConnected, "relay %s is %s", url, cur)
	}
	return cm.Send(m)
}

// SelectRelay delegates to the configured load balancer over the connected
// subset.
func (p *ConnectionPool) SelectRelay() (*ConnectionManager, error) {
	return p.balancer.Pick(p.connectedSnapshot())
}

// AddRelay starts managing a relay. No-op when the URL is already managed.
// The new relay is connected immediately while the pool has connection
// capacity left.
func (p *ConnectionPool) AddRelay(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if _, exists := p.conns[url]; exists {
		p.mu.Unlock()
		return nil
	}
	cm := p.addConnectionLocked(url)
	p.mu.Unlock()

	p.emit(PoolEvent{Type: PoolRelayAdded, Relay: url})

	if len(p.connectedSnapshot()) < p.cfg.MaxConnections {
		if err := cm.Connect(ctx); err != nil {
			p.logger.Warnf("connect to added relay %s failed: %s", url, err)
		}
	}
	return nil
}

// RemoveRelay disconnects, disposes and forgets the relay.
func (p *ConnectionPool) RemoveRelay(url string) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	cm, ok := p.conns[url]
	if !ok {
		p.mu.Unlock()
		return errors.Wrap(ErrRelayNotFound, url)
	}
	offs := p.offs[url]
	delete(p.conns, url)
	delete(p.offs, url)
	for i, u := range p.order {
		if u == url {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// Detach before disposal so teardown transitions do not echo as pool events.
	for _, off := range offs {
		off()
	}
	cm.Dispose()

	p.emit(PoolEvent{Type: PoolRelayRemoved, Relay: url})
	return nil
}

// ReconnectFailed snapshots the relays currently in error, resets each through
// disconnected and re-attempts their connection concurrently. Failures stay
// isolated per relay.
func (p *ConnectionPool) ReconnectFailed(ctx context.Context) {
	var failed []*ConnectionManager
	for _, cm := range p.snapshot() {
		if cm.State() == StateError {
			failed = append(failed, cm)
		}
	}

	var wg sync.WaitGroup
	for _, cm := range failed {
		wg.Add(1)
		go func(cm *ConnectionManager) {
			defer wg.Done()
			if err := cm.Reset(); err != nil {
				p.logger.Warnf("reset of %s failed: %s", cm.URL(), err)
				return
			}
			if err := cm.Connect(ctx); err != nil {
				p.logger.Warnf("reconnect of %s failed: %s", cm.URL(), err)
			}
		}(cm)
	}
	wg.Wait()
}

// OverallState derives the pool state from live connection counts on every
// read; it is never cached.
func (p *ConnectionPool) OverallState() PoolState {
	all := p.snapshot()
	total := len(all)
	connected := 0
	for _, cm := range all {
		if cm.State() == StateConnected {
			connected++
		}
	}

	switch {
	case total == 0 || connected == 0:
		return PoolDisconnected
	case connected == total:
		return PoolConnected
	case float64(connected) < float64(total)/2:
		return PoolDegraded
	default:
		return PoolPartial
	}
}

// Health snapshots every managed relay's metrics, keyed by URL.
func (p *ConnectionPool) Health() map[string]HealthSnapshot {
	out := make(map[string]HealthSnapshot)
	for _, cm := range p.snapshot() {
		out[cm.URL()] = cm.Health()
	}
	return out
}

// RelaysByHealth returns the managed relay URLs ordered best first by health
// score.
func (p *ConnectionPool) RelaysByHealth() []string {
	all := p.snapshot()

	type scored struct {
		url   string
		score float64
	}
	ranked := make([]scored, 0, len(all))
	for _, cm := range all {
		ranked = append(ranked, scored{url: cm.URL(), score: cm.Health().HealthScore})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	urls := make([]string, len(ranked))
	for i, r := range ranked {
		urls[i] = r.url
	}
	return urls
}

// Relays lists the managed relay URLs in insertion order.
func (p *ConnectionPool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Relay returns the manager for a URL when the pool manages it.
func (p *ConnectionPool) Relay(url string) (*ConnectionManager, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cm, ok := p.conns[url]
	return cm, ok
}

// Dispose disconnects and disposes every managed connection and closes the
// aggregate event channels exactly once.
func (p *ConnectionPool) Dispose() {
	p.disposeOnce.Do(func() {
		p.mu.Lock()
		p.disposed = true
		conns := make([]*ConnectionManager, 0, len(p.conns))
		var offs []func()
		for url, cm := range p.conns {
			conns = append(conns, cm)
			offs = append(offs, p.offs[url]...)
		}
		p.conns = make(map[string]*ConnectionManager)
		p.offs = make(map[string][]func())
		p.order = nil
		p.mu.Unlock()

		for _, off := range offs {
			off()
		}
		for _, cm := range conns {
			cm.Dispose()
		}
		p.emitter.Close()
	})
}

// snapshot copies the managed set in insertion order so aggregate operations
// never iterate the live map while relays are added or removed.
func (p *ConnectionPool) snapshot() []*ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*ConnectionManager, 0, len(p.order))
	for _, url := range p.order {
		if cm, ok := p.conns[url]; ok {
			out = append(out, cm)
		}
	}
	return out
}

func (p *ConnectionPool) connectedSnapshot() []*ConnectionManager {
	all := p.snapshot()
	connected := all[:0]
	for _, cm := range all {
		if cm.State() == StateConnected {
			connected = append(connected, cm)
		}
	}
	return connected
}

func (p *ConnectionPool) emit(ev PoolEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	p.emitter.Emit(ev.Type, ev)
}
