package relaypool

import (
	"math/rand/v2"
	"sync"
)

// LoadBalancer picks one relay out of the currently connected subset. The
// pool hands it only connected managers; an empty subset fails with
// ErrNoConnectedRelays.
type LoadBalancer interface {
	Pick(connected []*ConnectionManager) (*ConnectionManager, error)
}

// NewLoadBalancer builds the balancer for the given strategy. Unknown values
// fall back to round robin.
func NewLoadBalancer(strategy LoadBalancingStrategy) LoadBalancer {
	switch strategy {
	case BalanceRandom:
		return &randomBalancer{}
	case BalanceLowestLatency:
		return &lowestLatencyBalancer{}
	case BalanceLeastConnections:
		return &leastConnectionsBalancer{}
	default:
		return &roundRobinBalancer{}
	}
}

// roundRobinBalancer advances a cyclic index over the connected list on each
// call, starting at index 0.
type roundRobinBalancer struct {
	mu   sync.Mutex
	next int
}

func (b *roundRobinBalancer) Pick(connected []*ConnectionManager) (*ConnectionManager, error) {
	if len(connected) == 0 {
		return nil, ErrNoConnectedRelays
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	picked := connected[b.next%len(connected)]
	b.next++
	return picked, nil
}

type randomBalancer struct{}

func (randomBalancer) Pick(connected []*ConnectionManager) (*ConnectionManager, error) {
	if len(connected) == 0 {
		return nil, ErrNoConnectedRelays
	}
	return connected[rand.IntN(len(connected))], nil
}

// lowestLatencyBalancer returns the relay with the smallest last-recorded
// latency sample, falling back to the first connected relay while no relay has
// latency data yet.
type lowestLatencyBalancer struct{}

func (lowestLatencyBalancer) Pick(connected []*ConnectionManager) (*ConnectionManager, error) {
	if len(connected) == 0 {
		return nil, ErrNoConnectedRelays
	}

	var best *ConnectionManager
	var bestLatency int64
	for _, cm := range connected {
		last := cm.Health().LastLatency
		if last <= 0 {
			continue
		}
		if best == nil || int64(last) < bestLatency {
			best = cm
			bestLatency = int64(last)
		}
	}
	if best == nil {
		return connected[0], nil
	}
	return best, nil
}

// leastConnectionsBalancer is a deliberate simplification: the pool holds one
// stream per relay, so there is no per-relay connection count to compare yet.
// It returns the first connected relay until real load tracking exists.
type leastConnectionsBalancer struct{}

func (leastConnectionsBalancer) Pick(connected []*ConnectionManager) (*ConnectionManager, error) {
	if len(connected) == 0 {
		return nil, ErrNoConnectedRelays
	}
	return connected[0], nil
}
