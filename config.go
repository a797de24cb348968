package relaypool

import (
	"net/http"
	"time"
)

const (
	defaultConnectionTimeout = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultMaxConnections    = 10
)

type (
	// RelayConfig tunes one relay connection. The zero value is usable; every
	// field falls back to a sane default.
	RelayConfig struct {
		// Priority orders relays for the priority connection strategy.
		// Lower connects first.
		Priority int

		// ConnectionTimeout bounds the handshake. A handshake resolving after
		// the timeout fires is discarded, never promoted.
		ConnectionTimeout time.Duration

		// WriteTimeout bounds individual frame writes.
		WriteTimeout time.Duration

		// Headers are sent with the websocket handshake request.
		Headers http.Header

		// MaxRetries caps automatic reconnection attempts. Overrides
		// Reconnection.MaxRetries when positive.
		MaxRetries int

		// EnableReconnection turns on the per-relay reconnection strategy.
		EnableReconnection bool

		// Reconnection tunes backoff and circuit breaking when
		// EnableReconnection is set.
		Reconnection ReconnectionConfig

		// PingInterval enables active keep-alive pings when positive.
		PingInterval time.Duration
	}

	// ConnectionStrategy decides how ConnectAll drives managers up.
	ConnectionStrategy byte

	// LoadBalancingStrategy picks how outbound traffic is routed.
	LoadBalancingStrategy byte

	// PoolConfig configures a ConnectionPool.
	PoolConfig struct {
		// Relays lists the relay URLs managed from construction.
		Relays []string

		// RelayConfigs holds per-URL overrides; relays absent from the map use
		// DefaultRelayConfig.
		RelayConfigs map[string]RelayConfig

		// DefaultRelayConfig applies to every relay without an override.
		DefaultRelayConfig RelayConfig

		ConnectionStrategy    ConnectionStrategy
		LoadBalancingStrategy LoadBalancingStrategy

		// MaxConnections caps how many relays ConnectAll brings up.
		MaxConnections int

		// Transport supplies the wire implementation. Defaults to the
		// websocket factory; tests inject fakes here.
		Transport TransportFactory

		Logger Logger
	}
)

const (
	// StrategySimultaneous connects every relay concurrently, failures isolated.
	StrategySimultaneous ConnectionStrategy = iota
	// StrategyPriority connects sequentially, ordered by RelayConfig.Priority.
	StrategyPriority
	// StrategyLazy performs no eager connection.
	StrategyLazy
)

const (
	// BalanceRoundRobin cycles over the connected relays.
	BalanceRoundRobin LoadBalancingStrategy = iota
	// BalanceLeastConnections is a documented simplification, see balancer.go.
	BalanceLeastConnections
	// BalanceLowestLatency picks the relay with the smallest last latency sample.
	BalanceLowestLatency
	// BalanceRandom picks uniformly.
	BalanceRandom
)

func (c RelayConfig) withDefaults() RelayConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EnableReconnection {
		c.Reconnection = c.Reconnection.withDefaults()
		if c.MaxRetries > 0 {
			c.Reconnection.MaxRetries = c.MaxRetries
		}
	}
	return c
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.Transport == nil {
		c.Transport = NewWebsocketTransportFactory(c.Logger, nil)
	}
	return c
}
