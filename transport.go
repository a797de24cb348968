package relaypool

import (
	"context"
	"net/http"
	"time"
)

type (
	CloseChan chan struct{}

	// DialParams carries everything a transport needs to reach one relay.
	DialParams struct {
		URL              string
		Header           http.Header
		HandshakeTimeout time.Duration
		WriteTimeout     time.Duration
	}

	// Transport is one relay's wire connection. Implementations push inbound
	// frames onto the recv channel handed to their factory and close CloseChan
	// exactly once when the connection dies, from either side.
	Transport interface {
		// Open performs the handshake. It blocks until the connection is
		// established or fails; reading starts on success.
		Open(ctx context.Context) error

		// Write sends a message over the wire.
		Write(m Message) error

		// Ping sends a transport-level keep-alive probe.
		Ping(data []byte) error

		// Close tears the connection down. Idempotent.
		Close()

		// CloseChan returns a channel closed when the connection is closed.
		CloseChan() CloseChan

		// CloseErr explains why the connection closed. It returns nil when the
		// closure was requested locally.
		CloseErr() error
	}

	// TransportFactory builds a fresh Transport per connection attempt. Tests
	// substitute a fake here; production wiring uses NewWebsocketTransportFactory.
	TransportFactory func(params DialParams, recv chan<- Message) Transport
)
