package relaypool

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

// wsTransport implements Transport over a websocket connection.
type wsTransport struct {
	params DialParams
	dialer *websocket.Dialer
	logger logger

	conn *websocket.Conn
	recv chan<- Message

	writeMu sync.Mutex

	closeC          CloseChan
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once
}

// NewWebsocketTransportFactory returns the production TransportFactory. A nil
// dialer falls back to websocket.DefaultDialer.
func NewWebsocketTransportFactory(log Logger, dialer *websocket.Dialer) TransportFactory {
	if log == nil {
		log = nopLogger{}
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return func(params DialParams, recv chan<- Message) Transport {
		return &wsTransport{
			params: params,
			dialer: dialer,
			logger: log.WithField("transport", "websocket").WithField("relay", params.URL),
			recv:   recv,
			closeC: make(CloseChan),
		}
	}
}

func (w *wsTransport) Open(ctx context.Context) error {
	dialer := w.dialer
	if w.params.HandshakeTimeout > 0 && dialer.HandshakeTimeout != w.params.HandshakeTimeout {
		clone := *dialer
		clone.HandshakeTimeout = w.params.HandshakeTimeout
		dialer = &clone
	}

	conn, resp, err := dialer.DialContext(ctx, w.params.URL, w.params.Header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(ErrConnectionFailed, "dial %s: %s (status %d)",
				w.params.URL, err, resp.StatusCode)
		}
		return errors.Wrapf(ErrConnectionFailed, "dial %s: %s", w.params.URL, err)
	}

	w.logger.Debugf("connection established")
	w.conn = conn

	// Relays probe liveness with pings; answer them ourselves so an idle
	// subscriber is not dropped.
	conn.SetPingHandler(func(appData string) error {
		w.logger.Debugln("<= [PING]")
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(appData),
			time.Now().Add(w.writeTimeout()),
		)
	})

	conn.SetPongHandler(func(string) error {
		w.logger.Debugln("<= [PONG]")
		return nil
	})

	go w.read()

	return nil
}

func (w *wsTransport) read() {
	defer w.safeClose()

	for {
		messageType, bts, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closeC:
				// local close already in flight
			default:
				w.logger.Debugf("read terminated: %s", err)
				w.setCloseReason(errors.Wrap(ErrUnexpectedDisconnection, err.Error()))
			}
			return
		}

		var m Message
		switch messageType {
		case websocket.BinaryMessage:
			w.logger.Debugln("<= [BIN]")
			m = NewBinaryMessage(bts)
		default:
			w.logger.Debugf("<= [TEXT] %s", bts)
			m = NewTextMessage(string(bts))
		}

		select {
		case w.recv <- m:
		case <-w.closeC:
			return
		}
	}
}

func (w *wsTransport) Write(m Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout()))

	frameType := websocket.TextMessage
	if m.Kind().IsBinary() {
		frameType = websocket.BinaryMessage
	}

	if err := w.conn.WriteMessage(frameType, m.Data()); err != nil {
		return errors.Wrapf(err, "write to %s", w.params.URL)
	}
	return nil
}

func (w *wsTransport) Ping(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}

	w.logger.Debugln("=> [PING]")
	return w.conn.WriteControl(websocket.PingMessage, data, time.Now().Add(w.writeTimeout()))
}

func (w *wsTransport) Close() {
	w.safeClose()
}

func (w *wsTransport) CloseChan() CloseChan {
	return w.closeC
}

func (w *wsTransport) CloseErr() error {
	return w.closeReason
}

func (w *wsTransport) writeTimeout() time.Duration {
	if w.params.WriteTimeout > 0 {
		return w.params.WriteTimeout
	}
	return 5 * time.Second
}

func (w *wsTransport) safeClose() {
	w.closeOnce.Do(func() {
		if w.conn != nil {
			_ = w.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = w.conn.Close()
		}
		close(w.closeC)
	})
}

func (w *wsTransport) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}
