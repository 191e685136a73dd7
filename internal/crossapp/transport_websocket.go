package crossapp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsMaxBackoff   = 10 * time.Second
)

// WebSocketTransport connects to a Relay and exchanges frames through it. A
// dropped connection is redialed with backoff until the transport is closed.
type WebSocketTransport struct {
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connReady chan struct{}
	closed    bool
	cancel    context.CancelFunc
}

func NewWebSocketTransport(url string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{url: url, logger: logger, connReady: make(chan struct{})}
}

// Subscribe dials the relay and returns once the first connection is up.
func (t *WebSocketTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return nil, errors.New("crossapp: websocket transport supports a single subscriber")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	conn, err := t.dial(runCtx)
	if err != nil {
		cancel()
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		return nil, err
	}
	t.setConn(conn)

	out := make(chan []byte)
	go t.readLoop(runCtx, conn, out)
	return out, nil
}

func (t *WebSocketTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	ready := t.connReady
	t.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	defer close(out)
	backoff := 250 * time.Millisecond
	for {
		mt, data, err := conn.Read(ctx)
		if err == nil {
			backoff = 250 * time.Millisecond
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				continue
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil || t.isClosed() {
			return
		}
		t.logger.Warn("relay connection lost", "url", t.url, "close_status", websocket.CloseStatus(err), "error", err)
		t.clearConn(conn)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, derr := t.dial(ctx)
			if derr == nil {
				conn = next
				t.setConn(conn)
				break
			}
			t.logger.Warn("relay redial failed", "url", t.url, "error", derr)
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
		}
	}
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageBytes)
	return conn, nil
}

func (t *WebSocketTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}
	t.conn = conn
	select {
	case <-t.connReady:
	default:
		close(t.connReady)
	}
}

func (t *WebSocketTransport) clearConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.connReady = make(chan struct{})
	}
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
