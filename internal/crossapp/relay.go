package crossapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const relaySendQueue = 64

// Relay is a dumb fan-out hub for WebSocketTransport clients. It forwards each
// frame to every other connected peer without inspecting it; receivers do the
// signature and replay checks.
type Relay struct {
	logger         *slog.Logger
	originPatterns []string

	mu    sync.RWMutex
	peers map[*relayPeer]struct{}
}

type relayPeer struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *relayPeer) stop() { p.once.Do(func() { close(p.done) }) }

func NewRelay(logger *slog.Logger, originPatterns ...string) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:         logger.With("component", "sync_relay"),
		originPatterns: originPatterns,
		peers:          make(map[*relayPeer]struct{}),
	}
}

func (r *Relay) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.originPatterns})
	if err != nil {
		r.logger.Warn("relay accept failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	peer := &relayPeer{send: make(chan []byte, relaySendQueue), done: make(chan struct{})}
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("relay peer connected", "remote", req.RemoteAddr)

	ctx, cancel := context.WithCancel(req.Context())
	defer func() {
		r.mu.Lock()
		delete(r.peers, peer)
		r.mu.Unlock()
		peer.stop()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-peer.done:
				return
			case frame := <-peer.send:
				wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					r.logger.Debug("relay write failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				r.logger.Debug("relay read failed", "error", err)
			}
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		r.broadcast(peer, data)
	}
}

// broadcast never blocks on a slow peer; frames for a full queue are dropped.
func (r *Relay) broadcast(from *relayPeer, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
		case <-p.done:
		default:
			r.logger.Warn("relay peer queue full, frame dropped")
		}
	}
}

// Wait blocks until at least n peers are connected or ctx ends.
func (r *Relay) Wait(ctx context.Context, n int) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for r.Peers() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
