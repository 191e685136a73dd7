package crossapp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
)

var ErrTransportClosed = errors.New("cross-app transport closed")

// Transport moves encoded messages between applications. Delivery is
// at-most-once and eventually consistent; a publisher may receive its own
// frames back.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a stream of frames that is closed when the transport
	// is closed or ctx ends.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

const memoryBufferSize = 256

// MemoryBus broadcasts frames to every transport attached to it. It links
// sibling applications that live in one process. A subscriber whose buffer is
// full loses the frame; publishers never wait on a slow sibling.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	buffer  int
	dropped atomic.Uint64
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.done) })
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{}), buffer: memoryBufferSize}
}

// Dropped reports frames lost to full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Transport returns a new attachment point on the bus.
func (b *MemoryBus) Transport() *MemoryTransport {
	return &MemoryTransport{bus: b, closed: make(chan struct{})}
}

func (b *MemoryBus) broadcast(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range subs {
		frame := append([]byte(nil), payload...)
		select {
		case s.ch <- frame:
		case <-s.done:
		default:
			b.dropped.Add(1)
			observability.RecordCrossAppMessage(ctx, "outbound", "memory_frame", "dropped")
		}
	}
	return nil
}

func (b *MemoryBus) attach() *memorySub {
	s := &memorySub{ch: make(chan []byte, b.buffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *MemoryBus) detach(s *memorySub) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

type MemoryTransport struct {
	bus *MemoryBus

	mu        sync.Mutex
	subs      []*memorySub
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *MemoryTransport) Publish(ctx context.Context, payload []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	return t.bus.broadcast(ctx, payload)
}

func (t *MemoryTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	select {
	case <-t.closed:
		return nil, ErrTransportClosed
	default:
	}
	sub := t.bus.attach()
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer t.bus.detach(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case frame := <-sub.ch:
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()
		for _, s := range subs {
			t.bus.detach(s)
		}
	})
	return nil
}
