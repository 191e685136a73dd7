package crossapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport uses Redis Pub/Sub. Each trust domain gets its own channel.
type RedisTransport struct {
	client  redis.UniversalClient
	channel string

	mu        sync.Mutex
	pubsubs   []*redis.PubSub
	closed    bool
	closeOnce sync.Once
}

func NewRedisTransport(client redis.UniversalClient, prefix, trustDomain string) *RedisTransport {
	if prefix == "" {
		prefix = "auth_sync"
	}
	return &RedisTransport{client: client, channel: fmt.Sprintf("%s:%s", prefix, trustDomain)}
}

func (t *RedisTransport) Channel() string { return t.channel }

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.client.Publish(ctx, t.channel, payload).Err()
}

// Subscribe returns once Redis confirmed the subscription, so frames published
// afterwards are delivered.
func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	t.mu.Lock()
	t.pubsubs = append(t.pubsubs, ps)
	t.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					_ = ps.Close()
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pubsubs := t.pubsubs
		t.pubsubs = nil
		t.mu.Unlock()
		for _, ps := range pubsubs {
			if cerr := ps.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
