package crossapp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

const DefaultFreshnessWindow = 30 * time.Second

// Handler receives accepted messages. Handlers run one at a time on the
// channel's dispatch goroutine, in registration order.
type Handler func(ctx context.Context, msg domain.CrossAppMessage)

type Options struct {
	AppID           string
	Secret          []byte
	FreshnessWindow time.Duration
	Nonces          service.NonceStore
	Logger          *slog.Logger
	Now             func() time.Time
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Channel signs outgoing messages and filters incoming ones before handing
// them to subscribers.
type Channel struct {
	transport Transport
	appID     string
	secret    []byte
	window    time.Duration
	nonces    service.NonceStore
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewChannel(transport Transport, opts Options) (*Channel, error) {
	if transport == nil {
		return nil, errors.New("crossapp: transport is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("crossapp: shared secret is required")
	}
	if opts.AppID == "" {
		return nil, errors.New("crossapp: app id is required")
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.Nonces == nil {
		opts.Nonces = service.NewInMemoryNonceStore(service.DefaultNonceCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		transport: transport,
		appID:     opts.AppID,
		secret:    append([]byte(nil), opts.Secret...),
		window:    opts.FreshnessWindow,
		nonces:    opts.Nonces,
		logger:    opts.Logger.With("component", "crossapp", "app_id", opts.AppID),
		now:       opts.Now,
		done:      make(chan struct{}),
	}, nil
}

// Start subscribes to the transport and begins dispatching. It is safe to
// call more than once.
func (c *Channel) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		var frames <-chan []byte
		frames, err = c.transport.Subscribe(runCtx)
		if err != nil {
			cancel()
			close(c.done)
			return
		}
		c.cancel = cancel
		go c.dispatchLoop(runCtx, frames)
	})
	return err
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Closing before Start leaves nothing to dispatch.
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
		err = c.transport.Close()
		<-c.done
	})
	return err
}

// Subscribe registers h and returns a function that removes it.
func (c *Channel) Subscribe(h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.handlers {
				if e.id == id {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish fills the timestamp, nonce and origin when empty, signs the message
// and sends it.
func (c *Channel) Publish(ctx context.Context, msg domain.CrossAppMessage) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	now := c.now()
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}
	if msg.Nonce == "" {
		id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
		if err != nil {
			return err
		}
		msg.Nonce = id.String()
	}
	if msg.Origin == "" {
		msg.Origin = c.appID
	}
	sig, err := Sign(msg, c.secret)
	if err != nil {
		return err
	}
	msg.Signature = sig

	// Our own echo must never be applied as a fresh message.
	if _, err := c.nonces.SeenOrRecord(ctx, msg.Nonce, c.nonceTTL()); err != nil {
		c.logger.Warn("record own nonce failed", "nonce", msg.Nonce, "error", err)
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, payload); err != nil {
		observability.RecordCrossAppMessage(ctx, "outbound", string(msg.Type), "error")
		return err
	}
	observability.RecordCrossAppMessage(ctx, "outbound", string(msg.Type), "published")
	c.logger.Debug("cross-app message published", "type", msg.Type, "session_id", msg.SessionID, "nonce", msg.Nonce)
	return nil
}

// Done is closed when the dispatch loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) dispatchLoop(ctx context.Context, frames <-chan []byte) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			msg, err := c.accept(ctx, raw)
			if err != nil {
				continue
			}
			c.dispatch(ctx, msg)
		}
	}
}

// accept runs the acceptance checks in order: shape, signature, freshness,
// origin, replay. A nil error means msg should be dispatched.
func (c *Channel) accept(ctx context.Context, raw []byte) (domain.CrossAppMessage, error) {
	msg, err := Decode(raw)
	if err != nil {
		c.reject(ctx, msg, "malformed", slog.LevelWarn, err)
		return msg, err
	}
	if !Verify(msg, c.secret) {
		c.reject(ctx, msg, "bad_signature", slog.LevelWarn, ErrSignatureVerification)
		return msg, ErrSignatureVerification
	}
	age := c.now().Sub(time.UnixMilli(msg.Timestamp))
	if age < 0 {
		age = -age
	}
	if age > c.window {
		c.reject(ctx, msg, "stale", slog.LevelDebug, ErrStaleMessage)
		return msg, ErrStaleMessage
	}
	if msg.Origin == c.appID {
		observability.RecordCrossAppMessage(ctx, "inbound", string(msg.Type), "own_origin")
		return msg, errOwnOrigin
	}
	seen, err := c.nonces.SeenOrRecord(ctx, msg.Nonce, c.nonceTTL())
	if err != nil {
		c.reject(ctx, msg, "nonce_store_error", slog.LevelWarn, err)
		return msg, err
	}
	if seen {
		c.reject(ctx, msg, "replayed", slog.LevelDebug, ErrReplayedMessage)
		return msg, ErrReplayedMessage
	}
	observability.RecordCrossAppMessage(ctx, "inbound", string(msg.Type), "accepted")
	return msg, nil
}

var errOwnOrigin = errors.New("own origin")

func (c *Channel) reject(ctx context.Context, msg domain.CrossAppMessage, outcome string, level slog.Level, err error) {
	observability.RecordCrossAppMessage(ctx, "inbound", string(msg.Type), outcome)
	c.logger.Log(ctx, level, "cross-app message rejected",
		"outcome", outcome,
		"type", msg.Type,
		"origin", msg.Origin,
		"session_id", msg.SessionID,
		"error", err,
	)
}

func (c *Channel) dispatch(ctx context.Context, msg domain.CrossAppMessage) {
	c.mu.RLock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(ctx, h.fn, msg)
	}
}

func (c *Channel) invoke(ctx context.Context, h Handler, msg domain.CrossAppMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cross-app handler panicked", "type", msg.Type, "session_id", msg.SessionID, "panic", r)
		}
	}()
	h(ctx, msg)
}

// nonceTTL covers the whole window on both sides of now.
func (c *Channel) nonceTTL() time.Duration {
	return 2 * c.window
}
