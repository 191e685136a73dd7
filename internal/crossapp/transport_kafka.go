package crossapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per application so every sibling sees every
	// message.
	GroupID string
	Logger  *slog.Logger
}

func (c KafkaConfig) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka consumer group is required"))
	}
	return errors.Join(errs...)
}

// ConsumerGroupFor derives the per-application consumer group.
func ConsumerGroupFor(trustDomain, appID string) string {
	return fmt.Sprintf("auth-sync-%s-%s", trustDomain, appID)
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaTransport struct {
	writer    kafkaWriter
	newReader func() kafkaReader
	logger    *slog.Logger

	mu      sync.Mutex
	readers []kafkaReader
	closed  atomic.Bool
}

func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		KeepAlive: 30 * time.Second,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("kafka writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
	newReader := func() kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
			Dialer:      dialer,
		})
	}
	return newKafkaTransport(writer, newReader, logger), nil
}

func newKafkaTransport(writer kafkaWriter, newReader func() kafkaReader, logger *slog.Logger) *KafkaTransport {
	return &KafkaTransport{writer: writer, newReader: newReader, logger: logger}
}

func (t *KafkaTransport) Publish(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return t.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (t *KafkaTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	reader := t.newReader()
	t.mu.Lock()
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || t.closed.Load() || errors.Is(err, io.EOF) {
					return
				}
				t.logger.Warn("kafka read failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case out <- m.Value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *KafkaTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	readers := t.readers
	t.readers = nil
	t.mu.Unlock()

	errs := []error{t.writer.Close()}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
