package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore shares the replay set across every process of a trust
// domain, so a message replayed to another instance is still rejected.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "crossapp_nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) SeenOrRecord(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	recorded, err := s.client.SetNX(ctx, s.key(nonce), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !recorded, nil
}

func (s *RedisNonceStore) key(nonce string) string {
	return fmt.Sprintf("%s:%s", s.prefix, nonce)
}
