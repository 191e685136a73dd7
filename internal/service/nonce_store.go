package service

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// NonceStore remembers cross-app message nonces for the replay window.
type NonceStore interface {
	// SeenOrRecord reports whether nonce was already recorded; if not, it
	// records it for ttl.
	SeenOrRecord(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

const DefaultNonceCapacity = 4096

type nonceEntry struct {
	nonce     string
	expiresAt time.Time
}

// InMemoryNonceStore is bounded: once full, the oldest nonce is evicted.
type InMemoryNonceStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
	now      func() time.Time
}

func NewInMemoryNonceStore(capacity int) *InMemoryNonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &InMemoryNonceStore{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

func (s *InMemoryNonceStore) WithClock(now func() time.Time) *InMemoryNonceStore {
	s.now = now
	return s
}

func (s *InMemoryNonceStore) SeenOrRecord(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(now)
	if el, ok := s.index[nonce]; ok {
		if now.Before(el.Value.(*nonceEntry).expiresAt) {
			return true, nil
		}
		s.remove(el)
	}
	for s.order.Len() >= s.capacity {
		s.remove(s.order.Front())
	}
	s.index[nonce] = s.order.PushBack(&nonceEntry{nonce: nonce, expiresAt: now.Add(ttl)})
	return false, nil
}

func (s *InMemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// evictExpired drops expired entries from the front. Entries share one ttl in
// practice, so insertion order is expiry order.
func (s *InMemoryNonceStore) evictExpired(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Before(el.Value.(*nonceEntry).expiresAt) {
			return
		}
		s.remove(el)
	}
}

func (s *InMemoryNonceStore) remove(el *list.Element) {
	delete(s.index, el.Value.(*nonceEntry).nonce)
	s.order.Remove(el)
}
