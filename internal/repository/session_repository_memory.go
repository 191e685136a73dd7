package repository

import (
	"context"
	"sync"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
)

// InMemorySessionStore keeps sessions in process memory. Sibling applications
// running in one process (tests, local demos) may share a single instance.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*domain.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemorySessionStore) WithClock(now func() time.Time) *InMemorySessionStore {
	s.now = func() time.Time { return now().UTC() }
	return s
}

func (s *InMemorySessionStore) Create(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Stored()
	return nil
}

func (s *InMemorySessionStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *InMemorySessionStore) UpdateVersion(_ context.Context, sessionID string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	if session.TokenVersion != expected {
		return 0, ErrVersionConflict
	}
	return s.increment(session), nil
}

func (s *InMemorySessionStore) RotateRefreshToken(_ context.Context, sessionID string, expected int64, oldHash, newHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	if session.TokenVersion != expected || session.RefreshTokenHash != oldHash {
		return 0, ErrVersionConflict
	}
	session.RefreshTokenHash = newHash
	return s.increment(session), nil
}

// increment must be called with mu held.
func (s *InMemorySessionStore) increment(session *domain.Session) int64 {
	now := s.now()
	session.TokenVersion++
	session.LastRotatedAt = &now
	session.LastActivityAt = now
	return session.TokenVersion
}

func (s *InMemorySessionStore) Touch(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.LastActivityAt = s.now()
	return nil
}

func (s *InMemorySessionStore) Revoke(_ context.Context, sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.active(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	now := s.now()
	session.RevokedAt = &now
	session.RevokedReason = &reason
	return nil
}

func (s *InMemorySessionStore) CleanupExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var removed int64
	for id, session := range s.sessions {
		if session.RevokedAt != nil || !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemorySessionStore) active(sessionID string) (*domain.Session, bool) {
	session, ok := s.sessions[sessionID]
	if !ok || session.RevokedAt != nil {
		return nil, false
	}
	return session, true
}
