package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type storeFactory func(t *testing.T) SessionStore

func sessionStores() map[string]storeFactory {
	return map[string]storeFactory{
		"gorm":   func(t *testing.T) SessionStore { return newSessionRepoForTest(t) },
		"redis":  func(t *testing.T) SessionStore { return newRedisSessionStoreForTest(t) },
		"memory": func(t *testing.T) SessionStore { return NewInMemorySessionStore() },
	}
}

func TestSessionStoreCreateAndGet(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			s := newTestSession("s-create")
			s.Metadata = domain.Metadata{"app": "web"}
			if err := store.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := store.Get(ctx, "s-create")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.UserID != "user-1" || got.TokenVersion != 0 || got.RefreshTokenHash != "h0" {
				t.Fatalf("unexpected session: %+v", got)
			}
			if got.Metadata["app"] != "web" {
				t.Fatalf("expected metadata to survive, got %+v", got.Metadata)
			}
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestSessionStoreUpdateVersionCompareAndIncrement(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTestSession("s-cas")); err != nil {
				t.Fatalf("create: %v", err)
			}
			v, err := store.UpdateVersion(ctx, "s-cas", 0)
			if err != nil || v != 1 {
				t.Fatalf("expected version 1, got %d err=%v", v, err)
			}
			if _, err := store.UpdateVersion(ctx, "s-cas", 0); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}
			got, err := store.Get(ctx, "s-cas")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.TokenVersion != 1 || got.LastRotatedAt == nil {
				t.Fatalf("expected rotated session at version 1, got %+v", got)
			}
			if _, err := store.UpdateVersion(ctx, "missing", 0); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected not found for missing session, got %v", err)
			}
		})
	}
}

func TestSessionStoreConcurrentUpdateVersionSingleWinner(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTestSession("s-race")); err != nil {
				t.Fatalf("create: %v", err)
			}

			const workers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   int
				conflicts int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.UpdateVersion(ctx, "s-race", 0)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners++
					case errors.Is(err, ErrVersionConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			if winners != 1 || conflicts != workers-1 {
				t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", workers-1, winners, conflicts)
			}
			got, err := store.Get(ctx, "s-race")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.TokenVersion != 1 {
				t.Fatalf("expected version 1, got %d", got.TokenVersion)
			}
		})
	}
}

func TestSessionStoreRevokeHidesSession(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTestSession("s-revoke")); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Revoke(ctx, "s-revoke", "logout"); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if _, err := store.Get(ctx, "s-revoke"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected revoked session to be not found, got %v", err)
			}
			if _, err := store.UpdateVersion(ctx, "s-revoke", 0); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected update on revoked session to fail, got %v", err)
			}
			if err := store.Touch(ctx, "s-revoke"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected touch on revoked session to fail, got %v", err)
			}
			if err := store.Revoke(ctx, "s-revoke", "logout"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected second revoke to report not found, got %v", err)
			}
		})
	}
}

func TestSessionStoreTouch(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			s := newTestSession("s-touch")
			s.LastActivityAt = time.Now().UTC().Add(-10 * time.Minute)
			if err := store.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Touch(ctx, "s-touch"); err != nil {
				t.Fatalf("touch: %v", err)
			}
			got, err := store.Get(ctx, "s-touch")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if time.Since(got.LastActivityAt) > time.Minute {
				t.Fatalf("expected activity to be refreshed, got %s", got.LastActivityAt)
			}
		})
	}
}

func TestSessionStoreRotateRefreshTokenChecksHashAndVersion(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTestSession("s-refresh")); err != nil {
				t.Fatalf("create: %v", err)
			}

			if _, err := store.RotateRefreshToken(ctx, "s-refresh", 0, "wrong", "h1"); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected conflict on hash mismatch, got %v", err)
			}
			if _, err := store.RotateRefreshToken(ctx, "s-refresh", 5, "h0", "h1"); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected conflict on version mismatch, got %v", err)
			}
			got, err := store.Get(ctx, "s-refresh")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.TokenVersion != 0 || got.RefreshTokenHash != "h0" {
				t.Fatalf("failed rotation mutated session: version=%d hash=%q", got.TokenVersion, got.RefreshTokenHash)
			}

			version, err := store.RotateRefreshToken(ctx, "s-refresh", 0, "h0", "h1")
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}
			if version != 1 {
				t.Fatalf("expected version 1, got %d", version)
			}
			got, err = store.Get(ctx, "s-refresh")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.TokenVersion != 1 || got.RefreshTokenHash != "h1" {
				t.Fatalf("expected version 1 and hash h1, got %d %q", got.TokenVersion, got.RefreshTokenHash)
			}
			if got.LastRotatedAt == nil {
				t.Fatal("expected last rotated timestamp")
			}

			if _, err := store.RotateRefreshToken(ctx, "missing", 0, "h0", "h1"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestSessionStoreConcurrentRotateRefreshTokenSingleWinner(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTestSession("s-race")); err != nil {
				t.Fatalf("create: %v", err)
			}

			const workers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   int
				conflicts int
			)
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, err := store.RotateRefreshToken(ctx, "s-race", 0, "h0", fmt.Sprintf("h-%d", i))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners++
					case errors.Is(err, ErrVersionConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()
			if winners != 1 || conflicts != workers-1 {
				t.Fatalf("expected one winner, got winners=%d conflicts=%d", winners, conflicts)
			}
		})
	}
}

func TestSessionStoreDoesNotKeepIssuedTokens(t *testing.T) {
	for name, newStore := range sessionStores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			s := newTestSession("s-tokens")
			s.AccessToken = "access-jwt"
			s.RefreshToken = "refresh-jwt"
			s.RefreshTokenExpiresAt = time.Now().Add(time.Hour)
			if err := store.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := store.Get(ctx, "s-tokens")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.AccessToken != "" || got.RefreshToken != "" || !got.RefreshTokenExpiresAt.IsZero() {
				t.Fatalf("store returned issued credentials: %+v", got)
			}
			if got.RefreshTokenHash != "h0" {
				t.Fatalf("expected refresh hash to persist, got %q", got.RefreshTokenHash)
			}
			if s.RefreshToken != "refresh-jwt" {
				t.Fatal("create must not mutate the caller's session")
			}
		})
	}
}

func TestGormSessionRepositoryCleanupExpired(t *testing.T) {
	repo := newSessionRepoForTest(t)
	ctx := context.Background()

	live := newTestSession("live")
	expired := newTestSession("expired")
	expired.IssuedAt = time.Now().UTC().Add(-2 * time.Hour)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	revoked := newTestSession("revoked")
	for _, s := range []*domain.Session{live, expired, revoked} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}
	if err := repo.Revoke(ctx, "revoked", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	removed, err := repo.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed sessions, got %d", removed)
	}
	if _, err := repo.Get(ctx, "live"); err != nil {
		t.Fatalf("expected live session to remain: %v", err)
	}
}

func TestRedisSessionStoreExpiresWithSession(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStore(client, "test")
	ctx := context.Background()

	s := newTestSession("s-ttl")
	s.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := server.TTL("test:session:s-ttl"); ttl <= 0 {
		t.Fatalf("expected positive ttl on session key, got %s", ttl)
	}
	server.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "s-ttl"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
}

func TestRedisSessionStoreWrapsOutageAsUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStore(client, "test")
	server.Close()

	if _, err := store.Get(context.Background(), "any"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestGormUserRepositoryFindByEmailNormalizes(t *testing.T) {
	db := newSQLiteForTest(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, &domain.User{ID: "u1", Email: " Alice@Example.com ", PasswordHash: "x"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, err := repo.FindByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if u.ID != "u1" || u.Email != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := repo.FindByID(ctx, "nope"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func newTestSession(id string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:               id,
		UserID:           "user-1",
		RefreshTokenHash: "h0",
		IssuedAt:         now,
		ExpiresAt:        now.Add(24 * time.Hour),
		LastActivityAt:   now,
	}
}

func newSessionRepoForTest(t *testing.T) *GormSessionRepository {
	t.Helper()
	return NewSessionRepository(newSQLiteForTest(t))
}

func newRedisSessionStoreForTest(t *testing.T) *RedisSessionStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, "test")
}

func newSQLiteForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.Session{}, &domain.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
