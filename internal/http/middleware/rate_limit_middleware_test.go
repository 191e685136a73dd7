package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLocalRateLimiterBlocksAfterLimit(t *testing.T) {
	h := NewRateLimiter(2, time.Minute).Middleware()(okHandler())

	for i := 0; i < 2; i++ {
		if rr := hit(h, "10.0.0.1:1000"); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rr.Code)
		}
	}
	rr := hit(h, "10.0.0.1:1001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rr := hit(h, "10.0.0.2:1000"); rr.Code != http.StatusNoContent {
		t.Fatalf("other client should not be limited, got %d", rr.Code)
	}
}

func TestRedisRateLimiterSharesBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := RateLimitPolicy{SustainedLimit: 2, SustainedWindow: time.Minute}
	appA := NewRateLimiterWithPolicy(NewRedisLimiter(client, "td"), policy, FailClosed, "signin", nil).Middleware()(okHandler())
	appB := NewRateLimiterWithPolicy(NewRedisLimiter(client, "td"), policy, FailClosed, "signin", nil).Middleware()(okHandler())

	if rr := hit(appA, "10.0.0.9:1"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := hit(appB, "10.0.0.9:2"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := hit(appA, "10.0.0.9:3"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected shared budget to be exhausted, got %d", rr.Code)
	}

	mr.FastForward(time.Minute + time.Second)
	if rr := hit(appB, "10.0.0.9:4"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected window reset, got %d", rr.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, RateLimitPolicy) (Decision, error) {
	return Decision{}, errors.New("backend down")
}

func TestRateLimiterFailureModes(t *testing.T) {
	policy := RateLimitPolicy{SustainedLimit: 1, SustainedWindow: time.Minute}
	open := NewRateLimiterWithPolicy(failingLimiter{}, policy, FailOpen, "signin", nil).Middleware()(okHandler())
	closed := NewRateLimiterWithPolicy(failingLimiter{}, policy, FailClosed, "signin", nil).Middleware()(okHandler())

	if rr := hit(open, "10.0.0.1:1"); rr.Code != http.StatusNoContent {
		t.Fatalf("fail-open should pass, got %d", rr.Code)
	}
	if rr := hit(closed, "10.0.0.1:1"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("fail-closed should reject, got %d", rr.Code)
	}
}
