package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
)

func TestRetryPolicyBackOffIsCapped(t *testing.T) {
	b := DefaultRetryPolicy().backOff()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond, 2 * time.Second, 2 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestRetryStoreRetriesOnlyUnavailable(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}
	ctx := context.Background()

	calls := 0
	_, err := retryStore(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: dial tcp", repository.ErrStoreUnavailable)
	})
	if !errors.Is(err, repository.ErrStoreUnavailable) || calls != 3 {
		t.Fatalf("expected 3 attempts ending unavailable, got calls=%d err=%v", calls, err)
	}

	calls = 0
	_, err = retryStore(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, repository.ErrSessionNotFound
	})
	if !errors.Is(err, repository.ErrSessionNotFound) || calls != 1 {
		t.Fatalf("expected single attempt for not found, got calls=%d err=%v", calls, err)
	}

	calls = 0
	v, err := retryStore(ctx, p, func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, repository.ErrStoreUnavailable
		}
		return 7, nil
	})
	if err != nil || v != 7 || calls != 2 {
		t.Fatalf("expected recovery on second attempt, got v=%d calls=%d err=%v", v, calls, err)
	}
}

func TestRetryStoreStopsOnCancel(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Base: time.Hour, Factor: 2, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryStore(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, repository.ErrStoreUnavailable
	})
	if !errors.Is(err, repository.ErrStoreUnavailable) || calls != 1 {
		t.Fatalf("expected cancellation to end retries with the store error, got calls=%d err=%v", calls, err)
	}
}
