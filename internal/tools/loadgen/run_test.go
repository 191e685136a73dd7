package loadgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

func TestClassifyStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		500: "5xx",
		100: "other",
	}
	for status, want := range cases {
		if got := classifyStatusClass(status); got != want {
			t.Fatalf("classifyStatusClass(%d)=%q want %q", status, got, want)
		}
	}
}

func TestNormalizeProfile(t *testing.T) {
	if got := normalizeProfile(""); got != "mixed" {
		t.Fatalf("normalizeProfile empty=%q want mixed", got)
	}
	if got := normalizeProfile("  AUTH  "); got != "auth" {
		t.Fatalf("normalizeProfile auth=%q want auth", got)
	}
}

func TestRunAgainstFakeAuthService(t *testing.T) {
	var signIns, sessions, signOuts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		signIns.Add(1)
		http.SetCookie(w, &http.Cookie{Name: security.AccessTokenCookie, Value: "tok", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: security.CSRFCookie, Value: "csrf", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/auth/session", func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		if _, err := r.Cookie(security.AccessTokenCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		signOuts.Add(1)
		if r.Header.Get(security.CSRFHeader) != "csrf" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := Run(context.Background(), Config{
		BaseURL:     srv.URL,
		Profile:     "MIXED",
		Duration:    300 * time.Millisecond,
		RPS:         50,
		Concurrency: 2,
		Seed:        7,
		Identifier:  "u@x.com",
		Password:    "pw",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TotalRequests == 0 || res.Failures != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.StatusClasses["4xx"] != 0 {
		t.Fatalf("csrf header should be echoed from the cookie jar: %+v", res.StatusClasses)
	}
	if signIns.Load() == 0 || sessions.Load() == 0 {
		t.Fatalf("expected mixed traffic, signins=%d sessions=%d", signIns.Load(), sessions.Load())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	if _, err := Run(context.Background(), Config{BaseURL: "http://x", Profile: "nope", Duration: time.Second}); err == nil {
		t.Fatal("expected unknown profile error")
	}
	if _, err := Run(context.Background(), Config{BaseURL: "::", Duration: time.Second}); err == nil {
		t.Fatal("expected invalid base url error")
	}
	if _, err := Run(context.Background(), Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected duration error")
	}
}
