package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/handler"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.CrossAppMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.CrossAppMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) types() []domain.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.MessageType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

type stubUsers struct{}

func (stubUsers) LookupUser(_ context.Context, identifier string) (*domain.User, error) {
	if identifier != "u@x.com" {
		return nil, nil
	}
	return &domain.User{ID: "user-1", Email: identifier}, nil
}

func (stubUsers) VerifyCredential(_ context.Context, user *domain.User, credential string) bool {
	return user != nil && credential == "p"
}

type routerFixture struct {
	handler   http.Handler
	tokens    *service.TokenService
	publisher *recordingPublisher
}

func newRouterFixture(t *testing.T, mutate func(*Dependencies)) routerFixture {
	t.Helper()
	jwtMgr := security.NewJWTManager("iss", "aud", "abcdefghijklmnopqrstuvwxyz123456", "abcdefghijklmnopqrstuvwxyz654321")
	tokens := service.NewTokenService(jwtMgr, repository.NewInMemorySessionStore(), service.DefaultTokenConfig())
	pub := &recordingPublisher{}
	dep := Dependencies{
		AuthHandler:      handler.NewAuthHandler(stubUsers{}, tokens, pub, handler.AuthHandlerConfig{AppID: "app-a"}),
		Verifier:         tokens,
		AuthRateLimitRPM: 1000,
		AppID:            "app-a",
	}
	if mutate != nil {
		mutate(&dep)
	}
	return routerFixture{handler: NewRouter(dep), tokens: tokens, publisher: pub}
}

func perform(r http.Handler, method, target string, headers map[string]string, cookies []*http.Cookie, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func cookieMap(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	errObj, _ := env["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestRouterHealthLive(t *testing.T) {
	f := newRouterFixture(t, nil)

	rr := perform(f.handler, http.MethodGet, "/health/live", nil, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected health live payload, got %s", rr.Body.String())
	}
}

func TestRouterSignInSessionRefreshSignOut(t *testing.T) {
	f := newRouterFixture(t, nil)

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":"u@x.com","password":"p"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	cookies := cookieMap(rr)
	access, refresh, csrf := cookies[security.AccessTokenCookie], cookies[security.RefreshTokenCookie], cookies[security.CSRFCookie]
	if access == nil || refresh == nil || csrf == nil {
		t.Fatalf("expected session and csrf cookies, got %v", cookies)
	}
	if !access.HttpOnly || access.SameSite != http.SameSiteStrictMode {
		t.Fatalf("access cookie must be HttpOnly and SameSite=Strict: %+v", access)
	}

	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/session", nil, []*http.Cookie{access}, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"user_id":"user-1"`) {
		t.Fatalf("session: expected 200 with user, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/refresh",
		map[string]string{security.CSRFHeader: csrf.Value},
		[]*http.Cookie{refresh, csrf}, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"token_version":1`) {
		t.Fatalf("refresh: expected 200 with version 1, got %d body=%s", rr.Code, rr.Body.String())
	}
	rotated := cookieMap(rr)
	newAccess, newCSRF := rotated[security.AccessTokenCookie], rotated[security.CSRFCookie]

	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/session", nil, []*http.Cookie{access}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("pre-refresh access token should be rejected, got %d", rr.Code)
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/signout",
		map[string]string{security.CSRFHeader: newCSRF.Value},
		[]*http.Cookie{newAccess, newCSRF}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sign out: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if c := cookieMap(rr)[security.AccessTokenCookie]; c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected access cookie to be cleared, got %+v", c)
	}

	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/session", nil, []*http.Cookie{newAccess}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("signed-out token should be rejected, got %d", rr.Code)
	}

	want := []domain.MessageType{domain.MessageLogin, domain.MessageRefresh, domain.MessageLogout}
	got := f.publisher.types()
	if len(got) != len(want) {
		t.Fatalf("expected published %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected published %v, got %v", want, got)
		}
	}
}

func TestRouterSignInRejectsBadCredentials(t *testing.T) {
	f := newRouterFixture(t, nil)

	for _, body := range []string{
		`{"identifier":"u@x.com","password":"wrong"}`,
		`{"identifier":"nobody@x.com","password":"p"}`,
	} {
		rr := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, body)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "INVALID_CREDENTIALS" {
			t.Fatalf("expected INVALID_CREDENTIALS, got %q", code)
		}
	}
	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}
	if len(f.publisher.types()) != 0 {
		t.Fatal("failed sign-ins must not publish")
	}
}

func TestRouterRefreshReuseRevokesAndAnnounces(t *testing.T) {
	f := newRouterFixture(t, nil)

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":"u@x.com","password":"p"}`)
	cookies := cookieMap(rr)
	refresh, csrf := cookies[security.RefreshTokenCookie], cookies[security.CSRFCookie]
	headers := map[string]string{security.CSRFHeader: csrf.Value}

	if rr := perform(f.handler, http.MethodPost, "/api/v1/auth/refresh", headers, []*http.Cookie{refresh, csrf}, ""); rr.Code != http.StatusOK {
		t.Fatalf("first refresh: expected 200, got %d", rr.Code)
	}
	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/refresh", headers, []*http.Cookie{refresh, csrf}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh: expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "TOKEN_REVOKED" {
		t.Fatalf("expected TOKEN_REVOKED, got %q", code)
	}
	got := f.publisher.types()
	if got[len(got)-1] != domain.MessageRevoke {
		t.Fatalf("expected revoke announcement, got %v", got)
	}
}

func TestRouterCSRFScopeOnSensitiveRoutes(t *testing.T) {
	f := newRouterFixture(t, nil)

	cases := []struct {
		name    string
		path    string
		cookies []*http.Cookie
	}{
		{name: "refresh", path: "/api/v1/auth/refresh", cookies: []*http.Cookie{{Name: security.RefreshTokenCookie, Value: "rt"}}},
		{name: "signout", path: "/api/v1/auth/signout", cookies: []*http.Cookie{{Name: security.AccessTokenCookie, Value: "at"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := perform(f.handler, http.MethodPost, tc.path, nil, tc.cookies, "")
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403 csrf rejection, got %d body=%s", rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != "CSRF_INVALID" {
				t.Fatalf("expected CSRF_INVALID, got %q", code)
			}
		})
	}
}

func TestRouterUsesCustomAuthLimiter(t *testing.T) {
	hits := 0
	f := newRouterFixture(t, func(dep *Dependencies) {
		dep.AuthRateLimiter = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits++
				w.WriteHeader(http.StatusTooManyRequests)
			})
		}
	})

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":"u@x.com","password":"p"}`)
	if rr.Code != http.StatusTooManyRequests || hits != 1 {
		t.Fatalf("expected custom limiter to handle sign-in, got %d hits=%d", rr.Code, hits)
	}
}

func TestRouterFallbackAuthLimiter(t *testing.T) {
	f := newRouterFixture(t, func(dep *Dependencies) { dep.AuthRateLimitRPM = 1 })

	first := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":"u@x.com","password":"wrong"}`)
	if first.Code != http.StatusUnauthorized {
		t.Fatalf("first request expected 401, got %d", first.Code)
	}
	second := perform(f.handler, http.MethodPost, "/api/v1/auth/signin", nil, nil, `{"identifier":"u@x.com","password":"p"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", second.Code)
	}
}

func TestRouterMountsRelay(t *testing.T) {
	f := newRouterFixture(t, func(dep *Dependencies) {
		dep.Relay = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})
	if rr := perform(f.handler, http.MethodGet, "/api/v1/sync/ws", nil, nil, ""); rr.Code != http.StatusTeapot {
		t.Fatalf("expected relay handler, got %d", rr.Code)
	}
}
