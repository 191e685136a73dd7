package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/unified-auth-sync/internal/app"
	"github.com/sandeepkv93/unified-auth-sync/internal/config"
	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

const (
	testIdentifier = "member@example.com"
	testPassword   = "Valid#Pass1234"
	trustDomain    = "it"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sessionView struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	TokenVersion int64  `json:"token_version"`
}

type node struct {
	app *app.App
	url string
}

func appConfig(appID, dsn string, rpm int) *config.Config {
	return &config.Config{
		AppID:                    appID,
		HTTPAddr:                 "127.0.0.1:0",
		EnableSecureCrossAppSync: true,
		HMACSecret:               "integration-hmac-secret-0123456789",
		SessionTimeoutMs:         int64(24 * time.Hour / time.Millisecond),
		ActivityTimeoutMs:        int64(30 * time.Minute / time.Millisecond),
		DatabaseDriver:           "sqlite",
		DatabaseURL:              dsn,
		SessionStore:             "redis",
		SyncTransport:            "redis",
		SyncTrustDomain:          trustDomain,
		SyncFreshnessWindowMs:    int64(5 * time.Minute / time.Millisecond),
		SyncNonceCapacity:        1024,
		JWTIssuer:                "auth-sync-it",
		JWTAudience:              "auth-sync-it",
		JWTAccessSecret:          "integration-access-secret-0123456789",
		JWTRefreshSecret:         "integration-refresh-secret-012345678",
		JWTAccessTTL:             15 * time.Minute,
		JWTRefreshTTL:            24 * time.Hour,
		RefreshThreshold:         0.8,
		BcryptCost:               4,
		AuthRateLimitRPM:         rpm,
		ShutdownTimeout:          5 * time.Second,
		JanitorInterval:          time.Hour,
	}
}

// newCluster starts one app per id, all sharing a Redis instance and a user
// database, and seeds a single member account. Each app's provider runs
// embedded so the tests can watch it follow its siblings.
func newCluster(t *testing.T, rpm int, appIDs ...string) (redis.UniversalClient, []*node) {
	t.Helper()
	addr := redisAddr(t)
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	nodes := make([]*node, 0, len(appIDs))
	for _, id := range appIDs {
		a, err := app.New(appConfig(id, dsn, rpm), logger, nil,
			app.WithRedisClient(redis.NewClient(&redis.Options{Addr: addr})),
			app.WithEmbeddedProvider(),
		)
		if err != nil {
			t.Fatalf("new app %s: %v", id, err)
		}
		if err := a.Init(context.Background()); err != nil {
			t.Fatalf("init app %s: %v", id, err)
		}
		srv := httptest.NewServer(a.Server.Handler)
		t.Cleanup(func() {
			srv.Close()
			_ = a.Shutdown(context.Background())
		})
		nodes = append(nodes, &node{app: a, url: srv.URL})
	}

	hash, err := security.NewHasher(4).Hash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := nodes[0].app.Users.Create(context.Background(), &domain.User{ID: "member-1", Email: testIdentifier, Name: "Member", PasswordHash: hash}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client, nodes
}

// redisAddr prefers a disposable Redis container and falls back to miniredis.
func redisAddr(t *testing.T) string {
	t.Helper()
	if testing.Short() || !dockerAvailable() {
		return miniredis.RunT(t).Addr()
	}
	hostPort := reserveLocalPort(t)
	containerName := "auth-sync-redis-it-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.Itoa(rand.Intn(1000))
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:6379", hostPort),
		"redis:7-alpine",
		"redis-server", "--save", "", "--appendonly", "no",
	).CombinedOutput()
	if err != nil {
		t.Logf("docker redis unavailable (%v: %s); using miniredis", err, strings.TrimSpace(string(out)))
		return miniredis.RunT(t).Addr()
	}
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", containerName).Run() })

	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	deadline := time.Now().Add(20 * time.Second)
	for client.Ping(context.Background()).Err() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for redis container %s to become ready", containerName)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return addr
}

func dockerAvailable() bool {
	return exec.Command("docker", "version", "--format", "{{.Server.Version}}").Run() == nil
}

func reserveLocalPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve local port: %v", err)
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	return addr.Port
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string, cookies []*http.Cookie) (*http.Response, envelope) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope %q: %v", raw, err)
		}
	}
	return resp, env
}

func signIn(t *testing.T, n *node) (sessionView, []*http.Cookie) {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, n.url+"/api/v1/auth/signin", map[string]string{"identifier": testIdentifier, "password": testPassword}, nil, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("signin failed: status=%d env=%+v", resp.StatusCode, env)
	}
	var view sessionView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode session view: %v", err)
	}
	return view, resp.Cookies()
}

func cookie(t *testing.T, cookies []*http.Cookie, name string) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
