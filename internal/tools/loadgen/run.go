// Package loadgen drives sign-in and session traffic against a running auth
// service.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

const (
	ProfileAuth    = "auth"
	ProfileSession = "session"
	ProfileMixed   = "mixed"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        uint64
	Identifier  string
	Password    string
	Timeout     time.Duration
}

type Result struct {
	TotalRequests int64
	Failures      int64
	StatusClasses map[string]int64
	Elapsed       time.Duration
}

func (c *Config) normalize() error {
	c.Profile = normalizeProfile(c.Profile)
	switch c.Profile {
	case ProfileAuth, ProfileSession, ProfileMixed:
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// Run paces requests at cfg.RPS across cfg.Concurrency workers until
// cfg.Duration elapses or ctx ends.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.normalize(); err != nil {
		return Result{}, err
	}
	paceCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	counters := &stats{classes: map[string]int64{}}
	ticks := make(chan struct{})
	started := time.Now()

	workers := make([]*worker, cfg.Concurrency)
	for i := range workers {
		w, err := newWorker(cfg, uint64(i))
		if err != nil {
			return Result{}, err
		}
		workers[i] = w
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			for range ticks {
				w.step(gctx, counters)
			}
			return nil
		})
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
pace:
	for {
		select {
		case <-paceCtx.Done():
			break pace
		case <-ticker.C:
			select {
			case ticks <- struct{}{}:
			default:
				// All workers busy; drop the slot.
			}
		}
	}
	close(ticks)
	_ = g.Wait()

	return Result{
		TotalRequests: counters.total.Load(),
		Failures:      counters.failures.Load(),
		StatusClasses: counters.snapshot(),
		Elapsed:       time.Since(started),
	}, nil
}

type stats struct {
	total    atomic.Int64
	failures atomic.Int64
	mu       sync.Mutex
	classes  map[string]int64
}

func (s *stats) record(status int, err error) {
	s.total.Add(1)
	class := "error"
	if err == nil {
		class = classifyStatusClass(status)
	}
	if err != nil || status >= 500 {
		s.failures.Add(1)
	}
	s.mu.Lock()
	s.classes[class]++
	s.mu.Unlock()
}

func (s *stats) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.classes))
	for k, v := range s.classes {
		out[k] = v
	}
	return out
}

type worker struct {
	cfg      Config
	client   *http.Client
	base     *url.URL
	rng      *rand.Rand
	signedIn bool
}

func newWorker(cfg Config, id uint64) (*worker, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return &worker{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout},
		base:   base,
		rng:    rand.New(rand.NewPCG(cfg.Seed, id)),
	}, nil
}

func (w *worker) step(ctx context.Context, s *stats) {
	profile := w.cfg.Profile
	if profile == ProfileMixed {
		if w.rng.IntN(4) == 0 {
			profile = ProfileAuth
		} else {
			profile = ProfileSession
		}
	}
	switch {
	case profile == ProfileAuth && w.signedIn:
		s.record(w.do(ctx, http.MethodPost, "/api/v1/auth/signout", nil))
		w.signedIn = false
	case profile == ProfileAuth || !w.signedIn:
		status, err := w.do(ctx, http.MethodPost, "/api/v1/auth/signin", map[string]string{
			"identifier": w.cfg.Identifier,
			"password":   w.cfg.Password,
		})
		s.record(status, err)
		w.signedIn = err == nil && status == http.StatusOK
	default:
		status, err := w.do(ctx, http.MethodGet, "/api/v1/auth/session", nil)
		s.record(status, err)
		if status == http.StatusUnauthorized {
			w.signedIn = false
		}
	}
}

func (w *worker) do(ctx context.Context, method, path string, body any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.BaseURL+path, payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range w.client.Jar.Cookies(w.base) {
		if c.Name == security.CSRFCookie {
			req.Header.Set(security.CSRFHeader, c.Value)
		}
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	if p == "" {
		return ProfileMixed
	}
	return p
}
