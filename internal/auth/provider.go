// Package auth holds the per-application session façade that host
// applications sign users in and out through.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/unified-auth-sync/internal/crossapp"
	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
)

// UserDirectory is the external user-record store.
type UserDirectory interface {
	// LookupUser returns nil, nil when no user matches.
	LookupUser(ctx context.Context, identifier string) (*domain.User, error)
	VerifyCredential(ctx context.Context, user *domain.User, credential string) bool
}

// SessionTokens is the part of service.TokenService the provider drives.
type SessionTokens interface {
	CreateSession(ctx context.Context, user *domain.User, deviceFingerprint string, metadata domain.Metadata) (*domain.Session, error)
	VerifyToken(ctx context.Context, token string) (*security.Claims, error)
	RefreshSession(ctx context.Context, refreshToken string) (*domain.Session, error)
	RotateSession(ctx context.Context, sessionID string) (*domain.Session, error)
	AdoptSession(ctx context.Context, sessionID string) (*domain.Session, error)
	RevokeSession(ctx context.Context, sessionID, reason string) error
	Touch(ctx context.Context, sessionID string) error
}

// SyncChannel is the cross-app channel as seen by a provider.
type SyncChannel interface {
	Publish(ctx context.Context, msg domain.CrossAppMessage) error
	Subscribe(h crossapp.Handler) func()
}

type Config struct {
	AppID           string
	ActivityTimeout time.Duration
	// RefreshThreshold is the elapsed fraction of the access token lifetime
	// after which GetSession refreshes.
	RefreshThreshold      float64
	TouchInterval         time.Duration
	ActivityCheckInterval time.Duration
	ReconcileInterval     time.Duration
	Retry                 RetryPolicy
	Logger                *slog.Logger
	Now                   func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 30 * time.Minute
	}
	if c.RefreshThreshold <= 0 || c.RefreshThreshold >= 1 {
		c.RefreshThreshold = 0.8
	}
	if c.TouchInterval <= 0 {
		c.TouchInterval = time.Minute
	}
	if c.ActivityCheckInterval <= 0 {
		c.ActivityCheckInterval = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SessionChange is passed to OnSessionChange callbacks. Session is nil once
// the provider is anonymous.
type SessionChange struct {
	Previous State
	Current  State
	Session  *domain.Session
	Reason   string
}

type SignInOption func(*signInOptions)

type signInOptions struct {
	deviceFingerprint string
	metadata          domain.Metadata
}

func WithDeviceFingerprint(fp string) SignInOption {
	return func(o *signInOptions) { o.deviceFingerprint = fp }
}

func WithMetadata(md domain.Metadata) SignInOption {
	return func(o *signInOptions) { o.metadata = md }
}

type callbackEntry struct {
	id uint64
	fn func(SessionChange)
}

// Provider tracks one application's view of the shared session. State is
// guarded by mu; store calls happen outside the lock and their results are
// applied only if no other change happened meanwhile (gen).
type Provider struct {
	cfg     Config
	tokens  SessionTokens
	users   UserDirectory
	channel SyncChannel
	logger  *slog.Logger

	activityTimeout atomic.Int64

	mu        sync.Mutex
	state     State
	session   *domain.Session
	gen       uint64
	lastTouch time.Time
	callbacks []callbackEntry
	nextCB    uint64

	refreshGroup singleflight.Group

	lifecycleMu sync.Mutex
	running     bool
	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewProvider builds a provider. channel may be nil when cross-app sync is
// disabled.
func NewProvider(tokens SessionTokens, users UserDirectory, channel SyncChannel, cfg Config) *Provider {
	cfg.applyDefaults()
	p := &Provider{
		cfg:     cfg,
		tokens:  tokens,
		users:   users,
		channel: channel,
		logger:  cfg.Logger.With("component", "auth_provider", "app_id", cfg.AppID),
		state:   StateAnonymous,
	}
	p.activityTimeout.Store(int64(cfg.ActivityTimeout))
	return p
}

// SetActivityTimeout changes the idle limit for subsequent checks.
func (p *Provider) SetActivityTimeout(d time.Duration) {
	if d > 0 {
		p.activityTimeout.Store(int64(d))
	}
}

func (p *Provider) idleLimit() time.Duration {
	return time.Duration(p.activityTimeout.Load())
}

func (p *Provider) AppID() string { return p.cfg.AppID }

// Init subscribes to sibling announcements and starts the activity monitor
// and reconcile loop. Calling it on a running provider is a no-op.
func (p *Provider) Init(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running {
		return nil
	}
	if p.channel != nil {
		p.unsubscribe = p.channel.Subscribe(p.handleMessage)
	}
	p.stop = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	go p.monitor(context.WithoutCancel(ctx), p.stop)
	p.logger.Info("auth provider initialized", "sync", p.channel != nil)
	return nil
}

// Shutdown stops background work. The session itself is left alone; use
// SignOut to end it.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if !p.running {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) monitor(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	activity := time.NewTicker(p.cfg.ActivityCheckInterval)
	defer activity.Stop()
	reconcile := time.NewTicker(p.cfg.ReconcileInterval)
	defer reconcile.Stop()
	for {
		select {
		case <-stop:
			return
		case <-activity.C:
			p.expireIfIdle(ctx)
		case <-reconcile.C:
			p.Reconcile(ctx)
		}
	}
}

func (p *Provider) SignIn(ctx context.Context, identifier, credential string, opts ...SignInOption) (*domain.Session, error) {
	var o signInOptions
	for _, opt := range opts {
		opt(&o)
	}

	if p.currentSession() != nil {
		if err := p.SignOut(ctx); err != nil {
			return nil, err
		}
	}
	gen, ok := p.transition(StateAnonymous, StateAuthenticating, "sign_in")
	if !ok {
		return nil, errors.New("auth: sign-in already in progress")
	}

	user, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (*domain.User, error) {
		return p.users.LookupUser(ctx, identifier)
	})
	if err != nil {
		p.abortSignIn(gen)
		return nil, err
	}
	if user == nil || user.Disabled || !p.users.VerifyCredential(ctx, user, credential) {
		p.abortSignIn(gen)
		return nil, &CredentialError{Identifier: identifier}
	}

	session, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (*domain.Session, error) {
		return p.tokens.CreateSession(ctx, user, o.deviceFingerprint, o.metadata)
	})
	if err != nil {
		p.abortSignIn(gen)
		return nil, err
	}

	if !p.apply(gen, StateAuthenticated, session, "sign_in") {
		// Something else changed state while we were creating the session.
		_ = p.tokens.RevokeSession(context.WithoutCancel(ctx), session.ID, "superseded")
		return nil, errors.New("auth: sign-in superseded")
	}
	p.publish(ctx, domain.MessageLogin, session)
	return session.Clone(), nil
}

// SignOut ends the session everywhere. Store errors are logged; the local
// state is cleared regardless. Signing out while anonymous is a no-op.
func (p *Provider) SignOut(ctx context.Context) error {
	session := p.clear("sign_out")
	if session == nil {
		return nil
	}
	_, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.tokens.RevokeSession(ctx, session.ID, service.RevokeReasonLogout)
	})
	if err != nil {
		p.logger.Warn("revoke on sign-out failed", "session_id", session.ID, "error", err)
	}
	p.publish(ctx, domain.MessageLogout, session)
	return nil
}

// GetSession returns the current session, refreshing it first when most of
// the access token lifetime has elapsed. It returns nil when anonymous or
// when the session can no longer be trusted.
func (p *Provider) GetSession(ctx context.Context) *domain.Session {
	session := p.currentSession()
	if session == nil {
		return nil
	}
	now := p.cfg.Now()
	if session.IsExpired(now, p.idleLimit()) {
		p.clearIfCurrent(session.ID, "expired")
		return nil
	}
	if !p.needsRefresh(session, now) {
		return session
	}
	refreshed, err := p.refresh(ctx, session.ID)
	if err != nil {
		return nil
	}
	return refreshed
}

func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	return p.GetSession(ctx) != nil
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnSessionChange registers cb and returns a function that removes it.
// Callbacks run synchronously after the state change, in registration order.
func (p *Provider) OnSessionChange(cb func(SessionChange)) func() {
	p.mu.Lock()
	p.nextCB++
	id := p.nextCB
	p.callbacks = append(p.callbacks, callbackEntry{id: id, fn: cb})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, e := range p.callbacks {
				if e.id == id {
					p.callbacks = append(p.callbacks[:i:i], p.callbacks[i+1:]...)
					return
				}
			}
		})
	}
}

// RecordActivity marks user activity. The store is touched at most once per
// TouchInterval.
func (p *Provider) RecordActivity(ctx context.Context) {
	now := p.cfg.Now()
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return
	}
	p.session.LastActivityAt = now
	id := p.session.ID
	shouldTouch := now.Sub(p.lastTouch) >= p.cfg.TouchInterval
	if shouldTouch {
		p.lastTouch = now
	}
	p.mu.Unlock()

	if !shouldTouch {
		return
	}
	_, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.tokens.Touch(ctx, id)
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrTokenRevoked):
		p.clearIfCurrent(id, "revoked")
	default:
		p.logger.Warn("touch failed", "session_id", id, "error", err)
	}
}

// Reconcile checks the local access token against the store. A stale version
// is repaired by re-adopting the stored session; a revoked or unreachable
// session makes the provider anonymous.
func (p *Provider) Reconcile(ctx context.Context) {
	session := p.GetSession(ctx)
	if session == nil {
		return
	}
	_, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (*security.Claims, error) {
		return p.tokens.VerifyToken(ctx, session.AccessToken)
	})
	switch {
	case err == nil:
		return
	case errors.Is(err, service.ErrTokenRevoked):
		if p.adopt(ctx, session.ID, session.UserID, "reconcile") {
			return
		}
		p.clearIfCurrent(session.ID, "revoked")
	case errors.Is(err, service.ErrTokenExpired):
		p.clearIfCurrent(session.ID, "expired")
	default:
		p.logger.Warn("reconcile failed, signing out locally", "session_id", session.ID, "error", err)
		p.clearIfCurrent(session.ID, "store_unavailable")
	}
}

func (p *Provider) handleMessage(ctx context.Context, msg domain.CrossAppMessage) {
	current := p.currentSession()
	switch msg.Type {
	case domain.MessageLogin, domain.MessageRefresh:
		if current != nil && current.ID != msg.SessionID {
			p.logger.Debug("ignoring announcement for a different session", "type", msg.Type, "session_id", msg.SessionID)
			return
		}
		if current != nil && msg.Type == domain.MessageLogin {
			return
		}
		p.adopt(ctx, msg.SessionID, msg.UserID, "sync_"+string(msg.Type))
	case domain.MessageLogout, domain.MessageRevoke:
		if current == nil || current.ID != msg.SessionID {
			return
		}
		if p.clearIfCurrent(msg.SessionID, "sync_"+string(msg.Type)) {
			observability.RecordAuthSignOut(ctx, p.cfg.AppID, "sync")
			observability.AuditEvent(ctx, p.logger, "auth.signout.sync", "session_id", msg.SessionID, "origin", msg.Origin)
		}
	}
}

// adopt verifies sessionID in the shared store and takes it over locally.
func (p *Provider) adopt(ctx context.Context, sessionID, userID, reason string) bool {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	adopted, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (*domain.Session, error) {
		return p.tokens.AdoptSession(ctx, sessionID)
	})
	if err != nil {
		p.logger.Warn("session adoption failed", "session_id", sessionID, "reason", reason, "error", err)
		return false
	}
	if userID != "" && adopted.UserID != userID {
		p.logger.Warn("announced user does not own session", "session_id", sessionID)
		return false
	}

	p.mu.Lock()
	if p.gen != gen || p.state == StateAuthenticating || (p.session != nil && p.session.ID != sessionID) {
		p.mu.Unlock()
		return false
	}
	if p.session != nil {
		// Keep the refresh token this application already holds.
		adopted.RefreshToken = p.session.RefreshToken
		adopted.RefreshTokenExpiresAt = p.session.RefreshTokenExpiresAt
	}
	change := p.setLocked(StateAuthenticated, adopted, reason)
	p.mu.Unlock()
	p.notify(ctx, change)
	return true
}

func (p *Provider) refresh(ctx context.Context, sessionID string) (*domain.Session, error) {
	v, err, _ := p.refreshGroup.Do(sessionID, func() (any, error) {
		return p.doRefresh(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (p *Provider) doRefresh(ctx context.Context, sessionID string) (*domain.Session, error) {
	p.mu.Lock()
	if p.session == nil || p.session.ID != sessionID {
		p.mu.Unlock()
		return nil, service.ErrTokenRevoked
	}
	refreshToken := p.session.RefreshToken
	refreshExpiresAt := p.session.RefreshTokenExpiresAt
	change := p.setLocked(StateRefreshing, p.session, "refresh")
	gen := p.gen
	p.mu.Unlock()
	p.notify(ctx, change)

	refreshed, err := retryStore(ctx, p.cfg.Retry, func(ctx context.Context) (*domain.Session, error) {
		if refreshToken != "" {
			return p.tokens.RefreshSession(ctx, refreshToken)
		}
		// Adopted sessions carry no refresh token; rotate by id instead.
		return p.tokens.RotateSession(ctx, sessionID)
	})
	if err != nil {
		p.logger.Warn("session refresh failed", "session_id", sessionID, "error", err)
		p.clearIfCurrent(sessionID, "refresh_failed")
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
		refreshed.RefreshTokenExpiresAt = refreshExpiresAt
	}
	if !p.apply(gen, StateAuthenticated, refreshed, "refresh") {
		if current := p.currentSession(); current != nil && current.ID == sessionID {
			return current, nil
		}
		return nil, service.ErrTokenRevoked
	}
	p.publish(ctx, domain.MessageRefresh, refreshed)
	return refreshed.Clone(), nil
}

func (p *Provider) needsRefresh(session *domain.Session, now time.Time) bool {
	if session.AccessTokenExpiresAt.IsZero() {
		return false
	}
	lifetime := session.AccessTokenExpiresAt.Sub(session.AccessTokenIssuedAt)
	threshold := session.AccessTokenIssuedAt.Add(time.Duration(float64(lifetime) * p.cfg.RefreshThreshold))
	return !now.Before(threshold)
}

func (p *Provider) expireIfIdle(ctx context.Context) {
	session := p.currentSession()
	if session == nil {
		return
	}
	if session.IsExpired(p.cfg.Now(), p.idleLimit()) {
		p.clearIfCurrent(session.ID, "activity_timeout")
		observability.AuditEvent(ctx, p.logger, "auth.session.timeout", "session_id", session.ID)
	}
}

func (p *Provider) publish(ctx context.Context, t domain.MessageType, session *domain.Session) {
	if p.channel == nil {
		return
	}
	msg := domain.CrossAppMessage{Type: t, SessionID: session.ID, UserID: session.UserID}
	if err := p.channel.Publish(ctx, msg); err != nil {
		p.logger.Warn("cross-app publish failed", "type", t, "session_id", session.ID, "error", err)
	}
}

func (p *Provider) currentSession() *domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Clone()
}

// transition moves from -> to only when the provider is in state from.
func (p *Provider) transition(from, to State, reason string) (uint64, bool) {
	p.mu.Lock()
	if p.state != from {
		p.mu.Unlock()
		return 0, false
	}
	change := p.setLocked(to, nil, reason)
	gen := p.gen
	p.mu.Unlock()
	p.notify(context.Background(), change)
	return gen, true
}

func (p *Provider) abortSignIn(gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	change := p.setLocked(StateAnonymous, nil, "sign_in_failed")
	p.mu.Unlock()
	p.notify(context.Background(), change)
}

// apply installs session only if nothing changed since gen.
func (p *Provider) apply(gen uint64, to State, session *domain.Session, reason string) bool {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return false
	}
	change := p.setLocked(to, session, reason)
	p.mu.Unlock()
	p.notify(context.Background(), change)
	return true
}

// clear drops the local session and returns what was dropped.
func (p *Provider) clear(reason string) *domain.Session {
	p.mu.Lock()
	prev := p.session
	if prev == nil && p.state == StateAnonymous {
		p.mu.Unlock()
		return nil
	}
	change := p.setLocked(StateAnonymous, nil, reason)
	p.mu.Unlock()
	p.notify(context.Background(), change)
	return prev
}

func (p *Provider) clearIfCurrent(sessionID, reason string) bool {
	p.mu.Lock()
	if p.session == nil || p.session.ID != sessionID {
		p.mu.Unlock()
		return false
	}
	change := p.setLocked(StateAnonymous, nil, reason)
	p.mu.Unlock()
	p.notify(context.Background(), change)
	p.logger.Info("signed out locally", "session_id", sessionID, "reason", reason)
	return true
}

func (p *Provider) setLocked(to State, session *domain.Session, reason string) SessionChange {
	change := SessionChange{Previous: p.state, Current: to, Reason: reason}
	p.state = to
	p.session = session.Clone()
	p.gen++
	if session == nil {
		p.lastTouch = time.Time{}
	}
	change.Session = p.session.Clone()
	return change
}

func (p *Provider) notify(ctx context.Context, change SessionChange) {
	if change.Previous != change.Current {
		observability.RecordSessionStateChange(ctx, p.cfg.AppID, string(change.Previous), string(change.Current))
	}
	p.mu.Lock()
	callbacks := make([]callbackEntry, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("session change callback panicked", "panic", r)
				}
			}()
			cb.fn(change)
		}()
	}
}
