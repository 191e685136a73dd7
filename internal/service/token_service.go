package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
)

const (
	maxRotateAttempts = 3

	RevokeReasonLogout       = "logout"
	RevokeReasonRefreshReuse = "refresh_reuse"
)

type TokenConfig struct {
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	SessionTimeout  time.Duration
	ActivityTimeout time.Duration
}

func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:       time.Hour,
		RefreshTTL:      168 * time.Hour,
		SessionTimeout:  24 * time.Hour,
		ActivityTimeout: 30 * time.Minute,
	}
}

// TokenService is the only component that creates or invalidates session
// credentials. The store's TokenVersion decides which access tokens are live.
type TokenService struct {
	jwtMgr *security.JWTManager
	store  repository.SessionStore
	cfg    TokenConfig
	now    func() time.Time
	// activity is cfg.ActivityTimeout, reloadable while serving.
	activity atomic.Int64
}

func NewTokenService(jwtMgr *security.JWTManager, store repository.SessionStore, cfg TokenConfig) *TokenService {
	def := DefaultTokenConfig()
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = def.AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	s := &TokenService{jwtMgr: jwtMgr, store: store, cfg: cfg, now: time.Now}
	s.activity.Store(int64(cfg.ActivityTimeout))
	return s
}

// WithClock must agree with the JWTManager clock.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

func (s *TokenService) Config() TokenConfig {
	cfg := s.cfg
	cfg.ActivityTimeout = s.activityTimeout()
	return cfg
}

// SetActivityTimeout applies to every later verification, rotation and
// adoption. Zero disables the inactivity check.
func (s *TokenService) SetActivityTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.activity.Store(int64(d))
}

func (s *TokenService) activityTimeout() time.Duration {
	return time.Duration(s.activity.Load())
}

func (s *TokenService) CreateSession(ctx context.Context, user *domain.User, deviceFingerprint string, metadata domain.Metadata) (*domain.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "TokenService.CreateSession")
	defer span.End()
	if user == nil || user.ID == "" {
		return nil, spanError(span, ErrTokenInvalid)
	}

	now := s.now().UTC()
	session := &domain.Session{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		TokenVersion:      0,
		DeviceFingerprint: deviceFingerprint,
		Metadata:          metadata,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.SessionTimeout),
		LastActivityAt:    now,
	}
	if err := s.attachAccessToken(session, now); err != nil {
		return nil, spanError(span, err)
	}
	if err := s.attachRefreshToken(session, now); err != nil {
		return nil, spanError(span, err)
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("session.id", session.ID))
	return session, nil
}

// VerifyToken checks the signature and expiry of an access token and that its
// version still matches the store.
func (s *TokenService) VerifyToken(ctx context.Context, token string) (*security.Claims, error) {
	claims, _, err := s.verify(ctx, token)
	return claims, err
}

// VerifyTokenForDevice additionally rejects tokens bound to another device.
func (s *TokenService) VerifyTokenForDevice(ctx context.Context, token, deviceFingerprint string) (*security.Claims, error) {
	claims, session, err := s.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.DeviceFingerprint == "" {
		return claims, nil
	}
	if !security.SecureCompare(claims.DeviceHash, deviceHash(deviceFingerprint)) {
		observability.RecordAccessTokenValidation(ctx, "device_mismatch", "token_service")
		return nil, fmt.Errorf("%w: device mismatch", ErrTokenInvalid)
	}
	return claims, nil
}

func (s *TokenService) verify(ctx context.Context, token string) (*security.Claims, *domain.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "TokenService.VerifyToken")
	defer span.End()

	claims, err := s.jwtMgr.ParseAccessToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			observability.RecordAccessTokenValidation(ctx, "expired", "token_service")
			return nil, nil, spanError(span, ErrTokenExpired)
		}
		observability.RecordAccessTokenValidation(ctx, "invalid", "token_service")
		return nil, nil, spanError(span, fmt.Errorf("%w: %v", ErrTokenInvalid, err))
	}
	span.SetAttributes(attribute.String("session.id", claims.SessionID))

	session, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordAccessTokenValidation(ctx, "revoked", "token_service")
			return nil, nil, spanError(span, ErrTokenRevoked)
		}
		observability.RecordAccessTokenValidation(ctx, "store_error", "token_service")
		return nil, nil, spanError(span, err)
	}
	if session.UserID != claims.Subject {
		observability.RecordAccessTokenValidation(ctx, "invalid", "token_service")
		return nil, nil, spanError(span, fmt.Errorf("%w: subject mismatch", ErrTokenInvalid))
	}
	if session.IsExpired(s.now(), s.activityTimeout()) {
		observability.RecordAccessTokenValidation(ctx, "expired", "token_service")
		return nil, nil, spanError(span, ErrTokenExpired)
	}
	if claims.TokenVersion != session.TokenVersion {
		observability.RecordAccessTokenValidation(ctx, "stale_version", "token_service")
		return nil, nil, spanError(span, ErrTokenRevoked)
	}
	observability.RecordAccessTokenValidation(ctx, "valid", "token_service")
	return claims, session, nil
}

// RotateToken bumps the session's token version and signs an access token for
// it. Every previously issued access token for the session becomes stale.
func (s *TokenService) RotateToken(ctx context.Context, sessionID string) (string, error) {
	session, err := s.rotate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.AccessToken, nil
}

// RotateSession is RotateToken returning the whole rotated session.
func (s *TokenService) RotateSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.rotate(ctx, sessionID)
}

// RefreshSession exchanges a refresh token for a new access and refresh token
// pair. Presenting a superseded refresh token revokes the session.
func (s *TokenService) RefreshSession(ctx context.Context, refreshToken string) (*domain.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "TokenService.RefreshSession")
	defer span.End()

	claims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			observability.RecordAuthRefresh(ctx, "expired")
			return nil, spanError(span, ErrTokenExpired)
		}
		observability.RecordAuthRefresh(ctx, "invalid")
		return nil, spanError(span, fmt.Errorf("%w: %v", ErrTokenInvalid, err))
	}
	span.SetAttributes(attribute.String("session.id", claims.SessionID))

	session, err := s.refresh(ctx, claims, security.HashRefreshToken(refreshToken))
	if err != nil {
		observability.RecordAuthRefresh(ctx, refreshOutcome(err))
		return nil, spanError(span, err)
	}
	observability.RecordAuthRefresh(ctx, "success")
	return session, nil
}

// refresh signs the successor pair before the store swaps the refresh hash,
// so the version bump and the hash replacement land in one store operation.
// A conflict is re-read: if another refresh won, the presented hash no longer
// matches and the session is revoked as reuse.
func (s *TokenService) refresh(ctx context.Context, claims *security.Claims, presented string) (*domain.Session, error) {
	for attempt := 1; attempt <= maxRotateAttempts; attempt++ {
		session, err := s.store.Get(ctx, claims.SessionID)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, ErrTokenRevoked
			}
			return nil, err
		}
		now := s.now().UTC()
		if session.IsExpired(now, s.activityTimeout()) {
			return nil, ErrTokenExpired
		}
		if session.UserID != claims.Subject {
			return nil, fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
		}
		if !security.SecureCompare(session.RefreshTokenHash, presented) {
			if err := s.store.Revoke(ctx, session.ID, RevokeReasonRefreshReuse); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: refresh token reuse", ErrTokenRevoked)
		}

		expected := session.TokenVersion
		session.TokenVersion = expected + 1
		session.LastRotatedAt = &now
		session.LastActivityAt = now
		if err := s.attachAccessToken(session, now); err != nil {
			return nil, err
		}
		if err := s.attachRefreshToken(session, now); err != nil {
			return nil, err
		}

		version, err := s.store.RotateRefreshToken(ctx, session.ID, expected, presented, session.RefreshTokenHash)
		if errors.Is(err, repository.ErrVersionConflict) {
			observability.RecordTokenRotation(ctx, "conflict")
			continue
		}
		if err != nil {
			observability.RecordTokenRotation(ctx, "error")
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, ErrTokenRevoked
			}
			return nil, err
		}
		if version != session.TokenVersion {
			return nil, repository.ErrVersionConflict
		}
		observability.RecordTokenRotation(ctx, "success")
		return session, nil
	}
	return nil, repository.ErrVersionConflict
}

// AdoptSession signs an access token for the session's current version
// without bumping it. Sibling applications use it after a verified login or
// refresh announcement; no refresh token is issued.
func (s *TokenService) AdoptSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "TokenService.AdoptSession")
	defer span.End()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, spanError(span, ErrTokenRevoked)
		}
		return nil, spanError(span, err)
	}
	now := s.now().UTC()
	if session.IsExpired(now, s.activityTimeout()) {
		return nil, spanError(span, ErrTokenExpired)
	}
	if err := s.attachAccessToken(session, now); err != nil {
		return nil, spanError(span, err)
	}
	return session, nil
}

// RevokeSession is idempotent: revoking an unknown or already revoked session
// succeeds.
func (s *TokenService) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if err := s.store.Revoke(ctx, sessionID, reason); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	return nil
}

// Touch records activity on the session.
func (s *TokenService) Touch(ctx context.Context, sessionID string) error {
	if err := s.store.Touch(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrTokenRevoked
		}
		return err
	}
	return nil
}

func (s *TokenService) rotate(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "TokenService.RotateToken")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	for attempt := 1; attempt <= maxRotateAttempts; attempt++ {
		session, err := s.store.Get(ctx, sessionID)
		if err != nil {
			observability.RecordTokenRotation(ctx, "error")
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, spanError(span, ErrTokenRevoked)
			}
			return nil, spanError(span, err)
		}
		now := s.now().UTC()
		if session.IsExpired(now, s.activityTimeout()) {
			observability.RecordTokenRotation(ctx, "expired")
			return nil, spanError(span, ErrTokenExpired)
		}

		version, err := s.store.UpdateVersion(ctx, sessionID, session.TokenVersion)
		if errors.Is(err, repository.ErrVersionConflict) {
			observability.RecordTokenRotation(ctx, "conflict")
			continue
		}
		if err != nil {
			observability.RecordTokenRotation(ctx, "error")
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, spanError(span, ErrTokenRevoked)
			}
			return nil, spanError(span, err)
		}

		session.TokenVersion = version
		session.LastRotatedAt = &now
		session.LastActivityAt = now
		if err := s.attachAccessToken(session, now); err != nil {
			return nil, spanError(span, err)
		}
		observability.RecordTokenRotation(ctx, "success")
		span.SetAttributes(attribute.Int64("session.token_version", version))
		return session, nil
	}
	return nil, spanError(span, repository.ErrVersionConflict)
}

func (s *TokenService) attachAccessToken(session *domain.Session, now time.Time) error {
	ttl := capTTL(s.cfg.AccessTTL, session.ExpiresAt.Sub(now))
	token, claims, err := s.jwtMgr.SignAccessToken(subjectOf(session), ttl)
	if err != nil {
		return err
	}
	session.AccessToken = token
	session.AccessTokenIssuedAt = claims.IssuedAt.Time
	session.AccessTokenExpiresAt = claims.ExpiresAt.Time
	return nil
}

func (s *TokenService) attachRefreshToken(session *domain.Session, now time.Time) error {
	ttl := capTTL(s.cfg.RefreshTTL, session.ExpiresAt.Sub(now))
	token, claims, err := s.jwtMgr.SignRefreshToken(subjectOf(session), ttl)
	if err != nil {
		return err
	}
	session.RefreshToken = token
	session.RefreshTokenHash = security.HashRefreshToken(token)
	session.RefreshTokenExpiresAt = claims.ExpiresAt.Time
	return nil
}

func subjectOf(session *domain.Session) security.TokenSubject {
	sub := security.TokenSubject{
		UserID:       session.UserID,
		SessionID:    session.ID,
		TokenVersion: session.TokenVersion,
	}
	if session.DeviceFingerprint != "" {
		sub.DeviceHash = deviceHash(session.DeviceFingerprint)
	}
	return sub
}

func deviceHash(fingerprint string) string {
	return security.Hash([]byte(fingerprint))
}

// capTTL keeps credentials from outliving the session.
func capTTL(ttl, remaining time.Duration) time.Duration {
	if remaining < ttl {
		return remaining
	}
	return ttl
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, repository.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
