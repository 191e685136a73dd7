package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrUnexpectedTokenType = errors.New("unexpected token type")

// Claims are embedded in both access and refresh tokens. SessionID and
// TokenVersion let a verifier detect a stale token against the session store.
type Claims struct {
	TokenType    string `json:"token_type"`
	SessionID    string `json:"session_id"`
	TokenVersion int64  `json:"ver"`
	DeviceHash   string `json:"dfp,omitempty"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string) *JWTManager {
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}
}

// WithClock overrides the time source used for iat/exp and validation.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	if now != nil {
		m.now = now
	}
	return m
}

type TokenSubject struct {
	UserID       string
	SessionID    string
	TokenVersion int64
	DeviceHash   string
}

func (m *JWTManager) SignAccessToken(sub TokenSubject, ttl time.Duration) (string, *Claims, error) {
	return m.sign(sub, ttl, TokenTypeAccess, m.accessSecret)
}

func (m *JWTManager) SignRefreshToken(sub TokenSubject, ttl time.Duration) (string, *Claims, error) {
	return m.sign(sub, ttl, TokenTypeRefresh, m.refreshSecret)
}

func (m *JWTManager) sign(sub TokenSubject, ttl time.Duration, tokenType string, secret []byte) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		TokenType:    tokenType,
		SessionID:    sub.SessionID,
		TokenVersion: sub.TokenVersion,
		DeviceHash:   sub.DeviceHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub.UserID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, TokenTypeAccess)
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, TokenTypeRefresh)
}

// parse returns errors that wrap jwt.ErrTokenExpired when only the expiry
// check failed, so callers can tell expired from forged tokens.
func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedTokenType, claims.TokenType)
	}
	if claims.SessionID == "" {
		return nil, errors.New("token missing session id")
	}
	return claims, nil
}

// UnverifiedClaims decodes claims without checking the signature. Only use it
// on tokens that were already verified.
func UnverifiedClaims(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
