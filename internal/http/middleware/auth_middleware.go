package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sandeepkv93/unified-auth-sync/internal/http/response"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

// TokenVerifier checks an access token against the session store and, for
// device-bound sessions, against the presented fingerprint.
type TokenVerifier interface {
	VerifyTokenForDevice(ctx context.Context, token, deviceFingerprint string) (*security.Claims, error)
}

func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := AccessTokenFromRequest(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := verifier.VerifyTokenForDevice(r.Context(), raw, r.Header.Get(security.DeviceFingerprintHeader))
			if err != nil {
				writeTokenError(w, r, err)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessTokenFromRequest prefers the cookie over an Authorization bearer
// header and reports which one it used.
func AccessTokenFromRequest(r *http.Request) (string, string) {
	if raw := security.GetCookie(r, security.AccessTokenCookie); raw != "" {
		return raw, "cookie"
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	return "", "none"
}

func writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrTokenExpired):
		response.Error(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token expired", nil)
	case errors.Is(err, service.ErrTokenRevoked):
		response.Error(w, r, http.StatusUnauthorized, "TOKEN_REVOKED", "session is no longer active", nil)
	case errors.Is(err, repository.ErrStoreUnavailable):
		response.Error(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "session store unavailable", nil)
	default:
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}
