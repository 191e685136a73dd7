package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/auth"
	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/middleware"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/response"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

// Publisher announces session changes to sibling applications.
type Publisher interface {
	Publish(ctx context.Context, msg domain.CrossAppMessage) error
}

type AuthHandler struct {
	appID     string
	users     auth.UserDirectory
	tokens    auth.SessionTokens
	publisher Publisher
	cookies   security.CookieOptions
	logger    *slog.Logger
}

type AuthHandlerConfig struct {
	AppID   string
	Cookies security.CookieOptions
	Logger  *slog.Logger
}

// NewAuthHandler builds the HTTP sign-in surface. publisher may be nil when
// cross-app sync is disabled.
func NewAuthHandler(users auth.UserDirectory, tokens auth.SessionTokens, publisher Publisher, cfg AuthHandlerConfig) *AuthHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		appID:     cfg.AppID,
		users:     users,
		tokens:    tokens,
		publisher: publisher,
		cookies:   cfg.Cookies,
		logger:    logger.With("component", "auth_handler"),
	}
}

type signInRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type sessionView struct {
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id"`
	TokenVersion         int64     `json:"token_version"`
	ExpiresAt            time.Time `json:"expires_at,omitzero"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

func viewOf(s *domain.Session) sessionView {
	return sessionView{
		SessionID:            s.ID,
		UserID:               s.UserID,
		TokenVersion:         s.TokenVersion,
		ExpiresAt:            s.ExpiresAt,
		AccessTokenExpiresAt: s.AccessTokenExpiresAt,
	}
}

func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "identifier and password are required", nil)
		return
	}

	user, err := h.users.LookupUser(r.Context(), req.Identifier)
	if err != nil {
		observability.RecordAuthSignIn(r.Context(), h.appID, "error")
		h.logger.Error("user lookup failed", "error", err)
		writeAuthError(w, r, err)
		return
	}
	if user == nil || user.Disabled || !h.users.VerifyCredential(r.Context(), user, req.Password) {
		observability.RecordAuthSignIn(r.Context(), h.appID, "invalid_credentials")
		observability.Audit(r, "auth.signin", "app_id", h.appID, "outcome", "rejected", "identifier", req.Identifier)
		writeAuthError(w, r, &auth.CredentialError{Identifier: req.Identifier})
		return
	}

	metadata := domain.Metadata{"app": h.appID}
	if ua := r.UserAgent(); ua != "" {
		metadata["user_agent"] = ua
	}
	session, err := h.tokens.CreateSession(r.Context(), user, req.DeviceFingerprint, metadata)
	if err != nil {
		observability.RecordAuthSignIn(r.Context(), h.appID, "error")
		h.logger.Error("create session failed", "user_id", user.ID, "error", err)
		writeAuthError(w, r, err)
		return
	}
	if err := h.writeCookies(w, session); err != nil {
		h.logger.Error("issue csrf token failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not complete sign-in", nil)
		return
	}
	h.publish(r.Context(), domain.MessageLogin, session.ID, session.UserID)
	observability.RecordAuthSignIn(r.Context(), h.appID, "success")
	observability.Audit(r, "auth.signin", "app_id", h.appID, "outcome", "success", "user_id", user.ID, "session_id", session.ID)
	response.JSON(w, r, http.StatusOK, viewOf(session))
}

func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing session", nil)
		return
	}
	if err := h.tokens.RevokeSession(r.Context(), claims.SessionID, service.RevokeReasonLogout); err != nil {
		h.logger.Warn("revoke on sign-out failed", "session_id", claims.SessionID, "error", err)
	}
	security.ClearSessionCookies(w, h.cookies)
	h.publish(r.Context(), domain.MessageLogout, claims.SessionID, claims.Subject)
	observability.RecordAuthSignOut(r.Context(), h.appID, "user")
	observability.Audit(r, "auth.signout", "app_id", h.appID, "session_id", claims.SessionID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshTokenCookie)
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing refresh token", nil)
		return
	}
	session, err := h.tokens.RefreshSession(r.Context(), raw)
	if err != nil {
		if !errors.Is(err, repository.ErrStoreUnavailable) {
			security.ClearSessionCookies(w, h.cookies)
		}
		if errors.Is(err, service.ErrTokenRevoked) {
			// The signature was checked before the rejection.
			if claims, perr := security.UnverifiedClaims(raw); perr == nil {
				h.publish(r.Context(), domain.MessageRevoke, claims.SessionID, claims.Subject)
			}
		}
		writeAuthError(w, r, err)
		return
	}
	if err := h.writeCookies(w, session); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not complete refresh", nil)
		return
	}
	h.publish(r.Context(), domain.MessageRefresh, session.ID, session.UserID)
	response.JSON(w, r, http.StatusOK, viewOf(session))
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing session", nil)
		return
	}
	if err := h.tokens.Touch(r.Context(), claims.SessionID); err != nil {
		if errors.Is(err, service.ErrTokenRevoked) {
			security.ClearSessionCookies(w, h.cookies)
		}
		writeAuthError(w, r, err)
		return
	}
	view := sessionView{
		SessionID:    claims.SessionID,
		UserID:       claims.Subject,
		TokenVersion: claims.TokenVersion,
	}
	if claims.ExpiresAt != nil {
		view.AccessTokenExpiresAt = claims.ExpiresAt.Time
	}
	response.JSON(w, r, http.StatusOK, view)
}

func (h *AuthHandler) writeCookies(w http.ResponseWriter, session *domain.Session) error {
	security.SetSessionCookies(w, h.cookies, session.AccessToken, session.AccessTokenExpiresAt, session.RefreshToken, session.RefreshTokenExpiresAt)
	csrf, err := security.GenerateSecureRandom(32, "")
	if err != nil {
		return err
	}
	security.SetCSRFCookie(w, h.cookies, csrf, session.RefreshTokenExpiresAt)
	return nil
}

func (h *AuthHandler) publish(ctx context.Context, t domain.MessageType, sessionID, userID string) {
	if h.publisher == nil {
		return
	}
	msg := domain.CrossAppMessage{Type: t, SessionID: sessionID, UserID: userID}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.logger.Warn("cross-app publish failed", "type", t, "session_id", sessionID, "error", err)
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil)
	case errors.Is(err, service.ErrTokenExpired):
		response.Error(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED", "session expired", nil)
	case errors.Is(err, service.ErrTokenRevoked):
		response.Error(w, r, http.StatusUnauthorized, "TOKEN_REVOKED", "session is no longer active", nil)
	case errors.Is(err, service.ErrTokenInvalid):
		response.Error(w, r, http.StatusUnauthorized, "TOKEN_INVALID", "invalid token", nil)
	case errors.Is(err, repository.ErrStoreUnavailable):
		response.Error(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "session store unavailable", nil)
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
