package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
)

// AuthService is the sign-in surface host applications call. Decorators
// wrap it to add behaviour around the provider.
type AuthService interface {
	SignIn(ctx context.Context, identifier, credential string, opts ...SignInOption) (*domain.Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) *domain.Session
}

var _ AuthService = (*Provider)(nil)

type instrumentedAuthService struct {
	next   AuthService
	appID  string
	logger *slog.Logger
}

// NewInstrumentedAuthService counts sign-in and sign-out attempts.
func NewInstrumentedAuthService(next AuthService, appID string, logger *slog.Logger) AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumentedAuthService{next: next, appID: appID, logger: logger}
}

func (s *instrumentedAuthService) SignIn(ctx context.Context, identifier, credential string, opts ...SignInOption) (*domain.Session, error) {
	session, err := s.next.SignIn(ctx, identifier, credential, opts...)
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		status = "invalid_credentials"
	default:
		status = "error"
	}
	observability.RecordAuthSignIn(ctx, s.appID, status)
	if err != nil {
		s.logger.Warn("sign-in failed", "app_id", s.appID, "status", status, "error", err)
	}
	return session, err
}

func (s *instrumentedAuthService) SignOut(ctx context.Context) error {
	err := s.next.SignOut(ctx)
	observability.RecordAuthSignOut(ctx, s.appID, "user")
	return err
}

func (s *instrumentedAuthService) GetSession(ctx context.Context) *domain.Session {
	return s.next.GetSession(ctx)
}

type auditedAuthService struct {
	next   AuthService
	appID  string
	logger *slog.Logger
}

// NewAuditedAuthService writes an audit line for every sign-in and sign-out.
func NewAuditedAuthService(next AuthService, appID string, logger *slog.Logger) AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditedAuthService{next: next, appID: appID, logger: logger}
}

func (s *auditedAuthService) SignIn(ctx context.Context, identifier, credential string, opts ...SignInOption) (*domain.Session, error) {
	session, err := s.next.SignIn(ctx, identifier, credential, opts...)
	if err != nil {
		observability.AuditEvent(ctx, s.logger, "auth.signin", "app_id", s.appID, "outcome", "rejected", "identifier", identifier)
		return nil, err
	}
	observability.AuditEvent(ctx, s.logger, "auth.signin", "app_id", s.appID, "outcome", "success", "user_id", session.UserID, "session_id", session.ID)
	return session, nil
}

func (s *auditedAuthService) SignOut(ctx context.Context) error {
	var sessionID string
	if current := s.next.GetSession(ctx); current != nil {
		sessionID = current.ID
	}
	err := s.next.SignOut(ctx)
	observability.AuditEvent(ctx, s.logger, "auth.signout", "app_id", s.appID, "session_id", sessionID)
	return err
}

func (s *auditedAuthService) GetSession(ctx context.Context) *domain.Session {
	return s.next.GetSession(ctx)
}
