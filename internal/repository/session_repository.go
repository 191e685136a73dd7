package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrVersionConflict  = errors.New("session token version conflict")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// SessionStore is the single source of truth for session token versions.
// Revoked sessions are reported as ErrSessionNotFound.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// UpdateVersion increments the token version only if it still equals
	// expected, and returns the new version.
	UpdateVersion(ctx context.Context, sessionID string, expected int64) (int64, error)
	Touch(ctx context.Context, sessionID string) error
	Revoke(ctx context.Context, sessionID, reason string) error
	// RotateRefreshToken is UpdateVersion that also requires the stored
	// refresh token hash to equal oldHash and replaces it with newHash in
	// the same step. A mismatch of either is ErrVersionConflict.
	RotateRefreshToken(ctx context.Context, sessionID string, expected int64, oldHash, newHash string) (int64, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type GormSessionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *GormSessionRepository) WithClock(now func() time.Time) *GormSessionRepository {
	r.now = func() time.Time { return now().UTC() }
	return r
}

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return unavailable(err)
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ? AND revoked_at IS NULL", sessionID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "get", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "get", "error")
		return nil, unavailable(err)
	}
	observability.RecordRepositoryOperation(ctx, "session", "get", "success")
	return &s, nil
}

func (r *GormSessionRepository) UpdateVersion(ctx context.Context, sessionID string, expected int64) (int64, error) {
	now := r.now()
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND token_version = ? AND revoked_at IS NULL", sessionID, expected)
	return r.compareAndIncrement(ctx, "update_version", sessionID, expected, q, map[string]any{
		"token_version":    gorm.Expr("token_version + 1"),
		"last_rotated_at":  now,
		"last_activity_at": now,
	})
}

func (r *GormSessionRepository) RotateRefreshToken(ctx context.Context, sessionID string, expected int64, oldHash, newHash string) (int64, error) {
	now := r.now()
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND token_version = ? AND refresh_token_hash = ? AND revoked_at IS NULL", sessionID, expected, oldHash)
	return r.compareAndIncrement(ctx, "rotate_refresh_token", sessionID, expected, q, map[string]any{
		"token_version":      gorm.Expr("token_version + 1"),
		"refresh_token_hash": newHash,
		"last_rotated_at":    now,
		"last_activity_at":   now,
	})
}

func (r *GormSessionRepository) compareAndIncrement(ctx context.Context, op, sessionID string, expected int64, q *gorm.DB, updates map[string]any) (int64, error) {
	res := q.Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return 0, unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, sessionID); err != nil {
			observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
			return 0, err
		}
		observability.RecordRepositoryOperation(ctx, "session", op, "conflict")
		return 0, ErrVersionConflict
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return expected + 1, nil
}

func (r *GormSessionRepository) Touch(ctx context.Context, sessionID string) error {
	return r.updateActive(ctx, "touch", sessionID, map[string]any{"last_activity_at": r.now()})
}

func (r *GormSessionRepository) Revoke(ctx context.Context, sessionID, reason string) error {
	return r.updateActive(ctx, "revoke", sessionID, map[string]any{"revoked_at": r.now(), "revoked_reason": reason})
}

func (r *GormSessionRepository) updateActive(ctx context.Context, op, sessionID string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
		return ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return nil
}

func (r *GormSessionRepository) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ? OR revoked_at IS NOT NULL", r.now()).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, unavailable(res.Error)
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
