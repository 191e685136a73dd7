package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type Session struct {
	ID                string     `gorm:"primaryKey;size:64" json:"session_id"`
	UserID            string     `gorm:"size:64;index;not null" json:"user_id"`
	AccessToken       string     `gorm:"-" json:"-"`
	RefreshToken      string     `gorm:"-" json:"-"`
	RefreshTokenHash  string     `gorm:"size:128;index" json:"-"`
	TokenVersion      int64      `gorm:"not null;default:0" json:"token_version"`
	DeviceFingerprint string     `gorm:"size:256" json:"device_fingerprint,omitempty"`
	Metadata          Metadata   `gorm:"type:text" json:"metadata,omitempty"`
	IssuedAt          time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt         time.Time  `gorm:"index;not null" json:"expires_at"`
	LastActivityAt    time.Time  `gorm:"not null" json:"last_activity_at"`
	LastRotatedAt     *time.Time `json:"last_rotated_at,omitempty"`
	RevokedAt         *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason     *string    `gorm:"size:64" json:"revoked_reason,omitempty"`

	// Lifetimes of the credentials attached to this copy; not persisted.
	AccessTokenIssuedAt   time.Time `gorm:"-" json:"-"`
	AccessTokenExpiresAt  time.Time `gorm:"-" json:"-"`
	RefreshTokenExpiresAt time.Time `gorm:"-" json:"-"`
}

// IsExpired reports whether the session has passed its absolute expiry or has
// been idle for longer than activityTimeout. A non-positive activityTimeout
// disables the idle check.
func (s *Session) IsExpired(now time.Time, activityTimeout time.Duration) bool {
	if s == nil {
		return true
	}
	if !now.Before(s.ExpiresAt) {
		return true
	}
	if activityTimeout > 0 && now.Sub(s.LastActivityAt) > activityTimeout {
		return true
	}
	return false
}

func (s *Session) IsRevoked() bool {
	return s != nil && s.RevokedAt != nil
}

// Clone returns a deep copy so callers holding a store snapshot cannot mutate
// shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.LastRotatedAt != nil {
		t := *s.LastRotatedAt
		cp.LastRotatedAt = &t
	}
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		cp.RevokedAt = &t
	}
	if s.RevokedReason != nil {
		r := *s.RevokedReason
		cp.RevokedReason = &r
	}
	return &cp
}

// Stored is Clone without the issued credentials. Only the refresh token hash
// is ever persisted.
func (s *Session) Stored() *Session {
	cp := s.Clone()
	if cp == nil {
		return nil
	}
	cp.AccessToken = ""
	cp.RefreshToken = ""
	cp.AccessTokenIssuedAt = time.Time{}
	cp.AccessTokenExpiresAt = time.Time{}
	cp.RefreshTokenExpiresAt = time.Time{}
	return cp
}

// Metadata is free-form session context persisted as JSON text.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return errors.New("metadata: unsupported scan type")
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}
