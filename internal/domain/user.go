package domain

import "time"

// User is a read-only projection of the external user-record store.
type User struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Email        string    `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"size:256" json:"name"`
	PasswordHash string    `gorm:"size:128" json:"-"`
	Disabled     bool      `gorm:"not null;default:false" json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
