package service

import (
	"context"
	"errors"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

// LocalUserDirectory resolves sign-in identifiers against the user table and
// checks bcrypt password hashes.
type LocalUserDirectory struct {
	users  repository.UserRepository
	hasher *security.Hasher
	// dummyHash keeps the unknown-user path as slow as a wrong password.
	dummyHash string
}

func NewLocalUserDirectory(users repository.UserRepository, hasher *security.Hasher) *LocalUserDirectory {
	dummy, _ := hasher.Hash("unified-auth-sync-dummy")
	return &LocalUserDirectory{users: users, hasher: hasher, dummyHash: dummy}
}

// LookupUser returns nil without error when no user matches the identifier.
func (d *LocalUserDirectory) LookupUser(ctx context.Context, identifier string) (*domain.User, error) {
	u, err := d.users.FindByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (d *LocalUserDirectory) VerifyCredential(_ context.Context, user *domain.User, credential string) bool {
	if user == nil || user.Disabled {
		d.hasher.Matches(d.dummyHash, credential)
		return false
	}
	return d.hasher.Matches(user.PasswordHash, credential)
}
