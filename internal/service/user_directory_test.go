package service

import (
	"context"
	"errors"
	"testing"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

type fakeUserRepo struct {
	byEmail map[string]*domain.User
	err     error
}

func (r *fakeUserRepo) FindByID(context.Context, string) (*domain.User, error) {
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.byEmail[email]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) Create(context.Context, *domain.User) error { return nil }

func TestLocalUserDirectoryVerifiesCredentials(t *testing.T) {
	hasher := security.NewHasher(4)
	hash, err := hasher.Hash("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repo := &fakeUserRepo{byEmail: map[string]*domain.User{
		"alice@example.com": {ID: "u1", Email: "alice@example.com", PasswordHash: hash},
		"bob@example.com":   {ID: "u2", Email: "bob@example.com", PasswordHash: hash, Disabled: true},
	}}
	dir := NewLocalUserDirectory(repo, hasher)
	ctx := context.Background()

	alice, err := dir.LookupUser(ctx, "alice@example.com")
	if err != nil || alice == nil {
		t.Fatalf("lookup alice: user=%v err=%v", alice, err)
	}
	if !dir.VerifyCredential(ctx, alice, "correct horse") {
		t.Fatal("expected correct password to verify")
	}
	if dir.VerifyCredential(ctx, alice, "wrong") {
		t.Fatal("expected wrong password to fail")
	}

	bob, _ := dir.LookupUser(ctx, "bob@example.com")
	if dir.VerifyCredential(ctx, bob, "correct horse") {
		t.Fatal("expected disabled user to fail")
	}

	ghost, err := dir.LookupUser(ctx, "ghost@example.com")
	if err != nil || ghost != nil {
		t.Fatalf("expected unknown user to be nil without error, user=%v err=%v", ghost, err)
	}
	if dir.VerifyCredential(ctx, nil, "anything") {
		t.Fatal("expected nil user to fail")
	}
}

func TestLocalUserDirectoryPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	dir := NewLocalUserDirectory(&fakeUserRepo{err: boom}, security.NewHasher(4))
	if _, err := dir.LookupUser(context.Background(), "a@b.c"); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
