package auth

import "errors"

var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialError is returned for every sign-in rejection. The message is the
// same whether the user is unknown, disabled or gave a wrong password.
type CredentialError struct {
	Identifier string
}

func (e *CredentialError) Error() string { return ErrInvalidCredentials.Error() }

func (e *CredentialError) Unwrap() error { return ErrInvalidCredentials }
