// Package directory binds ceremony subjects to the identity directory
// that owns the email to account mapping and issues bearer tokens.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the directory has no account for the email.
	ErrNotFound = errors.New("no directory account for email")

	// ErrInvalidToken means the bearer token failed verification.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Identity is a directory account referenced by a ceremony.
type Identity struct {
	DirectoryUID string `json:"uid"`
	Email        string `json:"email"`
}

// Directory resolves emails to directory accounts and validates the
// bearer tokens the directory issues.
type Directory interface {
	ResolveByEmail(ctx context.Context, email string) (*Identity, error)
	VerifyBearerToken(ctx context.Context, token string) (string, error)
}
