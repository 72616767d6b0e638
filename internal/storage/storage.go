package storage

import (
	"context"
	"errors"

	"github.com/citypulse/passkey-service/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when the internal user id
	// or email is already taken. Credential creation never overwrites.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCounterConflict is returned by UpdateCounter when the new
	// counter is not strictly greater than the stored one. A losing
	// concurrent update observes this instead of rolling the counter
	// backward.
	ErrCounterConflict = errors.New("counter conflict")
)

// CredentialStore persists enrolled passkey credentials keyed by the
// internal user id, with email as a unique secondary index.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*models.Credential, error)
	FindByInternalID(ctx context.Context, internalID string) (*models.Credential, error)
	Create(ctx context.Context, cred *models.Credential) error
	UpdateCounter(ctx context.Context, internalID string, newCounter uint32) error
	Delete(ctx context.Context, internalID string) error
}

// SessionStore holds in-flight challenge sessions. Consume removes the
// session before returning it, so a token is redeemable exactly once;
// expired or already-consumed tokens yield ErrNotFound.
type SessionStore interface {
	Save(ctx context.Context, token string, session *models.ChallengeSession) error
	Consume(ctx context.Context, token string) (*models.ChallengeSession, error)
}
