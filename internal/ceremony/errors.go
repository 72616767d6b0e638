package ceremony

import "errors"

// Ceremony failure taxonomy. Handlers map these onto HTTP statuses and
// the user-facing remediation messages; anything else is a 500.
var (
	ErrUnknownIdentity     = errors.New("no directory account for this email")
	ErrAlreadyEnrolled     = errors.New("identity already has an enrolled credential")
	ErrNoCredential        = errors.New("no credential enrolled for this identity")
	ErrSessionExpired      = errors.New("ceremony session expired")
	ErrVerificationFailed  = errors.New("authenticator response verification failed")
	ErrGestureNotCompleted = errors.New("user gesture not completed")
	ErrReplayDetected      = errors.New("signature counter did not advance")
	ErrInvalidSession      = errors.New("session does not match an enrolled credential")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrStoreUnavailable    = errors.New("backing store unavailable")
)
