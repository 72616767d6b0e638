package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// CeremonyPurpose separates registration sessions from login sessions
// so a token minted for one ceremony cannot be redeemed for the other.
type CeremonyPurpose string

const (
	PurposeRegistration CeremonyPurpose = "registration"
	PurposeLogin        CeremonyPurpose = "login"
)

// ChallengeSession is the ephemeral single-use record created at
// ceremony init and consumed at verify. The challenge itself lives
// inside Data; the verify step re-checks it cryptographically, the
// session payload is never trusted on its own.
type ChallengeSession struct {
	Purpose        CeremonyPurpose       `json:"purpose"`
	InternalUserID string                `json:"internalUserId"`
	Email          string                `json:"email"`
	DirectoryUID   string                `json:"directoryUid,omitempty"`
	Data           *webauthn.SessionData `json:"data"`
	CreatedAt      time.Time             `json:"createdAt"`
	ExpiresAt      time.Time             `json:"expiresAt"`
}

// Expired reports whether the session TTL has elapsed at the given time.
func (s *ChallengeSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
