package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Device types reported alongside a credential. A backup-eligible
// credential can be synced between authenticators and is treated as
// multi-device.
const (
	DeviceTypeSingle = "singleDevice"
	DeviceTypeMulti  = "multiDevice"
)

// Credential is the one passkey enrolled for a directory identity.
// InternalUserID is the primary key; Email is a unique secondary index.
type Credential struct {
	InternalUserID string              `json:"internalUserId"`
	Email          string              `json:"email"`
	DirectoryUID   string              `json:"directoryUid"`
	DeviceType     string              `json:"deviceType"`
	Passkey        webauthn.Credential `json:"passkey"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// SignCount returns the stored signature counter.
func (c *Credential) SignCount() uint32 {
	return c.Passkey.Authenticator.SignCount
}

// DeviceTypeFor classifies a freshly verified credential.
func DeviceTypeFor(cred webauthn.Credential) string {
	if cred.Flags.BackupEligible {
		return DeviceTypeMulti
	}
	return DeviceTypeSingle
}

// PasskeyUser adapts an identity and its credentials to the
// webauthn.User interface. During registration the credential slice is
// empty; during login it holds exactly the one enrolled credential.
type PasskeyUser struct {
	ID          []byte
	Name        string
	DisplayName string
	Credentials []webauthn.Credential
}

// NewPendingUser builds the webauthn user for a registration ceremony,
// before any credential exists.
func NewPendingUser(internalID, email string) PasskeyUser {
	return PasskeyUser{
		ID:          []byte(internalID),
		Name:        email,
		DisplayName: email,
	}
}

// NewEnrolledUser builds the webauthn user backing a login ceremony.
func NewEnrolledUser(cred *Credential) PasskeyUser {
	return PasskeyUser{
		ID:          []byte(cred.InternalUserID),
		Name:        cred.Email,
		DisplayName: cred.Email,
		Credentials: []webauthn.Credential{cred.Passkey},
	}
}

func (u PasskeyUser) WebAuthnID() []byte {
	return u.ID
}

func (u PasskeyUser) WebAuthnName() string {
	return u.Name
}

func (u PasskeyUser) WebAuthnDisplayName() string {
	return u.DisplayName
}

func (u PasskeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.Credentials
}

func (u PasskeyUser) WebAuthnIcon() string {
	return ""
}
