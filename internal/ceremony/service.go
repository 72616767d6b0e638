// Package ceremony implements the WebAuthn registration and
// authentication ceremonies: challenge issuance bound to a single-use
// session, response verification against that exact session, and
// counter-based replay protection for enrolled credentials.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/citypulse/passkey-service/internal/directory"
	"github.com/citypulse/passkey-service/internal/models"
	"github.com/citypulse/passkey-service/internal/storage"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// SessionTTL bounds how long a ceremony may stay in flight between
// init and verify.
const SessionTTL = 5 * time.Minute

// Service drives both ceremonies against injected collaborators.
type Service struct {
	provider    webAuthnProvider
	parser      responseParser
	credentials storage.CredentialStore
	sessions    storage.SessionStore
	directory   directory.Directory

	sessionTTL time.Duration
	now        func() time.Time
	newToken   func() (string, error)
	newUserID  func() string
}

func NewService(webAuthn *webauthn.WebAuthn, credentials storage.CredentialStore, sessions storage.SessionStore, dir directory.Directory) *Service {
	return &Service{
		provider:    webAuthn,
		parser:      protocolParser{},
		credentials: credentials,
		sessions:    sessions,
		directory:   dir,
		sessionTTL:  SessionTTL,
		now:         time.Now,
		newToken:    newSessionToken,
		newUserID:   uuid.NewString,
	}
}

// RegistrationResult is returned on successful attestation verification.
type RegistrationResult struct {
	Verified       bool   `json:"verified"`
	InternalUserID string `json:"userId"`
	Email          string `json:"email"`
}

// LoginResult is returned on successful assertion verification.
type LoginResult struct {
	Verified       bool   `json:"verified"`
	InternalUserID string `json:"userId"`
	Email          string `json:"email"`
	DirectoryUID   string `json:"directoryUid"`
	DisplayName    string `json:"displayName"`
}

// StatusResult reports whether the bearer's identity has a credential.
type StatusResult struct {
	HasCredential bool   `json:"hasCredential"`
	Email         string `json:"email"`
}

// BeginRegistration resolves the email against the directory, rejects
// identities that are already enrolled and issues creation options plus
// an opaque session token redeemable once within the session TTL.
func (s *Service) BeginRegistration(ctx context.Context, email string) (*protocol.CredentialCreation, string, error) {
	identity, err := s.directory.ResolveByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, "", ErrUnknownIdentity
		}
		return nil, "", fmt.Errorf("%w: resolve identity: %v", ErrStoreUnavailable, err)
	}

	_, err = s.credentials.FindByEmail(ctx, email)
	if err == nil {
		return nil, "", ErrAlreadyEnrolled
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: lookup credential: %v", ErrStoreUnavailable, err)
	}

	// A fresh internal id per ceremony; it only becomes durable if the
	// attestation verifies.
	internalID := s.newUserID()
	user := models.NewPendingUser(internalID, email)

	creation, sessionData, err := s.provider.BeginRegistration(
		user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyNotRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementPreferred,
			UserVerification:   protocol.VerificationDiscouraged,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}

	token, err := s.saveSession(ctx, &models.ChallengeSession{
		Purpose:        models.PurposeRegistration,
		InternalUserID: internalID,
		Email:          email,
		DirectoryUID:   identity.DirectoryUID,
		Data:           sessionData,
	})
	if err != nil {
		return nil, "", err
	}

	return creation, token, nil
}

// FinishRegistration consumes the session, verifies the attestation
// response against its challenge, origin and RP id, and persists the
// new credential. The session is gone after this call regardless of
// the verification outcome.
func (s *Service) FinishRegistration(ctx context.Context, token string, response []byte) (*RegistrationResult, error) {
	session, err := s.consumeSession(ctx, token, models.PurposeRegistration)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, mapProtocolError(err)
	}

	user := models.NewPendingUser(session.InternalUserID, session.Email)
	credential, err := s.provider.CreateCredential(user, *session.Data, parsed)
	if err != nil {
		return nil, mapProtocolError(err)
	}

	// Clients that omit transport hints get the platform default.
	if len(credential.Transport) == 0 {
		credential.Transport = []protocol.AuthenticatorTransport{protocol.Internal}
	}

	now := s.now()
	record := &models.Credential{
		InternalUserID: session.InternalUserID,
		Email:          session.Email,
		DirectoryUID:   session.DirectoryUID,
		DeviceType:     models.DeviceTypeFor(*credential),
		Passkey:        *credential,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.credentials.Create(ctx, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, fmt.Errorf("%w: persist credential: %v", ErrStoreUnavailable, err)
	}

	return &RegistrationResult{
		Verified:       true,
		InternalUserID: session.InternalUserID,
		Email:          session.Email,
	}, nil
}

// BeginLogin issues assertion options scoped to the identity's one
// enrolled credential.
func (s *Service) BeginLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error) {
	_, err := s.directory.ResolveByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, "", ErrUnknownIdentity
		}
		return nil, "", fmt.Errorf("%w: resolve identity: %v", ErrStoreUnavailable, err)
	}

	cred, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNoCredential
		}
		return nil, "", fmt.Errorf("%w: lookup credential: %v", ErrStoreUnavailable, err)
	}

	user := models.NewEnrolledUser(cred)
	assertion, sessionData, err := s.provider.BeginLogin(
		user,
		webauthn.WithAllowedCredentials([]protocol.CredentialDescriptor{{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.Passkey.ID,
			Transport:    cred.Passkey.Transport,
		}}),
		webauthn.WithUserVerification(protocol.VerificationDiscouraged),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin login: %w", err)
	}

	token, err := s.saveSession(ctx, &models.ChallengeSession{
		Purpose:        models.PurposeLogin,
		InternalUserID: cred.InternalUserID,
		Email:          cred.Email,
		DirectoryUID:   cred.DirectoryUID,
		Data:           sessionData,
	})
	if err != nil {
		return nil, "", err
	}

	return assertion, token, nil
}

// FinishLogin consumes the session, verifies the assertion with the
// stored public key and advances the signature counter. A response
// whose counter does not strictly increase fails as a replay unless
// both the stored and reported counters are zero, which is how
// authenticators that never report counters present themselves.
func (s *Service) FinishLogin(ctx context.Context, token string, response []byte) (*LoginResult, error) {
	session, err := s.consumeSession(ctx, token, models.PurposeLogin)
	if err != nil {
		return nil, err
	}

	cred, err := s.credentials.FindByInternalID(ctx, session.InternalUserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("%w: load credential: %v", ErrStoreUnavailable, err)
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, mapProtocolError(err)
	}

	user := models.NewEnrolledUser(cred)
	validated, err := s.provider.ValidateLogin(user, *session.Data, parsed)
	if err != nil {
		return nil, mapProtocolError(err)
	}

	if validated.Authenticator.CloneWarning {
		return nil, ErrReplayDetected
	}

	if newCount := validated.Authenticator.SignCount; newCount > cred.SignCount() {
		if err := s.credentials.UpdateCounter(ctx, cred.InternalUserID, newCount); err != nil {
			switch {
			case errors.Is(err, storage.ErrCounterConflict):
				// A concurrent login already advanced past this value.
				return nil, ErrReplayDetected
			case errors.Is(err, storage.ErrNotFound):
				return nil, ErrInvalidSession
			default:
				return nil, fmt.Errorf("%w: advance counter: %v", ErrStoreUnavailable, err)
			}
		}
	}

	return &LoginResult{
		Verified:       true,
		InternalUserID: cred.InternalUserID,
		Email:          cred.Email,
		DirectoryUID:   cred.DirectoryUID,
		DisplayName:    displayName(cred.Email),
	}, nil
}

// Status reports enrollment state for the bearer token's identity.
func (s *Service) Status(ctx context.Context, bearerToken string) (*StatusResult, error) {
	email, err := s.directory.VerifyBearerToken(ctx, bearerToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	_, err = s.credentials.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return &StatusResult{HasCredential: true, Email: email}, nil
	case errors.Is(err, storage.ErrNotFound):
		return &StatusResult{HasCredential: false, Email: email}, nil
	default:
		return nil, fmt.Errorf("%w: lookup credential: %v", ErrStoreUnavailable, err)
	}
}

// Revoke deletes the credential enrolled for the bearer token's
// identity.
func (s *Service) Revoke(ctx context.Context, bearerToken string) error {
	email, err := s.directory.VerifyBearerToken(ctx, bearerToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	cred, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoCredential
		}
		return fmt.Errorf("%w: lookup credential: %v", ErrStoreUnavailable, err)
	}

	if err := s.credentials.Delete(ctx, cred.InternalUserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoCredential
		}
		return fmt.Errorf("%w: delete credential: %v", ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Service) saveSession(ctx context.Context, session *models.ChallengeSession) (string, error) {
	token, err := s.newToken()
	if err != nil {
		return "", err
	}

	now := s.now()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(s.sessionTTL)

	if err := s.sessions.Save(ctx, token, session); err != nil {
		return "", fmt.Errorf("%w: save session: %v", ErrStoreUnavailable, err)
	}

	return token, nil
}

// consumeSession redeems the token exactly once. Missing, expired,
// already-consumed and wrong-purpose tokens all present the same way to
// the caller: start the ceremony again.
func (s *Service) consumeSession(ctx context.Context, token string, purpose models.CeremonyPurpose) (*models.ChallengeSession, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}

	session, err := s.sessions.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: consume session: %v", ErrStoreUnavailable, err)
	}

	if session.Purpose != purpose || session.Data == nil {
		return nil, ErrSessionExpired
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionExpired
	}

	return session, nil
}

// mapProtocolError folds go-webauthn failures into the taxonomy,
// keeping the user-gesture case distinguishable from everything else.
func mapProtocolError(err error) error {
	var pErr *protocol.Error
	if errors.As(err, &pErr) {
		detail := strings.ToLower(pErr.Details + " " + pErr.DevInfo)
		if strings.Contains(detail, "user presence") || strings.Contains(detail, "user verification") {
			return fmt.Errorf("%w: %v", ErrGestureNotCompleted, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
}

func displayName(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
