package ceremony

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/citypulse/passkey-service/internal/directory"
	"github.com/citypulse/passkey-service/internal/models"
	"github.com/citypulse/passkey-service/internal/storage"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	sessionData *webauthn.SessionData

	registrationOptions *protocol.PublicKeyCredentialCreationOptions
	loginOptions        *protocol.PublicKeyCredentialRequestOptions

	created     *webauthn.Credential
	createErr   error
	validated   *webauthn.Credential
	validateErr error
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	options := &protocol.PublicKeyCredentialCreationOptions{}
	for _, opt := range opts {
		opt(options)
	}
	f.registrationOptions = options
	return &protocol.CredentialCreation{Response: *options}, f.sessionData, nil
}

func (f *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	cred := *f.created
	return &cred, nil
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	options := &protocol.PublicKeyCredentialRequestOptions{}
	for _, opt := range opts {
		opt(options)
	}
	f.loginOptions = options
	return &protocol.CredentialAssertion{Response: *options}, f.sessionData, nil
}

func (f *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	cred := *f.validated
	return &cred, nil
}

type fakeParser struct{}

func (fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

type fakeDirectory struct {
	identities  map[string]*directory.Identity
	tokenEmails map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		identities:  make(map[string]*directory.Identity),
		tokenEmails: make(map[string]string),
	}
}

func (d *fakeDirectory) ResolveByEmail(ctx context.Context, email string) (*directory.Identity, error) {
	identity, ok := d.identities[email]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return identity, nil
}

func (d *fakeDirectory) VerifyBearerToken(ctx context.Context, token string) (string, error) {
	email, ok := d.tokenEmails[token]
	if !ok {
		return "", directory.ErrInvalidToken
	}
	return email, nil
}

type conflictingCredentialStore struct {
	storage.CredentialStore
}

func (conflictingCredentialStore) UpdateCounter(ctx context.Context, internalID string, newCounter uint32) error {
	return storage.ErrCounterConflict
}

type testEnv struct {
	svc         *Service
	provider    *fakeProvider
	credentials *storage.MemoryCredentialStore
	sessions    *storage.MemorySessionStore
	directory   *fakeDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	provider := &fakeProvider{
		sessionData: &webauthn.SessionData{Challenge: "dGVzdC1jaGFsbGVuZ2U"},
	}
	credentials := storage.NewMemoryCredentialStore()
	sessions := storage.NewMemorySessionStore()
	dir := newFakeDirectory()

	tokenSeq := 0
	svc := &Service{
		provider:    provider,
		parser:      fakeParser{},
		credentials: credentials,
		sessions:    sessions,
		directory:   dir,
		sessionTTL:  SessionTTL,
		now:         time.Now,
		newToken: func() (string, error) {
			tokenSeq++
			return fmt.Sprintf("token-%d", tokenSeq), nil
		},
		newUserID: func() string { return "internal-1" },
	}

	return &testEnv{
		svc:         svc,
		provider:    provider,
		credentials: credentials,
		sessions:    sessions,
		directory:   dir,
	}
}

func (e *testEnv) addIdentity(email, uid string) {
	e.directory.identities[email] = &directory.Identity{DirectoryUID: uid, Email: email}
}

func (e *testEnv) addCredential(t *testing.T, internalID, email, uid string, signCount uint32) {
	t.Helper()
	err := e.credentials.Create(context.Background(), &models.Credential{
		InternalUserID: internalID,
		Email:          email,
		DirectoryUID:   uid,
		DeviceType:     models.DeviceTypeSingle,
		Passkey: webauthn.Credential{
			ID:        []byte("cred-id"),
			PublicKey: []byte("public-key"),
			Transport: []protocol.AuthenticatorTransport{protocol.Internal},
			Authenticator: webauthn.Authenticator{
				SignCount: signCount,
			},
		},
	})
	require.NoError(t, err)
}

func TestBeginRegistrationUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.BeginRegistration(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestBeginRegistrationAlreadyEnrolled(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 0)

	_, token, err := env.svc.BeginRegistration(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.Empty(t, token)
}

func TestBeginRegistrationIssuesSessionAndOptions(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")

	options, token, err := env.svc.BeginRegistration(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, options)
	require.NotEmpty(t, token)

	assert.Equal(t, protocol.ResidentKeyRequirementPreferred, env.provider.registrationOptions.AuthenticatorSelection.ResidentKey)
	assert.Equal(t, protocol.VerificationDiscouraged, env.provider.registrationOptions.AuthenticatorSelection.UserVerification)
	assert.Equal(t, protocol.PreferNoAttestation, env.provider.registrationOptions.Attestation)

	session, err := env.sessions.Consume(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeRegistration, session.Purpose)
	assert.Equal(t, "internal-1", session.InternalUserID)
	assert.Equal(t, "alice@example.com", session.Email)
	assert.Equal(t, "dir-1", session.DirectoryUID)
	assert.WithinDuration(t, time.Now().Add(SessionTTL), session.ExpiresAt, 2*time.Second)
}

func TestFinishRegistrationSessionMissing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.FinishRegistration(context.Background(), "no-such-token", []byte("{}"))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestFinishRegistrationExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	env.provider.created = &webauthn.Credential{ID: []byte("cred-id")}

	err := env.sessions.Save(context.Background(), "stale", &models.ChallengeSession{
		Purpose:        models.PurposeRegistration,
		InternalUserID: "internal-1",
		Email:          "alice@example.com",
		Data:           env.provider.sessionData,
		ExpiresAt:      time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(context.Background(), "stale", []byte("{}"))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestFinishRegistrationWrongPurpose(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 0)

	_, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestFinishRegistrationPersistsCredentialOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.provider.created = &webauthn.Credential{
		ID:        []byte("cred-id"),
		PublicKey: []byte("public-key"),
		Flags:     webauthn.CredentialFlags{BackupEligible: true, BackupState: true},
	}

	_, token, err := env.svc.BeginRegistration(context.Background(), "alice@example.com")
	require.NoError(t, err)

	result, err := env.svc.FinishRegistration(context.Background(), token, []byte("{}"))
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "internal-1", result.InternalUserID)
	assert.Equal(t, "alice@example.com", result.Email)

	stored, err := env.credentials.FindByInternalID(context.Background(), "internal-1")
	require.NoError(t, err)
	assert.Equal(t, "dir-1", stored.DirectoryUID)
	assert.Equal(t, models.DeviceTypeMulti, stored.DeviceType)
	// Transport hints were absent, so the platform default applies.
	assert.Equal(t, []protocol.AuthenticatorTransport{protocol.Internal}, stored.Passkey.Transport)

	// Replaying the same response fails: the session was consumed.
	_, err = env.svc.FinishRegistration(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestFinishRegistrationGestureHint(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.provider.createErr = &protocol.Error{
		Type:    "verification_error",
		Details: "Error validating the authenticator response",
		DevInfo: "User presence flag not set by the authenticator",
	}

	_, token, err := env.svc.BeginRegistration(context.Background(), "alice@example.com")
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrGestureNotCompleted)

	// No credential was written for the failed ceremony.
	_, err = env.credentials.FindByInternalID(context.Background(), "internal-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinishRegistrationDuplicateCreate(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.provider.created = &webauthn.Credential{ID: []byte("cred-id")}

	_, token, err := env.svc.BeginRegistration(context.Background(), "alice@example.com")
	require.NoError(t, err)

	// The email enrolled through another ceremony while this one was in
	// flight.
	env.addCredential(t, "internal-8", "alice@example.com", "dir-1", 0)

	_, err = env.svc.FinishRegistration(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestBeginLoginUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.BeginLogin(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestBeginLoginNoCredential(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")

	_, _, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestBeginLoginScopesAllowedCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 3)

	options, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, options)
	require.NotEmpty(t, token)

	require.Len(t, env.provider.loginOptions.AllowedCredentials, 1)
	assert.Equal(t, []byte("cred-id"), []byte(env.provider.loginOptions.AllowedCredentials[0].CredentialID))
	assert.Equal(t, protocol.VerificationDiscouraged, env.provider.loginOptions.UserVerification)

	session, err := env.sessions.Consume(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeLogin, session.Purpose)
	assert.Equal(t, "internal-9", session.InternalUserID)
}

func TestFinishLoginAdvancesCounter(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 5)

	for i, newCount := range []uint32{6, 9} {
		env.provider.validated = &webauthn.Credential{
			ID:            []byte("cred-id"),
			Authenticator: webauthn.Authenticator{SignCount: newCount},
		}

		_, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
		require.NoError(t, err)

		result, err := env.svc.FinishLogin(context.Background(), token, []byte("{}"))
		require.NoError(t, err, "login %d", i)
		assert.True(t, result.Verified)
		assert.Equal(t, "internal-9", result.InternalUserID)
		assert.Equal(t, "dir-1", result.DirectoryUID)
		assert.Equal(t, "alice", result.DisplayName)

		stored, err := env.credentials.FindByInternalID(context.Background(), "internal-9")
		require.NoError(t, err)
		assert.Equal(t, newCount, stored.SignCount())
	}
}

func TestFinishLoginCloneWarning(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 5)
	env.provider.validated = &webauthn.Credential{
		ID:            []byte("cred-id"),
		Authenticator: webauthn.Authenticator{SignCount: 5, CloneWarning: true},
	}

	_, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)

	_, err = env.svc.FinishLogin(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrReplayDetected)

	stored, err := env.credentials.FindByInternalID(context.Background(), "internal-9")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount())
}

func TestFinishLoginZeroCounterAuthenticator(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 0)
	env.provider.validated = &webauthn.Credential{
		ID:            []byte("cred-id"),
		Authenticator: webauthn.Authenticator{SignCount: 0},
	}

	_, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)

	result, err := env.svc.FinishLogin(context.Background(), token, []byte("{}"))
	require.NoError(t, err)
	assert.True(t, result.Verified)

	stored, err := env.credentials.FindByInternalID(context.Background(), "internal-9")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stored.SignCount())
}

func TestFinishLoginCounterConflict(t *testing.T) {
	env := newTestEnv(t)
	env.addIdentity("alice@example.com", "dir-1")
	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 5)
	env.svc.credentials = conflictingCredentialStore{CredentialStore: env.credentials}
	env.provider.validated = &webauthn.Credential{
		ID:            []byte("cred-id"),
		Authenticator: webauthn.Authenticator{SignCount: 6},
	}

	_, token, err := env.svc.BeginLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)

	_, err = env.svc.FinishLogin(context.Background(), token, []byte("{}"))
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestFinishLoginCredentialDesync(t *testing.T) {
	env := newTestEnv(t)

	err := env.sessions.Save(context.Background(), "orphan", &models.ChallengeSession{
		Purpose:        models.PurposeLogin,
		InternalUserID: "internal-gone",
		Email:          "alice@example.com",
		Data:           env.provider.sessionData,
		ExpiresAt:      time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = env.svc.FinishLogin(context.Background(), "orphan", []byte("{}"))
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestStatusUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Status(context.Background(), "bogus")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestStatusReportsEnrollment(t *testing.T) {
	env := newTestEnv(t)
	env.directory.tokenEmails["bearer-1"] = "alice@example.com"

	status, err := env.svc.Status(context.Background(), "bearer-1")
	require.NoError(t, err)
	assert.False(t, status.HasCredential)
	assert.Equal(t, "alice@example.com", status.Email)

	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 0)

	status, err = env.svc.Status(context.Background(), "bearer-1")
	require.NoError(t, err)
	assert.True(t, status.HasCredential)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.directory.tokenEmails["bearer-1"] = "alice@example.com"

	err := env.svc.Revoke(context.Background(), "bearer-1")
	require.ErrorIs(t, err, ErrNoCredential)

	env.addCredential(t, "internal-9", "alice@example.com", "dir-1", 0)

	require.NoError(t, env.svc.Revoke(context.Background(), "bearer-1"))

	_, err = env.credentials.FindByEmail(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevokeUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.Revoke(context.Background(), "bogus")
	require.ErrorIs(t, err, ErrUnauthorized)
}
