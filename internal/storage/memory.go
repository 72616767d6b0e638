package storage

import (
	"context"
	"sync"
	"time"

	"github.com/citypulse/passkey-service/internal/models"
)

// MemoryCredentialStore keeps credentials in process memory. Intended
// for development and tests.
type MemoryCredentialStore struct {
	mu      sync.Mutex
	byID    map[string]*models.Credential
	byEmail map[string]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:    make(map[string]*models.Credential),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryCredentialStore) FindByEmail(ctx context.Context, email string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(m.byID[id]), nil
}

func (m *MemoryCredentialStore) FindByInternalID(ctx context.Context, internalID string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.byID[internalID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(cred), nil
}

func (m *MemoryCredentialStore) Create(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[cred.InternalUserID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byEmail[cred.Email]; ok {
		return ErrAlreadyExists
	}

	m.byID[cred.InternalUserID] = copyCredential(cred)
	m.byEmail[cred.Email] = cred.InternalUserID
	return nil
}

func (m *MemoryCredentialStore) UpdateCounter(ctx context.Context, internalID string, newCounter uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.byID[internalID]
	if !ok {
		return ErrNotFound
	}
	if newCounter <= cred.Passkey.Authenticator.SignCount {
		return ErrCounterConflict
	}

	cred.Passkey.Authenticator.SignCount = newCounter
	cred.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryCredentialStore) Delete(ctx context.Context, internalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.byID[internalID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEmail, cred.Email)
	delete(m.byID, internalID)
	return nil
}

func copyCredential(cred *models.Credential) *models.Credential {
	c := *cred
	return &c
}

// MemorySessionStore keeps challenge sessions in process memory with a
// background sweep for sessions that expired without being consumed.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChallengeSession
}

func NewMemorySessionStore() *MemorySessionStore {
	store := &MemorySessionStore{
		sessions: make(map[string]*models.ChallengeSession),
	}

	go store.cleanupRoutine()

	return store
}

func (m *MemorySessionStore) Save(ctx context.Context, token string, session *models.ChallengeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[token] = session
	return nil
}

func (m *MemorySessionStore) Consume(ctx context.Context, token string) (*models.ChallengeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, token)

	if session.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return session, nil
}

// cleanupRoutine sweeps expired sessions every 5 minutes.
func (m *MemorySessionStore) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

func (m *MemorySessionStore) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for token, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, token)
		}
	}
}
