package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/citypulse/passkey-service/internal/models"
)

// FilesystemCredentialStore persists credentials as JSON files keyed by
// internal user id, with a small index file per email for the secondary
// lookup. Writes are serialized by an in-process mutex; the service is
// the only writer of its data directory.
type FilesystemCredentialStore struct {
	basePath string
	mu       sync.Mutex
}

func NewFilesystemCredentialStore(basePath string) (*FilesystemCredentialStore, error) {
	for _, dir := range []string{basePath, filepath.Join(basePath, "credentials"), filepath.Join(basePath, "emails")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create path %s: %w", dir, err)
		}
	}

	return &FilesystemCredentialStore{
		basePath: basePath,
	}, nil
}

func (f *FilesystemCredentialStore) credentialPath(internalID string) string {
	return filepath.Join(f.basePath, "credentials", internalID+".json")
}

func (f *FilesystemCredentialStore) emailPath(email string) string {
	return filepath.Join(f.basePath, "emails", url.PathEscape(email))
}

func (f *FilesystemCredentialStore) FindByEmail(ctx context.Context, email string) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err := os.ReadFile(f.emailPath(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read email index: %w", err)
	}

	return f.readCredential(string(id))
}

func (f *FilesystemCredentialStore) FindByInternalID(ctx context.Context, internalID string) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.readCredential(internalID)
}

func (f *FilesystemCredentialStore) readCredential(internalID string) (*models.Credential, error) {
	data, err := os.ReadFile(f.credentialPath(internalID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	return &cred, nil
}

func (f *FilesystemCredentialStore) writeCredential(cred *models.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := os.WriteFile(f.credentialPath(cred.InternalUserID), data, 0644); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	return nil
}

func (f *FilesystemCredentialStore) Create(ctx context.Context, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.credentialPath(cred.InternalUserID)); err == nil {
		return ErrAlreadyExists
	}
	if _, err := os.Stat(f.emailPath(cred.Email)); err == nil {
		return ErrAlreadyExists
	}

	if err := f.writeCredential(cred); err != nil {
		return err
	}

	if err := os.WriteFile(f.emailPath(cred.Email), []byte(cred.InternalUserID), 0644); err != nil {
		return fmt.Errorf("failed to write email index: %w", err)
	}

	return nil
}

func (f *FilesystemCredentialStore) UpdateCounter(ctx context.Context, internalID string, newCounter uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cred, err := f.readCredential(internalID)
	if err != nil {
		return err
	}

	if newCounter <= cred.Passkey.Authenticator.SignCount {
		return ErrCounterConflict
	}

	cred.Passkey.Authenticator.SignCount = newCounter
	cred.UpdatedAt = time.Now()

	return f.writeCredential(cred)
}

func (f *FilesystemCredentialStore) Delete(ctx context.Context, internalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cred, err := f.readCredential(internalID)
	if err != nil {
		return err
	}

	if err := os.Remove(f.credentialPath(internalID)); err != nil {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	if err := os.Remove(f.emailPath(cred.Email)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove email index: %w", err)
	}

	return nil
}
