package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/citypulse/passkey-service/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3CredentialStore persists credentials as JSON objects in an
// S3-compatible bucket, mirroring the filesystem layout: one object per
// internal user id under credentials/, one email index object under
// emails/. Counter updates are read-modify-write serialized by an
// in-process mutex; run a single instance per bucket.
type S3CredentialStore struct {
	client *minio.Client
	bucket string
	mu     sync.Mutex
}

func NewS3CredentialStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3CredentialStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3CredentialStore{
		client: client,
		bucket: bucket,
	}, nil
}

func credentialKey(internalID string) string {
	return fmt.Sprintf("credentials/%s.json", internalID)
}

func emailKey(email string) string {
	return fmt.Sprintf("emails/%s", url.PathEscape(email))
}

func (s *S3CredentialStore) getObject(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	return data, nil
}

func (s *S3CredentialStore) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}

func (s *S3CredentialStore) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

func (s *S3CredentialStore) readCredential(ctx context.Context, internalID string) (*models.Credential, error) {
	data, err := s.getObject(ctx, credentialKey(internalID))
	if err != nil {
		return nil, err
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	return &cred, nil
}

func (s *S3CredentialStore) writeCredential(ctx context.Context, cred *models.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	return s.putObject(ctx, credentialKey(cred.InternalUserID), data)
}

func (s *S3CredentialStore) FindByEmail(ctx context.Context, email string) (*models.Credential, error) {
	id, err := s.getObject(ctx, emailKey(email))
	if err != nil {
		return nil, err
	}
	return s.readCredential(ctx, string(id))
}

func (s *S3CredentialStore) FindByInternalID(ctx context.Context, internalID string) (*models.Credential, error) {
	return s.readCredential(ctx, internalID)
}

func (s *S3CredentialStore) Create(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.objectExists(ctx, credentialKey(cred.InternalUserID))
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	exists, err = s.objectExists(ctx, emailKey(cred.Email))
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	if err := s.writeCredential(ctx, cred); err != nil {
		return err
	}
	return s.putObject(ctx, emailKey(cred.Email), []byte(cred.InternalUserID))
}

func (s *S3CredentialStore) UpdateCounter(ctx context.Context, internalID string, newCounter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.readCredential(ctx, internalID)
	if err != nil {
		return err
	}

	if newCounter <= cred.Passkey.Authenticator.SignCount {
		return ErrCounterConflict
	}

	cred.Passkey.Authenticator.SignCount = newCounter
	cred.UpdatedAt = time.Now()

	return s.writeCredential(ctx, cred)
}

func (s *S3CredentialStore) Delete(ctx context.Context, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.readCredential(ctx, internalID)
	if err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, s.bucket, credentialKey(internalID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove credential object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, emailKey(cred.Email), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove email index object: %w", err)
	}

	return nil
}
