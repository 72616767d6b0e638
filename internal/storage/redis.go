package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/citypulse/passkey-service/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisSessionStore holds challenge sessions in Redis. The key TTL
// matches the session expiry, and Consume uses GETDEL so a token is
// redeemable exactly once even across concurrent verify calls.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
	}
}

func (r *RedisSessionStore) Save(ctx context.Context, token string, session *models.ChallengeSession) error {
	key := fmt.Sprintf("ceremony_session:%s", token)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save challenge session: %w", err)
	}

	return nil
}

func (r *RedisSessionStore) Consume(ctx context.Context, token string) (*models.ChallengeSession, error) {
	key := fmt.Sprintf("ceremony_session:%s", token)

	data, err := r.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge session: %w", err)
	}

	var session models.ChallengeSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge session: %w", err)
	}

	if session.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	return &session, nil
}
