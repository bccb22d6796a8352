package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guild-tracker/internal/models"
)

const credentialKeyPrefix = "credential:"

// RedisCredentialStore keeps bearer tokens in Redis so every worker process
// shares one token per service. Keys expire together with the token.
type RedisCredentialStore struct {
	cache *RedisCache
	now   func() time.Time
}

// NewRedisCredentialStore creates a credential store on top of cache
func NewRedisCredentialStore(cache *RedisCache) *RedisCredentialStore {
	return &RedisCredentialStore{cache: cache, now: time.Now}
}

// GetCredential returns the stored token for service, or nil when none is stored
func (s *RedisCredentialStore) GetCredential(ctx context.Context, service string) (*models.CachedCredential, error) {
	raw, err := s.cache.Client().Get(ctx, credentialKeyPrefix+service).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential for %s: %w", service, err)
	}

	var cred models.CachedCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential for %s: %w", service, err)
	}
	return &cred, nil
}

// UpsertCredential replaces the token for cred.ServiceName
func (s *RedisCredentialStore) UpsertCredential(ctx context.Context, cred *models.CachedCredential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential for %s: %w", cred.ServiceName, err)
	}

	ttl := cred.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		// zero would mean no expiry and negative values mean KEEPTTL
		ttl = time.Second
	}

	if err := s.cache.Client().Set(ctx, credentialKeyPrefix+cred.ServiceName, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", cred.ServiceName, err)
	}
	return nil
}
