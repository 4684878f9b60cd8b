// Package secrets provides per-tenant secret storage backed by Redis.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectionTimeout = 2 * time.Second

// ErrSecretNotFound is returned when no secret exists for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Store reads and writes opaque secrets by (tenant, key name). Encryption at
// rest is the backing store's concern, not this adapter's.
type Store interface {
	Get(ctx context.Context, tenantID, name string) (string, error)
	Put(ctx context.Context, tenantID, name, value string) error
	Delete(ctx context.Context, tenantID, name string) error
}

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		return nil, fmt.Errorf("connect to Redis: %w", pingErr)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Useful for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func secretKey(tenantID, name string) string {
	return "secrets:" + tenantID + ":" + name
}

// Get retrieves a secret, or ErrSecretNotFound.
func (s *RedisStore) Get(ctx context.Context, tenantID, name string) (string, error) {
	value, err := s.client.Get(ctx, secretKey(tenantID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

// Put stores a secret, overwriting any existing value.
func (s *RedisStore) Put(ctx context.Context, tenantID, name, value string) error {
	if err := s.client.Set(ctx, secretKey(tenantID, name), value, 0).Err(); err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// Delete removes a secret. Deleting an absent secret is not an error.
func (s *RedisStore) Delete(ctx context.Context, tenantID, name string) error {
	if err := s.client.Del(ctx, secretKey(tenantID, name)).Err(); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// TokenKey is the secret key name for a persona's platform access token.
func TokenKey(personaID string) string {
	return "threads_token:" + personaID
}
