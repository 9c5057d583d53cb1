// ABOUTME: Redis implementation of the credential store using go-redis.
// ABOUTME: Stores one blob per tenant under a configurable key prefix.

package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "loom:creds:"

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis at addr and verifies the connection with
// a ping. An empty prefix falls back to "loom:creds:".
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (r *RedisStore) key(tenantID string) string {
	return r.keyPrefix + tenantID
}

// Get returns the credential blob for a tenant, or ErrNotFound.
func (r *RedisStore) Get(ctx context.Context, tenantID string) ([]byte, error) {
	blob, err := r.client.Get(ctx, r.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return blob, nil
}

// Put stores or replaces the credential blob for a tenant.
func (r *RedisStore) Put(ctx context.Context, tenantID string, blob []byte) error {
	if err := r.client.Set(ctx, r.key(tenantID), blob, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the credential blob for a tenant.
func (r *RedisStore) Delete(ctx context.Context, tenantID string) error {
	if err := r.client.Del(ctx, r.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
