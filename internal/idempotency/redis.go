package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency records in Redis.
const DefaultRedisPrefix = "idempotency:"

// RedisStore implements Store on Redis so replicas share reservations.
// Records are JSON values and expire through the key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Reserve claims rec.Key with SET NX.
func (s *RedisStore) Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, error) {
	now := time.Now().UTC()
	stored := *rec
	stored.Status = StatusProcessing
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(ttl)
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.prefix+rec.Key, data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	existing, err := s.Get(ctx, rec.Key)
	if errors.Is(err, ErrKeyNotFound) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, s.prefix+rec.Key, data, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}
		existing, err = s.Get(ctx, rec.Key)
	}
	if err != nil {
		return nil, err
	}
	return existing, ErrKeyExists
}

// Complete overwrites the reservation with the final response.
func (s *RedisStore) Complete(ctx context.Context, rec *Record, ttl time.Duration) error {
	stored := *rec
	stored.Status = StatusCompleted
	stored.ExpiresAt = time.Now().UTC().Add(ttl)
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+rec.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release deletes the record for key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Get returns the record stored for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
