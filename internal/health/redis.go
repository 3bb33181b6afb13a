package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTimeout bounds a single PING when the caller's context has
// no earlier deadline.
const DefaultRedisTimeout = 2 * time.Second

// RedisChecker checks the Redis instance backing the rate limiter.
type RedisChecker struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{
		client:  client,
		timeout: DefaultRedisTimeout,
	}
}

// HealthCheck sends a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
