package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisChecker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	checker := NewRedisChecker(client)
	if checker.timeout != DefaultRedisTimeout {
		t.Errorf("timeout = %v, want %v", checker.timeout, DefaultRedisTimeout)
	}

	err := checker.HealthCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "redis ping failed") {
		t.Errorf("HealthCheck() error = %v, want ping failure", err)
	}
}

func TestRedisChecker_CancelledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}
}
