package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// ExpiringStore is a store that holds expired records until swept.
type ExpiringStore interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupExpired removes expired records and returns how many were deleted.
func CleanupExpired(ctx context.Context, store ExpiringStore, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deleted, err := store.DeleteExpired(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to cleanup expired idempotency keys", "error", err)
		return 0, err
	}
	if deleted > 0 {
		logger.DebugContext(ctx, "cleaned up expired idempotency keys", "deleted", deleted)
	}
	return deleted, nil
}

// RunPeriodicCleanup sweeps store every interval until ctx is cancelled. It
// blocks and should typically be run in a goroutine.
func RunPeriodicCleanup(ctx context.Context, store ExpiringStore, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = CleanupExpired(ctx, store, logger)
		case <-ctx.Done():
			logger.Debug("stopping idempotency cleanup")
			return
		}
	}
}
