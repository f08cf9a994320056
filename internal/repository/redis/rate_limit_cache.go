package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/util"
)

const scanRateLimitPrefix = "attendance:scan_rate:"

// RateLimitCache counts scan submissions per session and student in a
// fixed window.
type RateLimitCache struct {
	store  Store
	limit  int
	window time.Duration
}

func NewRateLimitCache(store Store, limit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{store: store, limit: limit, window: window}
}

// Allow increments the counter and reports whether the caller is still
// within the limit. A non-positive limit disables limiting.
func (c *RateLimitCache) Allow(ctx context.Context, sessionID, studentID string) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := scanRateLimitPrefix + sessionID + ":" + studentID
	count, err := c.store.IncrWithExpire(ctx, key, c.window)
	if err != nil {
		util.Error("Failed to increment scan counter",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment scan counter: %w", err)
	}

	if int(count) > c.limit {
		util.Warn("Scan rate limit exceeded",
			util.SessionID(sessionID),
			zap.String("student_id", studentID),
			zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}
