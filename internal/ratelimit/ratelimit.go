// Package ratelimit provides Redis-based rate limiting for key uploads.
// A client stuck in a key-regeneration loop would otherwise trigger a
// rotation scan per upload.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gitlab.com/secp/services/keysync/pkg/apperr"
)

type Limiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

// NewLimiter accepts a nil client; all checks then pass (fail-open).
func NewLimiter(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{redis: rdb, limit: limit, window: window}
}

// CheckUpload returns apperr.ErrRateLimited when the user has exceeded
// the upload budget for the current window.
func (l *Limiter) CheckUpload(ctx context.Context, username string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	key := fmt.Sprintf("ratelimit:keyupload:%s", username)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability.
		return nil
	}
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}
	if int(count) > l.limit {
		return apperr.ErrRateLimited
	}
	return nil
}
