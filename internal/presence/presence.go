// Package presence tracks which usernames currently hold a live session,
// so the notifier can choose push over poll. Correctness never depends on
// it: with Redis absent everyone reads as offline and notifications wait
// for the next poll.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionTTL = 90 * time.Second

type Tracker struct {
	redis *redis.Client
}

// NewTracker accepts a nil client; the tracker then reports everyone
// offline.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{redis: rdb}
}

func key(username string) string {
	return fmt.Sprintf("presence:%s", username)
}

func (t *Tracker) SetOnline(ctx context.Context, username string) {
	if t == nil || t.redis == nil {
		return
	}
	t.redis.Set(ctx, key(username), time.Now().Unix(), sessionTTL)
}

// Refresh extends the session TTL; websocket pings call this.
func (t *Tracker) Refresh(ctx context.Context, username string) {
	if t == nil || t.redis == nil {
		return
	}
	t.redis.Expire(ctx, key(username), sessionTTL)
}

func (t *Tracker) SetOffline(ctx context.Context, username string) {
	if t == nil || t.redis == nil {
		return
	}
	t.redis.Del(ctx, key(username))
}

func (t *Tracker) IsOnline(ctx context.Context, username string) bool {
	if t == nil || t.redis == nil {
		return false
	}
	n, err := t.redis.Exists(ctx, key(username)).Result()
	return err == nil && n > 0
}
