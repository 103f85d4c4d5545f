package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateWindow is the rolling window the per-user counter covers.
const rateWindow = time.Minute

func rateKey(userID string) string {
	return "ratelimit:tts:" + userID
}

// RateLimiter bounds per-user synthesize rates with a counter in Redis, so
// the limit holds across gateway replicas. The counter key expires a window
// after the first message, giving a fixed 60-second window rather than a
// sliding one.
type RateLimiter struct {
	rdb       redis.UniversalClient
	perMinute int
}

// NewRateLimiter creates a limiter allowing perMinute messages per user.
// A non-positive limit disables limiting.
func NewRateLimiter(rdb redis.UniversalClient, perMinute int) *RateLimiter {
	return &RateLimiter{rdb: rdb, perMinute: perMinute}
}

// Allow counts one message against the user's window and reports whether it
// fits under the limit.
func (l *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l.perMinute <= 0 {
		return true, nil
	}
	key := rateKey(userID)
	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	// NX so a later message never extends the window set by the first.
	pipe.ExpireNX(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("gateway: rate limit %s: %w", userID, err)
	}
	return count.Val() <= int64(l.perMinute), nil
}
