package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func reservationKey(userID string) string {
	return "reservations:" + userID
}

// Reservations holds short-lived pre-flight quota holds in Redis. A hold is
// placed when a job is queued and released when its result is billed, so
// CheckLimit sees characters that are spoken for but not yet consumed. The
// hash-level TTL bounds leakage from crashed consumers.
type Reservations struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewReservations creates a reservation store whose holds expire after ttl.
func NewReservations(rdb redis.UniversalClient, ttl time.Duration) *Reservations {
	return &Reservations{rdb: rdb, ttl: ttl}
}

// Reserve places a hold of amount characters under ref (the variant
// fingerprint). Re-reserving the same ref overwrites the previous amount.
func (r *Reservations) Reserve(ctx context.Context, userID, ref string, amount int64) error {
	key := reservationKey(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, ref, strconv.FormatInt(amount, 10))
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: reserve %s: %w", ref, err)
	}
	return nil
}

// Release drops the hold under ref. Releasing an unknown ref is a no-op.
func (r *Reservations) Release(ctx context.Context, userID, ref string) error {
	if err := r.rdb.HDel(ctx, reservationKey(userID), ref).Err(); err != nil {
		return fmt.Errorf("usage: release %s: %w", ref, err)
	}
	return nil
}

// Sum totals the user's outstanding holds. Unparseable fields are skipped.
func (r *Reservations) Sum(ctx context.Context, userID string) (int64, error) {
	vals, err := r.rdb.HVals(ctx, reservationKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("usage: sum reservations %s: %w", userID, err)
	}
	var total int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
