package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func inflightKey(fingerprint string) string {
	return "tts:inflight:" + fingerprint
}

// InflightLocks enforces at most one queued-or-processing job per
// fingerprint across every server instance. Locks expire on their own so a
// lost result can never wedge a variant forever; the TTL must cover
// worst-case queue wait plus synthesis plus retries.
type InflightLocks struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewInflightLocks creates the lock set with the given expiry.
func NewInflightLocks(rdb redis.UniversalClient, ttl time.Duration) *InflightLocks {
	return &InflightLocks{rdb: rdb, ttl: ttl}
}

// Acquire takes the fingerprint's lock, recording owner (the job id) as the
// lock value for debugging. False means an identical variant is already in
// flight somewhere.
func (l *InflightLocks) Acquire(ctx context.Context, fingerprint, owner string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, inflightKey(fingerprint), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: acquire inflight lock %s: %w", fingerprint, err)
	}
	return ok, nil
}

// Release drops the lock. Called when a terminal result lands, and on
// enqueue failures so the variant is immediately retryable.
func (l *InflightLocks) Release(ctx context.Context, fingerprint string) error {
	if err := l.rdb.Del(ctx, inflightKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("dispatch: release inflight lock %s: %w", fingerprint, err)
	}
	return nil
}
