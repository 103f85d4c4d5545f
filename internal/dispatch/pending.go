package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func pendingKey(userID, documentID string) string {
	return "tts:pending:" + userID + ":" + documentID
}

// Pending tracks which blocks of a document a reader still wants, one Redis
// set per (user, document). Workers consult it before synthesizing a tracked
// job; the evictor prunes it when the cursor moves away. The TTL bounds how
// long a set outlives an abandoned session.
type Pending struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewPending creates the pending-block store with the given set TTL.
func NewPending(rdb redis.UniversalClient, ttl time.Duration) *Pending {
	return &Pending{rdb: rdb, ttl: ttl}
}

// Add marks blocks as wanted.
func (p *Pending) Add(ctx context.Context, userID, documentID string, blocks ...int) error {
	if len(blocks) == 0 {
		return nil
	}
	key := pendingKey(userID, documentID)
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, key, intMembers(blocks)...)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: add pending %s/%s: %w", userID, documentID, err)
	}
	return nil
}

// Remove unmarks blocks, typically after delivery or eviction.
func (p *Pending) Remove(ctx context.Context, userID, documentID string, blocks ...int) error {
	if len(blocks) == 0 {
		return nil
	}
	if err := p.rdb.SRem(ctx, pendingKey(userID, documentID), intMembers(blocks)...).Err(); err != nil {
		return fmt.Errorf("dispatch: remove pending %s/%s: %w", userID, documentID, err)
	}
	return nil
}

// Contains reports whether the reader still wants the block.
func (p *Pending) Contains(ctx context.Context, userID, documentID string, block int) (bool, error) {
	ok, err := p.rdb.SIsMember(ctx, pendingKey(userID, documentID), strconv.Itoa(block)).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: check pending %s/%s: %w", userID, documentID, err)
	}
	return ok, nil
}

// Members returns the wanted blocks in unspecified order.
func (p *Pending) Members(ctx context.Context, userID, documentID string) ([]int, error) {
	raw, err := p.rdb.SMembers(ctx, pendingKey(userID, documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: list pending %s/%s: %w", userID, documentID, err)
	}
	blocks := make([]int, 0, len(raw))
	for _, m := range raw {
		b, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func intMembers(blocks []int) []any {
	members := make([]any, len(blocks))
	for i, b := range blocks {
		members[i] = strconv.Itoa(b)
	}
	return members
}
