package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func subscribersKey(fingerprint string) string {
	return "tts:subscribers:" + fingerprint
}

// Subscription identifies one reader position waiting on a fingerprint's
// audio. Members are encoded as "user|doc|block" in the Redis set.
type Subscription struct {
	UserID     string
	DocumentID string
	BlockIndex int
}

func (s Subscription) member() string {
	return s.UserID + "|" + s.DocumentID + "|" + strconv.Itoa(s.BlockIndex)
}

func parseMember(m string) (Subscription, bool) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) != 3 {
		return Subscription{}, false
	}
	block, err := strconv.Atoi(parts[2])
	if err != nil {
		return Subscription{}, false
	}
	return Subscription{UserID: parts[0], DocumentID: parts[1], BlockIndex: block}, true
}

// Subscribers tracks which readers await each fingerprint. Entries carry a
// TTL refreshed on every add, bounding how long bookkeeping survives if no
// terminal status ever lands.
type Subscribers struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewSubscribers creates the subscriber set store with the given entry TTL.
func NewSubscribers(rdb redis.UniversalClient, ttl time.Duration) *Subscribers {
	return &Subscribers{rdb: rdb, ttl: ttl}
}

// Add registers a reader position for the fingerprint.
func (s *Subscribers) Add(ctx context.Context, fingerprint string, sub Subscription) error {
	key := subscribersKey(fingerprint)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sub.member())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: add subscriber %s: %w", fingerprint, err)
	}
	return nil
}

// Members returns every reader position waiting on the fingerprint.
// Undecodable members are skipped.
func (s *Subscribers) Members(ctx context.Context, fingerprint string) ([]Subscription, error) {
	raw, err := s.rdb.SMembers(ctx, subscribersKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: list subscribers %s: %w", fingerprint, err)
	}
	subs := make([]Subscription, 0, len(raw))
	for _, m := range raw {
		if sub, ok := parseMember(m); ok {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// Clear drops the whole subscriber set after a terminal status fan-out.
func (s *Subscribers) Clear(ctx context.Context, fingerprint string) error {
	if err := s.rdb.Del(ctx, subscribersKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("dispatch: clear subscribers %s: %w", fingerprint, err)
	}
	return nil
}
