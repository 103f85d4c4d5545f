// Package queue implements the Redis synthesis queue shared with the worker
// fleet: per-model sorted sets for ordering, a jobs hash for bodies, a
// per-block index for eviction, per-worker processing sets for crash
// recovery, and a single results list feeding the result consumer.
//
// The key layout is a cross-process contract; see keys.go. A job's body and
// its queue membership always change together (TxPipeline or Lua), so a job
// id popped from a queue either resolves to a body or was evicted — never a
// half-written state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lecternhq/lectern/pkg/wire"
)

var (
	// ErrNoJob is returned by Pull when no job became available before the
	// timeout, or when the popped id's body was evicted mid-pull.
	ErrNoJob = errors.New("queue: no job available")

	// ErrNoResult is returned by NextResult when no result arrived before
	// the timeout.
	ErrNoResult = errors.New("queue: no result available")
)

// DefaultDLQRetention is how long a dead-letter list survives without writes.
const DefaultDLQRetention = 7 * 24 * time.Hour

// Queue is the Redis-backed synthesis queue. Safe for concurrent use.
type Queue struct {
	rdb          redis.UniversalClient
	dlqRetention time.Duration
	now          func() time.Time
}

// Option is a functional option for New.
type Option func(*Queue)

// WithDLQRetention overrides the dead-letter list TTL.
func WithDLQRetention(d time.Duration) Option {
	return func(q *Queue) { q.dlqRetention = d }
}

// WithClock overrides the time source. Tests use this to control enqueue
// scores and staleness cutoffs.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue on the given Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		rdb:          rdb,
		dlqRetention: DefaultDLQRetention,
		now:          time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues the job onto its model queue: body into the jobs hash, id
// into the sorted set scored by enqueue time, and — when indexKey is
// non-empty — an index entry registering the job for eviction. The body is
// written in the same transaction as the queue entry, so a concurrent pull
// always finds it.
func (q *Queue) Push(ctx context.Context, job *wire.Job, indexKey string) error {
	if job.QueuedAt == 0 {
		job.QueuedAt = unixSeconds(q.now())
	}
	body, err := json.Marshal(wire.Envelope{Job: *job, IndexKey: indexKey})
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobsKey, job.ID, body)
	if indexKey != "" {
		pipe.HSet(ctx, jobIndexKey, indexKey, job.ID)
	}
	pipe.ZAdd(ctx, queueKey(job.ModelSlug), redis.Z{Score: job.QueuedAt, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: push job %s: %w", job.ID, err)
	}
	return nil
}

// Pull blocks up to timeout for the oldest job on the model queue and
// removes its body from the jobs hash. The index entry is left in place
// while the job processes; it is cleared by eviction or by the result
// consumer once a terminal result lands.
//
// Returns ErrNoJob when nothing arrived in time, or when the popped id no
// longer resolves to a body because an eviction raced the pull.
func (q *Queue) Pull(ctx context.Context, model string, timeout time.Duration) (*wire.Job, string, error) {
	z, err := q.rdb.BZPopMin(ctx, timeout, queueKey(model)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", ErrNoJob
		}
		return nil, "", fmt.Errorf("queue: pop %s: %w", model, err)
	}
	jobID, _ := z.Member.(string)

	body, err := q.rdb.HGet(ctx, jobsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNoJob
	}
	if err != nil {
		return nil, "", fmt.Errorf("queue: read job %s: %w", jobID, err)
	}
	var env wire.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, "", fmt.Errorf("queue: decode job %s: %w", jobID, err)
	}
	if err := q.rdb.HDel(ctx, jobsKey, jobID).Err(); err != nil {
		return nil, "", fmt.Errorf("queue: clear job body %s: %w", jobID, err)
	}
	return &env.Job, env.IndexKey, nil
}

// TrackProcessing records a pulled job in the worker's processing set so the
// visibility scanner can reclaim it if the worker dies mid-synthesis.
func (q *Queue) TrackProcessing(ctx context.Context, workerID string, job *wire.Job, indexKey string) error {
	rec := wire.ProcessingRecord{
		ProcessingStarted: unixSeconds(q.now()),
		RetryCount:        job.RetryCount,
		Job:               *job,
		IndexKey:          indexKey,
		QueueKey:          queueKey(job.ModelSlug),
		DLQKey:            dlqKey(job.ModelSlug),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal processing record %s: %w", job.ID, err)
	}
	if err := q.rdb.HSet(ctx, processingKey(workerID), job.ID, body).Err(); err != nil {
		return fmt.Errorf("queue: track job %s: %w", job.ID, err)
	}
	return nil
}

// Untrack removes a finished job from the worker's processing set.
func (q *Queue) Untrack(ctx context.Context, workerID, jobID string) error {
	if err := q.rdb.HDel(ctx, processingKey(workerID), jobID).Err(); err != nil {
		return fmt.Errorf("queue: untrack job %s: %w", jobID, err)
	}
	return nil
}

// Requeue puts a previously pulled job back onto its queue under the same
// job id, with the retry count incremented and a fresh enqueue time. The
// caller's job is mutated accordingly.
func (q *Queue) Requeue(ctx context.Context, job *wire.Job, indexKey string) error {
	job.RetryCount++
	job.QueuedAt = unixSeconds(q.now())
	return q.Push(ctx, job, indexKey)
}

// MoveToDLQ appends the job to its model's dead-letter list and refreshes
// the list's retention TTL.
func (q *Queue) MoveToDLQ(ctx context.Context, job *wire.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal dead job %s: %w", job.ID, err)
	}
	key := dlqKey(job.ModelSlug)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, key, body)
	pipe.Expire(ctx, key, q.dlqRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// PostResult pushes a synthesis result onto the shared results list.
func (q *Queue) PostResult(ctx context.Context, res *wire.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("queue: marshal result %s: %w", res.JobID, err)
	}
	if err := q.rdb.LPush(ctx, resultsKey, body).Err(); err != nil {
		return fmt.Errorf("queue: post result %s: %w", res.JobID, err)
	}
	return nil
}

// NextResult blocks up to timeout for the next result, oldest first.
func (q *Queue) NextResult(ctx context.Context, timeout time.Duration) (*wire.Result, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, resultsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoResult
		}
		return nil, fmt.Errorf("queue: pop result: %w", err)
	}
	// vals[0] is the list key, vals[1] the payload.
	var res wire.Result
	if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
		return nil, fmt.Errorf("queue: decode result: %w", err)
	}
	return &res, nil
}

// evictScript resolves a block's queued job through the index and removes it
// from the queue, the jobs hash, and the index, all atomically. Returns 1
// when a still-queued job was removed, 0 otherwise.
var evictScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[2], ARGV[1])
if not id then
	return 0
end
local removed = redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[2], ARGV[1])
return removed
`)

// Evict drops the queued job registered under indexKey, if any. It reports
// whether a still-queued job was removed; false means the job was already
// pulled, already finished, or never existed.
func (q *Queue) Evict(ctx context.Context, model, indexKey string) (bool, error) {
	keys := []string{queueKey(model), jobIndexKey, jobsKey}
	n, err := evictScript.Run(ctx, q.rdb, keys, indexKey).Int()
	if err != nil {
		return false, fmt.Errorf("queue: evict %s: %w", indexKey, err)
	}
	return n > 0, nil
}

// clearIndexScript deletes an index mapping only while it still points at
// the given job id, so a newer job that reused the block's slot keeps its
// entry.
var clearIndexScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// ClearIndex removes the eviction index entry for indexKey if it still
// belongs to jobID. Called by the result consumer when a job reaches a
// terminal state.
func (q *Queue) ClearIndex(ctx context.Context, indexKey, jobID string) error {
	if err := clearIndexScript.Run(ctx, q.rdb, []string{jobIndexKey}, indexKey, jobID).Err(); err != nil {
		return fmt.Errorf("queue: clear index %s: %w", indexKey, err)
	}
	return nil
}

// Depth reports how many jobs are queued for the model.
func (q *Queue) Depth(ctx context.Context, model string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(model)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", model, err)
	}
	return n, nil
}

// processingSets returns the keys of every worker's processing set.
func (q *Queue) processingSets(ctx context.Context) ([]string, error) {
	var keys []string
	iter := q.rdb.Scan(ctx, 0, processingPattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("queue: scan processing sets: %w", err)
	}
	return keys, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
