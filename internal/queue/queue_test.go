package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lecternhq/lectern/pkg/wire"
)

// newTestQueue connects to a local Redis, using database 9 as a disposable
// test namespace. Tests are skipped when no Redis is reachable.
func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts...)
}

func testJob(model string) *wire.Job {
	return &wire.Job{
		ID:          uuid.NewString(),
		Fingerprint: "fp-" + uuid.NewString(),
		UserID:      "u1",
		DocumentID:  "d1",
		BlockIndex:  3,
		ModelSlug:   model,
		VoiceSlug:   "nova",
		Text:        "The quick brown fox jumps over the lazy dog.",
		Codec:       "wav",
	}
}

func TestPushPullRoundtrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := testJob("kokoro")
	idx := IndexKey(job.UserID, job.DocumentID, job.BlockIndex)
	if err := q.Push(ctx, job, idx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, gotIdx, err := q.Pull(ctx, "kokoro", time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("job id = %q, want %q", got.ID, job.ID)
	}
	if got.Text != job.Text || got.Fingerprint != job.Fingerprint {
		t.Errorf("job payload mismatch: got %+v", got)
	}
	if gotIdx != idx {
		t.Errorf("index key = %q, want %q", gotIdx, idx)
	}
	if got.QueuedAt == 0 {
		t.Error("QueuedAt not stamped on push")
	}

	// The body is consumed by the pull; the index entry survives until a
	// terminal result or an eviction clears it.
	if n, _ := q.rdb.HLen(ctx, jobsKey).Result(); n != 0 {
		t.Errorf("jobs hash has %d entries after pull, want 0", n)
	}
	owner, err := q.rdb.HGet(ctx, jobIndexKey, idx).Result()
	if err != nil || owner != job.ID {
		t.Errorf("index entry = (%q, %v), want (%q, nil)", owner, err, job.ID)
	}
}

func TestPullTimesOutEmpty(t *testing.T) {
	q := newTestQueue(t)

	_, _, err := q.Pull(context.Background(), "kokoro", 100*time.Millisecond)
	if !errors.Is(err, ErrNoJob) {
		t.Fatalf("Pull on empty queue = %v, want ErrNoJob", err)
	}
}

func TestPullOrdersByQueuedAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	later := testJob("kokoro")
	later.QueuedAt = 200
	earlier := testJob("kokoro")
	earlier.QueuedAt = 100

	if err := q.Push(ctx, later, ""); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, earlier, ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, _, err := q.Pull(ctx, "kokoro", time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID != earlier.ID {
		t.Errorf("pulled %q first, want the older job %q", got.ID, earlier.ID)
	}
}

func TestEvictRemovesQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := testJob("kokoro")
	idx := IndexKey(job.UserID, job.DocumentID, job.BlockIndex)
	if err := q.Push(ctx, job, idx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	evicted, err := q.Evict(ctx, "kokoro", idx)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if !evicted {
		t.Fatal("Evict = false, want true for a queued job")
	}

	if depth, _ := q.Depth(ctx, "kokoro"); depth != 0 {
		t.Errorf("queue depth = %d after evict, want 0", depth)
	}
	if n, _ := q.rdb.HLen(ctx, jobsKey).Result(); n != 0 {
		t.Errorf("jobs hash has %d entries after evict, want 0", n)
	}
	if err := q.rdb.HGet(ctx, jobIndexKey, idx).Err(); !errors.Is(err, redis.Nil) {
		t.Errorf("index entry still present after evict: %v", err)
	}

	// A second eviction of the same block is a no-op.
	evicted, err = q.Evict(ctx, "kokoro", idx)
	if err != nil || evicted {
		t.Errorf("second Evict = (%v, %v), want (false, nil)", evicted, err)
	}
}

func TestEvictAfterPullReportsFalse(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := testJob("kokoro")
	idx := IndexKey(job.UserID, job.DocumentID, job.BlockIndex)
	if err := q.Push(ctx, job, idx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, _, err := q.Pull(ctx, "kokoro", time.Second); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	evicted, err := q.Evict(ctx, "kokoro", idx)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if evicted {
		t.Error("Evict = true for a job already being processed, want false")
	}
}

func TestRequeueKeepsJobID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := testJob("kokoro")
	idx := IndexKey(job.UserID, job.DocumentID, job.BlockIndex)
	if err := q.Push(ctx, job, idx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	pulled, pulledIdx, err := q.Pull(ctx, "kokoro", time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	firstQueuedAt := pulled.QueuedAt
	if err := q.Requeue(ctx, pulled, pulledIdx); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	again, _, err := q.Pull(ctx, "kokoro", time.Second)
	if err != nil {
		t.Fatalf("Pull after requeue: %v", err)
	}
	if again.ID != job.ID {
		t.Errorf("requeued job id = %q, want original %q", again.ID, job.ID)
	}
	if again.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", again.RetryCount)
	}
	if again.QueuedAt <= firstQueuedAt {
		t.Errorf("requeue kept stale score %v (was %v)", again.QueuedAt, firstQueuedAt)
	}
}

func TestClearIndexRespectsOwner(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := testJob("kokoro")
	idx := IndexKey(job.UserID, job.DocumentID, job.BlockIndex)
	if err := q.Push(ctx, job, idx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Clearing with a different job id leaves the mapping in place.
	if err := q.ClearIndex(ctx, idx, "some-other-job"); err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
	if owner, _ := q.rdb.HGet(ctx, jobIndexKey, idx).Result(); owner != job.ID {
		t.Errorf("index owner = %q after foreign clear, want %q", owner, job.ID)
	}

	if err := q.ClearIndex(ctx, idx, job.ID); err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
	if err := q.rdb.HGet(ctx, jobIndexKey, idx).Err(); !errors.Is(err, redis.Nil) {
		t.Errorf("index entry survived owner clear: %v", err)
	}
}

func TestMoveToDLQSetsRetention(t *testing.T) {
	q := newTestQueue(t, WithDLQRetention(time.Hour))
	ctx := context.Background()

	job := testJob("kokoro")
	if err := q.MoveToDLQ(ctx, job); err != nil {
		t.Fatalf("MoveToDLQ: %v", err)
	}

	if n, _ := q.rdb.LLen(ctx, dlqKey("kokoro")).Result(); n != 1 {
		t.Errorf("dlq length = %d, want 1", n)
	}
	ttl, err := q.rdb.TTL(ctx, dlqKey("kokoro")).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("dlq ttl = %v, want in (0, 1h]", ttl)
	}
}

func TestResultsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := &wire.Result{JobID: uuid.NewString(), Fingerprint: "fp1", AudioBase64: "UklGRg=="}
	second := &wire.Result{JobID: uuid.NewString(), Fingerprint: "fp2", Error: "voice unavailable"}
	if err := q.PostResult(ctx, first); err != nil {
		t.Fatalf("PostResult: %v", err)
	}
	if err := q.PostResult(ctx, second); err != nil {
		t.Fatalf("PostResult: %v", err)
	}

	got, err := q.NextResult(ctx, time.Second)
	if err != nil {
		t.Fatalf("NextResult: %v", err)
	}
	if got.JobID != first.JobID {
		t.Errorf("first result = %q, want %q", got.JobID, first.JobID)
	}
	got, err = q.NextResult(ctx, time.Second)
	if err != nil {
		t.Fatalf("NextResult: %v", err)
	}
	if got.JobID != second.JobID || got.Error != second.Error {
		t.Errorf("second result = %+v, want %+v", got, second)
	}

	if _, err := q.NextResult(ctx, 100*time.Millisecond); !errors.Is(err, ErrNoResult) {
		t.Errorf("NextResult on empty list = %v, want ErrNoResult", err)
	}
}

func TestDepthCountsQueuedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for range 3 {
		if err := q.Push(ctx, testJob("kokoro"), ""); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := q.Push(ctx, testJob("openai-tts"), ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if depth, _ := q.Depth(ctx, "kokoro"); depth != 3 {
		t.Errorf("kokoro depth = %d, want 3", depth)
	}
	if depth, _ := q.Depth(ctx, "openai-tts"); depth != 1 {
		t.Errorf("openai-tts depth = %d, want 1", depth)
	}
}
