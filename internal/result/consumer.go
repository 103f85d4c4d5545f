// Package result implements the consumer that finalizes synthesis results:
// audio bytes into the local cache, duration and cache ref into the variant
// registry, billed characters into the usage ledger, and a terminal status
// out to every subscriber of the fingerprint.
//
// Finalization is deliberately not transactional across stores. If the
// variant row commits and the billing write is then interrupted, the
// characters go unbilled; the next identical request cache-hits without
// billing either, and operational audits reconcile. A two-phase commit with
// the ledger would buy little and cost every result a round trip.
package result

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/observe"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/usage"
	"github.com/lecternhq/lectern/pkg/wire"
)

// DefaultMaxStoreRetries is how many times a result is re-posted after a
// failed cache write before it dead-letters.
const DefaultMaxStoreRetries = 3

// popErrorBackoff is the pause after a failed pop, so a dead Redis does not
// spin the loop.
const popErrorBackoff = time.Second

// ResultQueue is the consumer's view of the Redis queue.
type ResultQueue interface {
	NextResult(ctx context.Context, timeout time.Duration) (*wire.Result, error)
	PostResult(ctx context.Context, res *wire.Result) error
	MoveToDLQ(ctx context.Context, job *wire.Job) error
	ClearIndex(ctx context.Context, indexKey, jobID string) error
}

// AudioStore persists synthesized audio under its fingerprint.
type AudioStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// VariantRegistry records where a finished variant's audio lives.
type VariantRegistry interface {
	SetResult(ctx context.Context, fingerprint string, durationMs int64, cacheRef string) error
}

// UsageLedger bills synthesized characters through the waterfall.
type UsageLedger interface {
	Consume(ctx context.Context, userID string, amount int64, ref string) (usage.Breakdown, error)
}

// ReservationSet drops the pre-flight quota hold once a result is terminal.
type ReservationSet interface {
	Release(ctx context.Context, userID, ref string) error
}

// SubscriberSet lists and drops the readers awaiting a fingerprint.
type SubscriberSet interface {
	Members(ctx context.Context, fingerprint string) ([]dispatch.Subscription, error)
	Clear(ctx context.Context, fingerprint string) error
}

// LockSet releases the per-fingerprint dedup lock once a result is terminal.
type LockSet interface {
	Release(ctx context.Context, fingerprint string) error
}

// PendingSet drops blocks that reached a terminal status from readers'
// wanted sets.
type PendingSet interface {
	Remove(ctx context.Context, userID, documentID string, blocks ...int) error
}

// EventPublisher fans statuses out to whichever instance holds each
// reader's socket.
type EventPublisher interface {
	Publish(ctx context.Context, userID, documentID string, v any) error
}

// Config wires a Consumer's collaborators.
type Config struct {
	Queue        ResultQueue
	Cache        AudioStore
	Registry     VariantRegistry
	Usage        UsageLedger
	Reservations ReservationSet
	Subscribers  SubscriberSet
	Locks        LockSet
	Pending      PendingSet
	Events       EventPublisher

	// PullTimeout bounds each blocking pop so shutdown stays responsive.
	PullTimeout time.Duration

	// MaxStoreRetries defaults to DefaultMaxStoreRetries when zero.
	MaxStoreRetries int

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Consumer drains the results list. Run one per server instance; consumers
// compete on the list and every step is idempotent, so overlap is safe.
type Consumer struct {
	queue       ResultQueue
	cache       AudioStore
	registry    VariantRegistry
	usage       UsageLedger
	holds       ReservationSet
	subs        SubscriberSet
	locks       LockSet
	pending     PendingSet
	events      EventPublisher
	pullTimeout time.Duration
	maxRetries  int

	metrics *observe.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg Config) *Consumer {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 5 * time.Second
	}
	if cfg.MaxStoreRetries <= 0 {
		cfg.MaxStoreRetries = DefaultMaxStoreRetries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		queue:       cfg.Queue,
		cache:       cfg.Cache,
		registry:    cfg.Registry,
		usage:       cfg.Usage,
		holds:       cfg.Reservations,
		subs:        cfg.Subscribers,
		locks:       cfg.Locks,
		pending:     cfg.Pending,
		events:      cfg.Events,
		pullTimeout: cfg.PullTimeout,
		maxRetries:  cfg.MaxStoreRetries,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Run consumes results until ctx is cancelled. A failure finalizing one
// result never stops the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.queue.NextResult(ctx, c.pullTimeout)
		if errors.Is(err, queue.ErrNoResult) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("pop result failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(popErrorBackoff):
			}
			continue
		}
		c.Consume(ctx, res)
	}
}

// Consume finalizes one result.
func (c *Consumer) Consume(ctx context.Context, res *wire.Result) {
	switch {
	case res.Error != "":
		c.finishError(ctx, res, res.Error)
	case res.Skipped():
		c.finishSkipped(ctx, res)
	default:
		c.finishSuccess(ctx, res)
	}
}

func (c *Consumer) finishSuccess(ctx context.Context, res *wire.Result) {
	data, err := base64.StdEncoding.DecodeString(res.AudioBase64)
	if err != nil {
		c.logger.Error("result audio does not decode",
			"job_id", res.JobID, "fingerprint", res.Fingerprint, "err", err)
		c.finishError(ctx, res, "audio payload corrupt")
		return
	}

	// The cache key is the fingerprint itself; the registry's cache_ref
	// exists so the row can outlive a cache re-keying.
	if err := c.cache.Put(ctx, res.Fingerprint, data); err != nil {
		c.retryStore(ctx, res, err)
		return
	}

	if err := c.registry.SetResult(ctx, res.Fingerprint, res.DurationMs, res.Fingerprint); err != nil {
		// The audio is cached but the row does not say so; the next request
		// for this variant synthesizes again and repairs it. Billing and
		// delivery still proceed.
		c.logger.Error("record variant result failed",
			"fingerprint", res.Fingerprint, "err", err)
	}

	amount := usage.Cost(res.TextLength, res.UsageMultiplier)
	breakdown, err := c.usage.Consume(ctx, res.UserID, amount, res.Fingerprint)
	if err != nil {
		c.logger.Error("billing failed",
			"user", res.UserID, "fingerprint", res.Fingerprint,
			"amount", amount, "err", err)
	} else {
		c.metrics.RecordUsage(ctx, breakdown.FromSubscription, breakdown.FromRollover,
			breakdown.FromPurchased, breakdown.OverflowToDebt)
	}

	c.metrics.RecordResult(ctx, res.ModelSlug, "complete", res.ProcessingTimeMs, res.QueueWaitMs)
	c.logger.Info("synthesis finalized",
		"job_id", res.JobID, "fingerprint", res.Fingerprint,
		"user", res.UserID, "model", res.ModelSlug,
		"bytes", len(data), "duration_ms", res.DurationMs,
		"billed", amount, "worker", res.WorkerID,
		"processing_ms", res.ProcessingTimeMs, "queue_wait_ms", res.QueueWaitMs)

	audioURL := wire.AudioPath(res.Fingerprint)
	c.fanOut(ctx, res, func(sub dispatch.Subscription) wire.Status {
		st := wire.NewStatus(sub.DocumentID, sub.BlockIndex, wire.StatusCached)
		st.AudioURL = audioURL
		st.ModelSlug = res.ModelSlug
		st.VoiceSlug = res.VoiceSlug
		return st
	})
	c.clearState(ctx, res)
}

func (c *Consumer) finishSkipped(ctx context.Context, res *wire.Result) {
	c.metrics.RecordResult(ctx, res.ModelSlug, "skipped", res.ProcessingTimeMs, res.QueueWaitMs)
	c.logger.Info("synthesis skipped",
		"job_id", res.JobID, "fingerprint", res.Fingerprint,
		"user", res.UserID, "doc", res.DocumentID, "block", res.BlockIndex)

	c.fanOut(ctx, res, func(sub dispatch.Subscription) wire.Status {
		st := wire.NewStatus(sub.DocumentID, sub.BlockIndex, wire.StatusSkipped)
		st.ModelSlug = res.ModelSlug
		st.VoiceSlug = res.VoiceSlug
		return st
	})
	c.clearState(ctx, res)
}

func (c *Consumer) finishError(ctx context.Context, res *wire.Result, msg string) {
	c.metrics.RecordResult(ctx, res.ModelSlug, "error", res.ProcessingTimeMs, res.QueueWaitMs)
	c.logger.Error("synthesis errored",
		"job_id", res.JobID, "fingerprint", res.Fingerprint,
		"user", res.UserID, "model", res.ModelSlug,
		"retry", res.StoreRetry, "worker", res.WorkerID, "error", msg)

	c.fanOut(ctx, res, func(sub dispatch.Subscription) wire.Status {
		st := wire.NewStatus(sub.DocumentID, sub.BlockIndex, wire.StatusError)
		st.ModelSlug = res.ModelSlug
		st.VoiceSlug = res.VoiceSlug
		st.Error = msg
		return st
	})
	c.clearState(ctx, res)
}

// retryStore re-posts a result whose cache write failed, or dead-letters it
// once the retries are spent. On re-post the delivery bookkeeping stays
// untouched so the retried result still knows its subscribers.
func (c *Consumer) retryStore(ctx context.Context, res *wire.Result, storeErr error) {
	if res.StoreRetry+1 < c.maxRetries {
		retry := *res
		retry.StoreRetry++
		if err := c.queue.PostResult(ctx, &retry); err != nil {
			c.logger.Error("re-post result after failed store",
				"job_id", res.JobID, "fingerprint", res.Fingerprint, "err", err)
			return
		}
		c.logger.Warn("audio store failed, retrying",
			"job_id", res.JobID, "fingerprint", res.Fingerprint,
			"attempt", retry.StoreRetry, "err", storeErr)
		return
	}

	// Out of retries. Preserve a trace of the loss, then tell the readers.
	dead := &wire.Job{
		ID:          res.JobID,
		Fingerprint: res.Fingerprint,
		UserID:      res.UserID,
		DocumentID:  res.DocumentID,
		BlockIndex:  res.BlockIndex,
		ModelSlug:   res.ModelSlug,
		VoiceSlug:   res.VoiceSlug,
		RetryCount:  res.StoreRetry,
	}
	if err := c.queue.MoveToDLQ(ctx, dead); err != nil {
		c.logger.Error("dead-letter stored-out result",
			"job_id", res.JobID, "err", err)
	}
	c.metrics.JobsDeadLettered.Add(ctx, 1)
	c.finishError(ctx, res, fmt.Sprintf("audio store failed after %d attempts", res.StoreRetry+1))
}

// fanOut publishes a terminal status to every subscriber of the result's
// fingerprint and prunes their pending entries. When the subscriber set is
// unreadable the result's own position is notified so at least the
// requesting reader hears a terminal status.
func (c *Consumer) fanOut(ctx context.Context, res *wire.Result, frame func(dispatch.Subscription) wire.Status) {
	subs, err := c.subs.Members(ctx, res.Fingerprint)
	if err != nil {
		c.logger.Error("list subscribers failed",
			"fingerprint", res.Fingerprint, "err", err)
		subs = []dispatch.Subscription{{
			UserID:     res.UserID,
			DocumentID: res.DocumentID,
			BlockIndex: res.BlockIndex,
		}}
	}
	for _, sub := range subs {
		if err := c.events.Publish(ctx, sub.UserID, sub.DocumentID, frame(sub)); err != nil {
			c.logger.Error("publish status failed",
				"fingerprint", res.Fingerprint, "user", sub.UserID, "err", err)
		}
		if err := c.pending.Remove(ctx, sub.UserID, sub.DocumentID, sub.BlockIndex); err != nil {
			c.logger.Error("remove pending block failed",
				"fingerprint", res.Fingerprint, "user", sub.UserID, "err", err)
		}
	}
}

// clearState drops the result's delivery bookkeeping. The dedup lock goes
// last: once it is free an identical request may enqueue again, and by then
// the old subscriber set and quota hold must be gone.
func (c *Consumer) clearState(ctx context.Context, res *wire.Result) {
	indexKey := queue.IndexKey(res.UserID, res.DocumentID, res.BlockIndex)
	if err := c.queue.ClearIndex(ctx, indexKey, res.JobID); err != nil {
		c.logger.Error("clear job index failed", "job_id", res.JobID, "err", err)
	}
	if err := c.subs.Clear(ctx, res.Fingerprint); err != nil {
		c.logger.Error("clear subscribers failed", "fingerprint", res.Fingerprint, "err", err)
	}
	if err := c.holds.Release(ctx, res.UserID, res.Fingerprint); err != nil {
		c.logger.Error("release quota hold failed", "fingerprint", res.Fingerprint, "err", err)
	}
	if err := c.locks.Release(ctx, res.Fingerprint); err != nil {
		c.logger.Error("release inflight lock failed", "fingerprint", res.Fingerprint, "err", err)
	}
}
