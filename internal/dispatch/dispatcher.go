// Package dispatch decides what happens to each requested block: serve from
// cache, reject on quota, suppress as a duplicate of an in-flight job, or
// mint a job and enqueue it. It also owns the Redis delivery bookkeeping
// around those decisions — per-fingerprint in-flight locks and subscriber
// sets, per-document pending sets — and the cursor-window evictor that
// prunes them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/fingerprint"
	"github.com/lecternhq/lectern/internal/observe"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/registry"
	"github.com/lecternhq/lectern/internal/usage"
	"github.com/lecternhq/lectern/pkg/wire"
)

// VariantRegistry is the dispatcher's view of the Postgres variant registry.
type VariantRegistry interface {
	// Lookup returns the variant row for the fingerprint when one exists.
	Lookup(ctx context.Context, fingerprint string) (registry.Variant, bool, error)

	// Ensure creates the variant row if missing and returns it.
	Ensure(ctx context.Context, fingerprint, modelSlug, voiceSlug string) (registry.Variant, error)

	// ClearCacheRef drops a cache pointer that no longer resolves to bytes.
	ClearCacheRef(ctx context.Context, fingerprint string) error
}

// AudioCache is the dispatcher's view of the local audio store.
type AudioCache interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// UsageChecker is the pre-flight quota gate.
type UsageChecker interface {
	CheckLimit(ctx context.Context, userID string, amount int64) error
}

// ReservationHolder places a quota hold for a job's estimated cost while it
// is in flight. The result consumer releases it when billing lands.
type ReservationHolder interface {
	Reserve(ctx context.Context, userID, ref string, amount int64) error
}

// JobQueue enqueues minted jobs and samples queue depth for logging.
type JobQueue interface {
	Push(ctx context.Context, job *wire.Job, indexKey string) error
	Depth(ctx context.Context, model string) (int64, error)
}

// LockSet is the per-fingerprint dedup gate.
type LockSet interface {
	Acquire(ctx context.Context, fingerprint, owner string) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}

// SubscriberSet registers reader positions awaiting a fingerprint.
type SubscriberSet interface {
	Add(ctx context.Context, fingerprint string, sub Subscription) error
}

// PendingSet marks blocks a reader still wants.
type PendingSet interface {
	Add(ctx context.Context, userID, documentID string, blocks ...int) error
}

// EventPublisher fans statuses out to whichever instance holds the reader's
// socket.
type EventPublisher interface {
	Publish(ctx context.Context, userID, documentID string, v any) error
}

// Outcome classifies a dispatch decision.
type Outcome string

const (
	// OutcomeCached means the variant's audio was already stored locally.
	OutcomeCached Outcome = "cached"

	// OutcomeQueued means a new job was enqueued.
	OutcomeQueued Outcome = "queued"

	// OutcomeDuplicate means an identical variant was already in flight;
	// the reader was attached to its result instead.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeError covers validation, quota, and enqueue failures.
	OutcomeError Outcome = "error"
)

// Request is one block synthesis ask.
type Request struct {
	UserID     string
	DocumentID string
	BlockIndex int

	Text       string
	ModelSlug  string
	VoiceSlug  string
	Parameters map[string]any

	// Mode is wire.ModeServer or wire.ModeBrowser. Browser-mode requests
	// skip the pre-flight quota check; billing still happens when the
	// result lands.
	Mode string

	// Track enables delivery bookkeeping: subscriber set, pending set, and
	// the eviction index. WebSocket sessions track; API callers that poll
	// for the audio do not.
	Track bool
}

// Result is the synchronous answer to a Request. Terminal statuses for
// tracked requests are additionally published on the reader's event channel.
type Result struct {
	Outcome     Outcome
	Fingerprint string

	// AudioURL is set when Outcome is OutcomeCached.
	AudioURL string

	// Err is set when Outcome is OutcomeError. Quota rejections satisfy
	// errors.Is(err, usage.ErrUsageLimitExceeded).
	Err error
}

// Config wires a Dispatcher's collaborators.
type Config struct {
	Registry     VariantRegistry
	Cache        AudioCache
	Usage        UsageChecker
	Reservations ReservationHolder
	Queue        JobQueue
	Locks        LockSet
	Subscribers  SubscriberSet
	Pending      PendingSet
	Events       EventPublisher

	// Catalog returns the current model/plan catalog. It is a function so
	// config reloads swap the catalog under a running dispatcher.
	Catalog func() *config.Catalog

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Dispatcher runs the dispatch decision for block synthesis requests.
// Safe for concurrent use.
type Dispatcher struct {
	registry VariantRegistry
	cache    AudioCache
	usage    UsageChecker
	holds    ReservationHolder
	queue    JobQueue
	locks    LockSet
	subs     SubscriberSet
	pending  PendingSet
	events   EventPublisher
	catalog  func() *config.Catalog

	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		cache:    cfg.Cache,
		usage:    cfg.Usage,
		holds:    cfg.Reservations,
		queue:    cfg.Queue,
		locks:    cfg.Locks,
		subs:     cfg.Subscribers,
		pending:  cfg.Pending,
		events:   cfg.Events,
		catalog:  cfg.Catalog,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Request dispatches one block and returns what the caller should tell the
// client.
func (d *Dispatcher) Request(ctx context.Context, req Request) Result {
	start := d.now()
	res := d.dispatch(ctx, req)
	d.metrics.RecordDispatch(ctx, req.ModelSlug, string(res.Outcome), d.now().Sub(start).Seconds())
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Result {
	cat := d.catalog()
	model, ok := cat.Model(req.ModelSlug)
	if !ok {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("dispatch: unknown model %q", req.ModelSlug)}
	}
	if !cat.HasVoice(req.ModelSlug, req.VoiceSlug) {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("dispatch: model %q has no voice %q", req.ModelSlug, req.VoiceSlug)}
	}

	fp := fingerprint.Compute(req.Text, req.ModelSlug, req.VoiceSlug, req.Parameters, string(model.Codec))

	variant, found, err := d.registry.Lookup(ctx, fp)
	if err != nil {
		return d.failure(fp, fmt.Errorf("dispatch: look up variant: %w", err))
	}
	if found && variant.CacheRef != "" {
		exists, err := d.cache.Exists(ctx, variant.CacheRef)
		if err != nil {
			return d.failure(fp, fmt.Errorf("dispatch: probe cache: %w", err))
		}
		if exists {
			d.metrics.CacheHits.Add(ctx, 1)
			return d.cached(ctx, req, fp)
		}
		// The registry promises audio the cache no longer holds. Repair
		// the row and fall through to a fresh synthesis.
		if err := d.registry.ClearCacheRef(ctx, fp); err != nil {
			return d.failure(fp, fmt.Errorf("dispatch: clear stale cache ref: %w", err))
		}
		d.logger.Warn("cleared stale cache ref", "fingerprint", fp)
	}
	d.metrics.CacheMisses.Add(ctx, 1)

	// Pre-flight quota. Browser-capable requests skip it; they are billed
	// like everyone else when the result lands, where free models zero out.
	cost := usage.Cost(utf8.RuneCountInString(req.Text), model.UsageMultiplier)
	if req.Mode != wire.ModeBrowser {
		if err := d.usage.CheckLimit(ctx, req.UserID, cost); err != nil {
			return d.failure(fp, err)
		}
	}

	if !found {
		if _, err := d.registry.Ensure(ctx, fp, req.ModelSlug, req.VoiceSlug); err != nil {
			return d.failure(fp, fmt.Errorf("dispatch: register variant: %w", err))
		}
	}

	// Delivery bookkeeping goes in before the dedup gate: even when another
	// job is already in flight for this variant, this reader must be on its
	// notify list.
	if req.Track {
		sub := Subscription{UserID: req.UserID, DocumentID: req.DocumentID, BlockIndex: req.BlockIndex}
		if err := d.subs.Add(ctx, fp, sub); err != nil {
			return d.failure(fp, fmt.Errorf("dispatch: add subscriber: %w", err))
		}
		if err := d.pending.Add(ctx, req.UserID, req.DocumentID, req.BlockIndex); err != nil {
			return d.failure(fp, fmt.Errorf("dispatch: add pending block: %w", err))
		}
	}

	jobID := uuid.NewString()
	won, err := d.locks.Acquire(ctx, fp, jobID)
	if err != nil {
		return d.failure(fp, fmt.Errorf("dispatch: acquire dedup lock: %w", err))
	}
	if !won {
		return d.queued(ctx, req, fp, OutcomeDuplicate)
	}

	job := &wire.Job{
		ID:              jobID,
		Fingerprint:     fp,
		UserID:          req.UserID,
		DocumentID:      req.DocumentID,
		BlockIndex:      req.BlockIndex,
		ModelSlug:       req.ModelSlug,
		VoiceSlug:       req.VoiceSlug,
		Parameters:      req.Parameters,
		Text:            req.Text,
		Codec:           string(model.Codec),
		UsageMultiplier: model.UsageMultiplier,
	}
	indexKey := ""
	if req.Track {
		indexKey = queue.IndexKey(req.UserID, req.DocumentID, req.BlockIndex)
	}
	if err := d.queue.Push(ctx, job, indexKey); err != nil {
		// Release immediately rather than stranding the fingerprint
		// behind the lock TTL.
		if relErr := d.locks.Release(ctx, fp); relErr != nil {
			d.logger.Error("release lock after failed enqueue", "fingerprint", fp, "err", relErr)
		}
		return d.failure(fp, fmt.Errorf("dispatch: queueing failed: %w", err))
	}

	// Hold the job's cost against the quota until the result lands, so a
	// burst of distinct requests cannot all clear pre-flight on the same
	// remaining balance. The hold expires on its own if the release is lost.
	if cost > 0 {
		if err := d.holds.Reserve(ctx, req.UserID, fp, cost); err != nil {
			d.logger.Warn("reserve quota hold", "fingerprint", fp, "cost", cost, "err", err)
		}
	}

	depth, err := d.queue.Depth(ctx, req.ModelSlug)
	if err != nil {
		depth = -1
	}
	d.logger.Info("synthesis queued",
		"fingerprint", fp, "job_id", jobID, "model", req.ModelSlug,
		"user", req.UserID, "doc", req.DocumentID, "block", req.BlockIndex,
		"queue_depth", depth)
	d.metrics.QueueDepth.Record(ctx, depth, metric.WithAttributes(observe.Attr("model", req.ModelSlug)))

	return d.queued(ctx, req, fp, OutcomeQueued)
}

func (d *Dispatcher) cached(ctx context.Context, req Request, fp string) Result {
	url := wire.AudioPath(fp)
	if req.Track {
		st := wire.NewStatus(req.DocumentID, req.BlockIndex, wire.StatusCached)
		st.AudioURL = url
		st.ModelSlug = req.ModelSlug
		st.VoiceSlug = req.VoiceSlug
		if err := d.events.Publish(ctx, req.UserID, req.DocumentID, st); err != nil {
			d.logger.Error("publish cached status", "fingerprint", fp, "err", err)
		}
	}
	return Result{Outcome: OutcomeCached, Fingerprint: fp, AudioURL: url}
}

func (d *Dispatcher) queued(ctx context.Context, req Request, fp string, outcome Outcome) Result {
	if req.Track {
		st := wire.NewStatus(req.DocumentID, req.BlockIndex, wire.StatusQueued)
		st.ModelSlug = req.ModelSlug
		st.VoiceSlug = req.VoiceSlug
		if err := d.events.Publish(ctx, req.UserID, req.DocumentID, st); err != nil {
			d.logger.Error("publish queued status", "fingerprint", fp, "err", err)
		}
	}
	return Result{Outcome: outcome, Fingerprint: fp}
}

func (d *Dispatcher) failure(fp string, err error) Result {
	return Result{Outcome: OutcomeError, Fingerprint: fp, Err: err}
}
