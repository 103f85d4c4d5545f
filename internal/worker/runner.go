package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/pkg/synth"
	"github.com/lecternhq/lectern/pkg/wire"
)

// JobQueue is the runner's view of the Redis queue.
type JobQueue interface {
	Pull(ctx context.Context, model string, timeout time.Duration) (*wire.Job, string, error)
	TrackProcessing(ctx context.Context, workerID string, job *wire.Job, indexKey string) error
	Untrack(ctx context.Context, workerID, jobID string) error
	PostResult(ctx context.Context, res *wire.Result) error
}

// PendingChecker answers whether a reader still wants a block. Jobs whose
// block left every reader's window are skipped instead of synthesized.
type PendingChecker interface {
	Contains(ctx context.Context, userID, documentID string, block int) (bool, error)
}

// pullErrorBackoff is the pause after a failed pull, so a dead Redis does not
// spin the loop.
const pullErrorBackoff = time.Second

// Config wires a Runner's collaborators.
type Config struct {
	Queue    JobQueue
	Pending  PendingChecker
	Backends *resilience.FallbackGroup[synth.Synthesizer]

	// WorkerID keys this worker's processing set.
	WorkerID string

	// Model describes the queue this worker serves and the audio parameters
	// its backends are asked to produce.
	Model config.ModelConfig

	// Concurrency is the number of parallel pull loops. Minimum 1.
	Concurrency int

	// TrackProcessing enables the crash-recovery processing set.
	TrackProcessing bool

	// PullTimeout bounds each blocking pull so shutdown stays responsive.
	PullTimeout time.Duration

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Runner pulls jobs from one model queue and synthesizes them through the
// backend chain. Safe for concurrent use; Run may only be called once.
type Runner struct {
	queue    JobQueue
	pending  PendingChecker
	backends *resilience.FallbackGroup[synth.Synthesizer]

	id          string
	model       config.ModelConfig
	concurrency int
	track       bool
	pullTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		queue:       cfg.Queue,
		pending:     cfg.Pending,
		backends:    cfg.Backends,
		id:          cfg.WorkerID,
		model:       cfg.Model,
		concurrency: cfg.Concurrency,
		track:       cfg.TrackProcessing,
		pullTimeout: cfg.PullTimeout,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Run pulls and processes jobs until ctx is cancelled. One loop pulls;
// synthesis runs in goroutines gated by a weighted semaphore, so at most
// Concurrency jobs are in flight. Run waits for in-flight jobs before
// returning; a synthesis interrupted by ctx is abandoned to the visibility
// scanner rather than reported as failed.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker starting",
		"worker_id", r.id, "model", r.model.Slug, "concurrency", r.concurrency)

	sem := semaphore.NewWeighted(int64(r.concurrency))
	defer func() {
		// Each in-flight job holds one slot until it finishes.
		_ = sem.Acquire(context.Background(), int64(r.concurrency))
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		job, indexKey, err := r.queue.Pull(ctx, r.model.Slug, r.pullTimeout)
		if err != nil {
			sem.Release(1)
			if errors.Is(err, queue.ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("pull failed", "model", r.model.Slug, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pullErrorBackoff):
			}
			continue
		}
		go func() {
			defer sem.Release(1)
			r.process(ctx, job, indexKey)
		}()
	}
}

// process runs one job to a posted result. The processing record outlives
// any failure past the tracking point: it is removed only after the result
// lands on the results list, so a crash or a lost Redis write never strands
// the job permanently.
func (r *Runner) process(ctx context.Context, job *wire.Job, indexKey string) {
	res := r.newResult(job)

	// Tracked jobs may no longer be wanted: the reader scrolled on and the
	// evictor missed the race with our pull. A skipped result still flows
	// through the consumer so locks and subscriber sets get cleaned up.
	if indexKey != "" {
		wanted, err := r.pending.Contains(ctx, job.UserID, job.DocumentID, job.BlockIndex)
		if err != nil {
			// Fail open: synthesizing an unwanted block wastes a backend
			// call, dropping a wanted one loses audio.
			r.logger.Error("pending check failed", "job_id", job.ID, "err", err)
		} else if !wanted {
			r.logger.Info("skipping unwanted block",
				"job_id", job.ID, "user", job.UserID,
				"doc", job.DocumentID, "block", job.BlockIndex)
			r.post(ctx, job, res, false)
			return
		}
	}

	if r.track {
		if err := r.queue.TrackProcessing(ctx, r.id, job, indexKey); err != nil {
			r.logger.Error("track processing failed", "job_id", job.ID, "err", err)
		}
	}

	start := r.now()
	audio, err := resilience.ExecuteWithResult(r.backends, func(s synth.Synthesizer) (synth.Audio, error) {
		return s.Synthesize(ctx, r.synthRequest(job))
	})
	res.ProcessingTimeMs = r.now().Sub(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the synthesis. Leave the processing
			// record in place; the scanner will re-deliver the job.
			r.logger.Info("synthesis interrupted", "job_id", job.ID)
			return
		}
		res.Error = err.Error()
		r.logger.Error("synthesis failed",
			"job_id", job.ID, "model", job.ModelSlug, "voice", job.VoiceSlug,
			"retry", job.RetryCount, "err", err)
	} else {
		res.AudioBase64 = base64.StdEncoding.EncodeToString(audio.Data)
		res.DurationMs = audio.DurationMs
		r.logger.Info("synthesis complete",
			"job_id", job.ID, "model", job.ModelSlug, "voice", job.VoiceSlug,
			"bytes", len(audio.Data), "duration_ms", audio.DurationMs,
			"processing_ms", res.ProcessingTimeMs, "queue_wait_ms", res.QueueWaitMs)
	}

	r.post(ctx, job, res, r.track)
}

// post delivers the result and, when a processing record exists, clears it.
func (r *Runner) post(ctx context.Context, job *wire.Job, res *wire.Result, tracked bool) {
	if err := r.queue.PostResult(ctx, res); err != nil {
		// Keep the processing record: the scanner re-delivers the job after
		// the visibility timeout.
		r.logger.Error("post result failed", "job_id", job.ID, "err", err)
		return
	}
	if tracked {
		if err := r.queue.Untrack(ctx, r.id, job.ID); err != nil {
			r.logger.Error("untrack failed", "job_id", job.ID, "err", err)
		}
	}
}

func (r *Runner) newResult(job *wire.Job) *wire.Result {
	res := &wire.Result{
		JobID:           job.ID,
		Fingerprint:     job.Fingerprint,
		UserID:          job.UserID,
		DocumentID:      job.DocumentID,
		BlockIndex:      job.BlockIndex,
		ModelSlug:       job.ModelSlug,
		VoiceSlug:       job.VoiceSlug,
		TextLength:      utf8.RuneCountInString(job.Text),
		UsageMultiplier: job.UsageMultiplier,
		WorkerID:        r.id,
	}
	if job.QueuedAt > 0 {
		waitMs := int64(math.Round((float64(r.now().UnixNano())/1e9 - job.QueuedAt) * 1000))
		if waitMs > 0 {
			res.QueueWaitMs = waitMs
		}
	}
	return res
}

func (r *Runner) synthRequest(job *wire.Job) synth.Request {
	return synth.Request{
		Text:        job.Text,
		ModelSlug:   job.ModelSlug,
		VoiceSlug:   job.VoiceSlug,
		Parameters:  job.Parameters,
		Codec:       job.Codec,
		SampleRate:  r.model.SampleRate,
		Channels:    r.model.Channels,
		SampleWidth: r.model.SampleWidth,
	}
}
