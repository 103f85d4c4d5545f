package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/lecternhq/lectern/internal/observe"
	"github.com/lecternhq/lectern/pkg/wire"
)

// Scanner reclaims jobs from workers that died mid-synthesis. Workers track
// pulled jobs in per-worker processing sets; entries older than the
// visibility timeout are re-enqueued, or dead-lettered once their retries
// are spent. Dead-lettered jobs additionally post a synthetic error result
// so waiting subscribers hear a terminal status instead of silence.
//
// Any number of server instances may run a Scanner; a short-lived leader
// key ensures only one of them scans per interval.
type Scanner struct {
	queue      *Queue
	id         string
	interval   time.Duration
	visibility time.Duration
	maxRetries int

	metrics *observe.Metrics
	logger  *slog.Logger
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// ID distinguishes this instance in the leader election, typically
	// hostname plus a random suffix.
	ID string

	// Interval is the scan cadence. It doubles as the leader lease length,
	// so leadership rotates freely between healthy instances.
	Interval time.Duration

	// Visibility is how long a job may sit in a processing set before it
	// counts as stalled.
	Visibility time.Duration

	// MaxRetries is the reclaim count at which a job dead-letters instead
	// of re-enqueueing.
	MaxRetries int

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// NewScanner creates a Scanner over the queue's Redis connection.
func NewScanner(q *Queue, cfg ScannerConfig) *Scanner {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{
		queue:      q,
		id:         cfg.ID,
		interval:   cfg.Interval,
		visibility: cfg.Visibility,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.ScanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("visibility scan failed", "err", err)
		}
	}
}

// ScanOnce runs a single reclaim pass if this instance wins the leader key.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	won, err := s.queue.rdb.SetNX(ctx, scannerLeaderKey, s.id, s.interval).Result()
	if err != nil {
		return fmt.Errorf("queue: acquire scanner lease: %w", err)
	}
	if !won {
		return nil
	}

	keys, err := s.queue.processingSets(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.scanSet(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) scanSet(ctx context.Context, setKey string) error {
	entries, err := s.queue.rdb.HGetAll(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("queue: read processing set %s: %w", setKey, err)
	}
	cutoff := unixSeconds(s.queue.now().Add(-s.visibility))
	for jobID, raw := range entries {
		var rec wire.ProcessingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Error("dropping undecodable processing record",
				"worker_set", setKey, "job_id", jobID, "err", err)
			s.queue.rdb.HDel(ctx, setKey, jobID)
			continue
		}
		if rec.ProcessingStarted > cutoff {
			continue
		}
		if err := s.reclaim(ctx, setKey, jobID, &rec); err != nil {
			return err
		}
	}
	return nil
}

// reclaim takes ownership of one stalled entry. The HDel doubles as the
// claim: if the worker finished between our read and the delete, the removed
// count is zero and the job is left alone.
func (s *Scanner) reclaim(ctx context.Context, setKey, jobID string, rec *wire.ProcessingRecord) error {
	removed, err := s.queue.rdb.HDel(ctx, setKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("queue: claim stalled job %s: %w", jobID, err)
	}
	if removed == 0 {
		return nil
	}

	job := rec.Job
	modelAttr := metric.WithAttributes(observe.Attr("model", job.ModelSlug))

	if rec.RetryCount >= s.maxRetries {
		if err := s.queue.MoveToDLQ(ctx, &job); err != nil {
			return err
		}
		res := &wire.Result{
			JobID:       job.ID,
			Fingerprint: job.Fingerprint,
			UserID:      job.UserID,
			DocumentID:  job.DocumentID,
			BlockIndex:  job.BlockIndex,
			ModelSlug:   job.ModelSlug,
			VoiceSlug:   job.VoiceSlug,
			Error:       fmt.Sprintf("synthesis abandoned after %d attempts", rec.RetryCount+1),
		}
		if err := s.queue.PostResult(ctx, res); err != nil {
			return err
		}
		s.metrics.JobsDeadLettered.Add(ctx, 1, modelAttr)
		s.logger.Warn("job dead-lettered",
			"job_id", job.ID, "model", job.ModelSlug,
			"retries", rec.RetryCount, "worker_set", setKey)
		return nil
	}

	if err := s.queue.Requeue(ctx, &job, rec.IndexKey); err != nil {
		return err
	}
	s.metrics.JobsRequeued.Add(ctx, 1, modelAttr)
	s.logger.Info("job reclaimed from stalled worker",
		"job_id", job.ID, "model", job.ModelSlug,
		"retry", job.RetryCount, "worker_set", setKey)
	return nil
}
