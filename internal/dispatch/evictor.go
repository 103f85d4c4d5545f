package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/observe"
	"github.com/lecternhq/lectern/internal/queue"
)

// PendingStore is the evictor's view of the per-document pending sets.
type PendingStore interface {
	Members(ctx context.Context, userID, documentID string) ([]int, error)
	Remove(ctx context.Context, userID, documentID string, blocks ...int) error
}

// EvictQueue removes queued jobs through the per-block index.
type EvictQueue interface {
	Evict(ctx context.Context, model, indexKey string) (bool, error)
}

// Evictor drops queued-but-unwanted work when a reader's cursor moves.
// Pending blocks outside [cursor−behind, cursor+ahead] are removed from the
// queue (when still queued) and from the pending set; blocks a worker
// already pulled turn into skipped results through the worker's own pending
// check.
type Evictor struct {
	pending PendingStore
	queue   EvictQueue
	behind  int
	ahead   int

	metrics *observe.Metrics
	logger  *slog.Logger
}

// NewEvictor creates an Evictor with the configured window bounds.
func NewEvictor(pending PendingStore, q EvictQueue, win config.WindowConfig, metrics *observe.Metrics, logger *slog.Logger) *Evictor {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		pending: pending,
		queue:   q,
		behind:  win.BufferBehind,
		ahead:   win.BufferAhead,
		metrics: metrics,
		logger:  logger,
	}
}

// CursorMoved prunes every pending block outside the listening window around
// cursor and returns the pruned indices in ascending order. The model slug
// names the queue the reader's jobs were enqueued on.
func (e *Evictor) CursorMoved(ctx context.Context, userID, documentID, modelSlug string, cursor int) ([]int, error) {
	blocks, err := e.pending.Members(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	lo, hi := cursor-e.behind, cursor+e.ahead

	var evicted []int
	for _, b := range blocks {
		if b >= lo && b <= hi {
			continue
		}
		if _, err := e.queue.Evict(ctx, modelSlug, queue.IndexKey(userID, documentID, b)); err != nil {
			return nil, fmt.Errorf("dispatch: evict block %d: %w", b, err)
		}
		evicted = append(evicted, b)
	}
	if len(evicted) == 0 {
		return nil, nil
	}

	if err := e.pending.Remove(ctx, userID, documentID, evicted...); err != nil {
		return nil, fmt.Errorf("dispatch: prune pending: %w", err)
	}
	sort.Ints(evicted)
	e.metrics.BlocksEvicted.Add(ctx, int64(len(evicted)))
	e.logger.Info("evicted blocks outside window",
		"user", userID, "doc", documentID, "cursor", cursor,
		"window_lo", lo, "window_hi", hi, "count", len(evicted))
	return evicted, nil
}
