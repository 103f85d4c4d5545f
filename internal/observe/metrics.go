// Package observe provides application-wide observability primitives for
// Lectern: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lectern metrics.
const meterName = "github.com/lecternhq/lectern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DispatchDuration tracks dispatcher request handling latency, from
	// message receipt to queued/cached/error outcome.
	DispatchDuration metric.Float64Histogram

	// SynthesisDuration tracks worker-reported synthesis processing time.
	SynthesisDuration metric.Float64Histogram

	// QueueWait tracks how long jobs sat queued before a worker pulled them.
	QueueWait metric.Float64Histogram

	// --- Counters ---

	// DispatchOutcomes counts dispatcher results. Use with attributes:
	//   attribute.String("model", ...), attribute.String("outcome", ...)
	DispatchOutcomes metric.Int64Counter

	// SynthesisResults counts consumed worker results. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	SynthesisResults metric.Int64Counter

	// CacheHits counts audio cache hits at dispatch time.
	CacheHits metric.Int64Counter

	// CacheMisses counts audio cache misses at dispatch time.
	CacheMisses metric.Int64Counter

	// JobsRequeued counts visibility-timeout reclaims that re-enqueued a job.
	// Use with attribute.String("model", ...).
	JobsRequeued metric.Int64Counter

	// JobsDeadLettered counts jobs moved to a dead-letter list after
	// exhausting retries. Use with attribute.String("model", ...).
	JobsDeadLettered metric.Int64Counter

	// BlocksEvicted counts queued blocks dropped by cursor-window eviction.
	BlocksEvicted metric.Int64Counter

	// UsageCharacters counts billed characters. Use with
	// attribute.String("pool", ...) naming the waterfall pool debited.
	UsageCharacters metric.Int64Counter

	// RateLimitRejections counts WebSocket messages rejected by the
	// per-user rate limiter.
	RateLimitRejections metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth samples the sorted-set length of a model queue at enqueue
	// time. Use with attribute.String("model", ...).
	QueueDepth metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis latencies: dispatch decisions land in the low buckets, GPU
// synthesis and queue waits in the upper ones.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("lectern.dispatch.duration",
		metric.WithDescription("Latency of dispatcher request handling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("lectern.synthesis.duration",
		metric.WithDescription("Worker-reported synthesis processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("lectern.queue.wait",
		metric.WithDescription("Time jobs spent queued before a worker pulled them."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DispatchOutcomes, err = m.Int64Counter("lectern.dispatch.outcomes",
		metric.WithDescription("Dispatcher outcomes by model and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisResults, err = m.Int64Counter("lectern.synthesis.results",
		metric.WithDescription("Consumed worker results by model and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("lectern.cache.hits",
		metric.WithDescription("Audio cache hits at dispatch time."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("lectern.cache.misses",
		metric.WithDescription("Audio cache misses at dispatch time."),
	); err != nil {
		return nil, err
	}
	if met.JobsRequeued, err = m.Int64Counter("lectern.jobs.requeued",
		metric.WithDescription("Jobs reclaimed from stalled workers and re-enqueued."),
	); err != nil {
		return nil, err
	}
	if met.JobsDeadLettered, err = m.Int64Counter("lectern.jobs.dead_lettered",
		metric.WithDescription("Jobs moved to a dead-letter list after exhausting retries."),
	); err != nil {
		return nil, err
	}
	if met.BlocksEvicted, err = m.Int64Counter("lectern.blocks.evicted",
		metric.WithDescription("Queued blocks dropped by cursor-window eviction."),
	); err != nil {
		return nil, err
	}
	if met.UsageCharacters, err = m.Int64Counter("lectern.usage.characters",
		metric.WithDescription("Billed characters by waterfall pool."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitRejections, err = m.Int64Counter("lectern.ratelimit.rejections",
		metric.WithDescription("WebSocket messages rejected by the per-user rate limit."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("lectern.active_sessions",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("lectern.queue.depth",
		metric.WithDescription("Model queue length sampled at enqueue time."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDispatch records one dispatcher outcome with its handling latency.
func (m *Metrics) RecordDispatch(ctx context.Context, model, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	m.DispatchOutcomes.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("model", model)))
}

// RecordResult records one consumed worker result with its timings.
func (m *Metrics) RecordResult(ctx context.Context, model, status string, processingMs, queueWaitMs int64) {
	m.SynthesisResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
	if processingMs > 0 {
		m.SynthesisDuration.Record(ctx, float64(processingMs)/1000, metric.WithAttributes(attribute.String("model", model)))
	}
	if queueWaitMs > 0 {
		m.QueueWait.Record(ctx, float64(queueWaitMs)/1000, metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordUsage records billed characters split across the waterfall pools.
func (m *Metrics) RecordUsage(ctx context.Context, fromSubscription, fromRollover, fromPurchased, overflowToDebt int64) {
	record := func(pool string, n int64) {
		if n > 0 {
			m.UsageCharacters.Add(ctx, n, metric.WithAttributes(attribute.String("pool", pool)))
		}
	}
	record("subscription", fromSubscription)
	record("rollover", fromRollover)
	record("purchased", fromPurchased)
	record("debt", overflowToDebt)
}
