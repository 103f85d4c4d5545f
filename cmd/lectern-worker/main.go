// Command lectern-worker pulls jobs from a single model queue and synthesizes
// them through a configured backend. Run one process per model, or several
// for the same model to scale horizontally — the queue hands each job to
// exactly one puller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern-worker: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern-worker: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Resolve the model this worker serves ─────────────────────────────────
	catalog := config.NewCatalog(cfg)
	model, ok := catalog.Model(cfg.Worker.Model)
	if !ok {
		slog.Error("worker model is not in the catalog", "model", cfg.Worker.Model)
		return 1
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = host
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Redis + queue ─────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close error", "err", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}

	q := queue.New(rdb, queue.WithDLQRetention(cfg.Queue.DLQRetention()))
	pending := dispatch.NewPending(rdb, cfg.Queue.PendingTTL())

	// ── Synthesis backends ────────────────────────────────────────────────────
	backends, err := worker.NewBackendGroup(cfg.Worker, worker.NewRegistry())
	if err != nil {
		slog.Error("failed to build backend group", "err", err)
		return 1
	}

	runner := worker.NewRunner(worker.Config{
		Queue:           q,
		Pending:         pending,
		Backends:        backends,
		WorkerID:        workerID,
		Model:           model,
		Concurrency:     cfg.Worker.Concurrency,
		TrackProcessing: cfg.Worker.TrackProcessing,
		PullTimeout:     cfg.Queue.PullTimeout(),
	})

	slog.Info("worker running",
		"worker_id", workerID,
		"model", model.Slug,
		"backend", cfg.Worker.Backend.Name,
		"concurrency", cfg.Worker.Concurrency,
		"fallbacks", len(cfg.Worker.Fallbacks),
	)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
