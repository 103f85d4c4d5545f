// Package cache implements the content-addressed local audio cache.
//
// Audio blobs are keyed by variant fingerprint and stored in a single SQLite
// file. The cache is bounded: once the stored bytes exceed the configured
// budget, least-recently-accessed entries are evicted until the total fits
// again. Pinned entries (pre-warmed voice samples, UI sounds) survive
// eviction. Pure-Go SQLite keeps the binary CGO-free.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned by [Store.Get] when no entry exists for a key.
var ErrNotFound = errors.New("cache: audio not found")

// evictBatchSize bounds how many victims are selected per eviction round.
const evictBatchSize = 32

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for stores, evictions, and vacuums. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for access stamps. Tests use it
// to make LRU ordering deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the SQLite-backed audio cache. It is safe for concurrent use; all
// goroutines serialize through a single connection, which eliminates
// SQLITE_BUSY errors from concurrent writers.
type Store struct {
	db       *sql.DB
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Store using a local SQLite file at dbPath with the given
// size budget. Call [Store.Init] before first use.
func Open(dbPath string, maxBytes int64, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("cache: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:       db,
		maxBytes: maxBytes,
		logger:   nopLogger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("cache: store opened", "path", dbPath, "max_bytes", maxBytes)
	return s
}

// Init creates the audio table and its eviction index.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audio (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_eviction
			ON audio (pinned, last_accessed)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cache: init schema: %w", err)
		}
	}
	return nil
}

// Put stores audio under key, replacing any previous entry, and evicts old
// entries if the size budget is now exceeded. The entry is created unpinned
// with a fresh access stamp.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	ts := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio (key, data, size, pinned, created_at, last_accessed)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			last_accessed = excluded.last_accessed`,
		key, data, int64(len(data)), ts, ts)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	s.logger.Debug("cache: stored", "key", key, "bytes", len(data))
	return s.evictOverBudget(ctx)
}

// Get returns the audio stored under key and bumps its access stamp.
// Returns [ErrNotFound] when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM audio WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE audio SET last_accessed = ? WHERE key = ?`,
		s.now().UnixMilli(), key); err != nil {
		return nil, fmt.Errorf("cache: touch %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is cached, without touching the access stamp.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM audio WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return true, nil
}

// ExistsBatch returns the subset of keys that are cached, in one round trip.
// The result preserves no particular order.
func (s *Store) ExistsBatch(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(keys)-1) + "?"
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM audio WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: batch exists: %w", err)
	}
	defer rows.Close()

	var hits []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("cache: batch exists scan: %w", err)
		}
		hits = append(hits, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: batch exists rows: %w", err)
	}
	return hits, nil
}

// Pin marks keys as exempt from LRU eviction. Unknown keys are ignored.
func (s *Store) Pin(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(keys)-1) + "?"
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE audio SET pinned = 1 WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("cache: pin: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audio WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// Size returns the total stored audio bytes.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM audio`).Scan(&total); err != nil {
		return 0, fmt.Errorf("cache: size: %w", err)
	}
	return total.Int64, nil
}

// evictOverBudget deletes least-recently-accessed unpinned entries until the
// total size fits the budget. If only pinned entries remain the cache is
// allowed to stay over budget; that is logged once per call.
func (s *Store) evictOverBudget(ctx context.Context) error {
	total, err := s.Size(ctx)
	if err != nil {
		return err
	}

	var freed int64
	var evicted int
	for total > s.maxBytes {
		rows, err := s.db.QueryContext(ctx,
			`SELECT key, size FROM audio
			 WHERE pinned = 0
			 ORDER BY last_accessed ASC
			 LIMIT ?`, evictBatchSize)
		if err != nil {
			return fmt.Errorf("cache: select eviction victims: %w", err)
		}

		type victim struct {
			key  string
			size int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.key, &v.size); err != nil {
				rows.Close()
				return fmt.Errorf("cache: scan eviction victim: %w", err)
			}
			victims = append(victims, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("cache: eviction rows: %w", err)
		}
		rows.Close()

		if len(victims) == 0 {
			s.logger.Warn("cache: over budget but only pinned entries remain",
				"total_bytes", total, "max_bytes", s.maxBytes)
			return nil
		}

		for _, v := range victims {
			if total <= s.maxBytes {
				break
			}
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM audio WHERE key = ?`, v.key); err != nil {
				return fmt.Errorf("cache: evict %s: %w", v.key, err)
			}
			total -= v.size
			freed += v.size
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Debug("cache: evicted LRU entries", "count", evicted, "bytes_freed", freed)
	}
	return nil
}

// VacuumIfNeeded compacts the database file when the free-page fraction
// meets or exceeds threshold. Returns whether a vacuum ran. Deleting audio
// blobs leaves free pages behind, so a cache that has churned through many
// entries can hold a file several times its live size.
func (s *Store) VacuumIfNeeded(ctx context.Context, threshold float64) (bool, error) {
	var pageCount, freePages int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return false, fmt.Errorf("cache: page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return false, fmt.Errorf("cache: freelist_count: %w", err)
	}
	if pageCount == 0 {
		return false, nil
	}

	bloat := float64(freePages) / float64(pageCount)
	if bloat < threshold {
		return false, nil
	}

	start := s.now()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return false, fmt.Errorf("cache: vacuum: %w", err)
	}
	s.logger.Info("cache: vacuumed database file",
		"bloat", fmt.Sprintf("%.2f", bloat),
		"free_pages", freePages,
		"duration", s.now().Sub(start))
	return true, nil
}

// Ping verifies the database file is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
