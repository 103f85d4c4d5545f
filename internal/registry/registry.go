// Package registry persists audio variants: the durable record of which
// fingerprints exist, what produced them, how long their audio plays, and
// whether the bytes are currently materialized in the local cache.
//
// The registry is the system of record; the cache is disposable. A variant
// whose cache_ref is NULL is still known — re-synthesis will fill it back in
// under the same fingerprint.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlVariants = `
CREATE TABLE IF NOT EXISTS audio_variants (
    fingerprint  TEXT         PRIMARY KEY,
    model_slug   TEXT         NOT NULL,
    voice_slug   TEXT         NOT NULL,
    duration_ms  BIGINT       NOT NULL DEFAULT 0,
    cache_ref    TEXT,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audio_variants_model
    ON audio_variants (model_slug);
`

// Migrate creates the registry schema when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlVariants); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// Variant is one synthesized-audio identity.
type Variant struct {
	Fingerprint string
	ModelSlug   string
	VoiceSlug   string

	// DurationMs is the playback length; zero until a result lands.
	DurationMs int64

	// CacheRef keys the audio bytes in the local cache. Empty means the
	// bytes are not currently stored.
	CacheRef string

	CreatedAt time.Time
}

// Store is the PostgreSQL-backed variant registry. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Lookup returns the variant for the fingerprint when one exists.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (Variant, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT fingerprint, model_slug, voice_slug, duration_ms, COALESCE(cache_ref, ''), created_at
FROM audio_variants
WHERE fingerprint = $1`, fingerprint)

	var v Variant
	err := row.Scan(&v.Fingerprint, &v.ModelSlug, &v.VoiceSlug, &v.DurationMs, &v.CacheRef, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, false, nil
	}
	if err != nil {
		return Variant{}, false, fmt.Errorf("registry: lookup %s: %w", fingerprint, err)
	}
	return v, true, nil
}

// Ensure creates the variant row if missing and returns the current row.
// Dispatchers racing on the same fingerprint all succeed: the first insert
// wins and the rest read it back.
func (s *Store) Ensure(ctx context.Context, fingerprint, modelSlug, voiceSlug string) (Variant, error) {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO audio_variants (fingerprint, model_slug, voice_slug)
VALUES ($1, $2, $3)
ON CONFLICT (fingerprint) DO NOTHING`, fingerprint, modelSlug, voiceSlug); err != nil {
		return Variant{}, fmt.Errorf("registry: ensure %s: %w", fingerprint, err)
	}
	v, ok, err := s.Lookup(ctx, fingerprint)
	if err != nil {
		return Variant{}, err
	}
	if !ok {
		return Variant{}, fmt.Errorf("registry: ensure %s: row missing after insert", fingerprint)
	}
	return v, nil
}

// SetResult records a finished synthesis: the playback duration and the
// cache key now holding the audio.
func (s *Store) SetResult(ctx context.Context, fingerprint string, durationMs int64, cacheRef string) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE audio_variants
SET duration_ms = $2, cache_ref = $3, updated_at = now()
WHERE fingerprint = $1`, fingerprint, durationMs, cacheRef); err != nil {
		return fmt.Errorf("registry: set result %s: %w", fingerprint, err)
	}
	return nil
}

// ClearCacheRef drops the cache pointer after the cache lost the bytes. The
// duration is kept; the variant stays known, just not materialized.
func (s *Store) ClearCacheRef(ctx context.Context, fingerprint string) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE audio_variants
SET cache_ref = NULL, updated_at = now()
WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("registry: clear cache ref %s: %w", fingerprint, err)
	}
	return nil
}
