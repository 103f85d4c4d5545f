// Package blocks stores documents as ordered plain-text blocks and turns
// markdown into them. The gateway resolves WebSocket block indices to text
// here; dispatch and the queue only ever see the resolved text.
package blocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a document or block index does not exist.
var ErrNotFound = errors.New("blocks: not found")

const ddlBlocks = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blocks (
    document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
    idx         INT  NOT NULL,
    text        TEXT NOT NULL,
    PRIMARY KEY (document_id, idx)
);
`

// Migrate creates the document schema when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlBlocks); err != nil {
		return fmt.Errorf("blocks: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL document/block store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on the shared pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Put writes a document and its blocks, replacing any previous content under
// the same id. Block indices are assigned from the slice order, starting at
// zero.
func (s *Store) Put(ctx context.Context, documentID, title string, texts []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("blocks: begin put: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO documents (id, title) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		documentID, title); err != nil {
		return fmt.Errorf("blocks: upsert document %s: %w", documentID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM blocks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("blocks: clear blocks %s: %w", documentID, err)
	}
	for i, text := range texts {
		if _, err := tx.Exec(ctx, `
INSERT INTO blocks (document_id, idx, text) VALUES ($1, $2, $3)`,
			documentID, i, text); err != nil {
			return fmt.Errorf("blocks: insert block %d of %s: %w", i, documentID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("blocks: commit put %s: %w", documentID, err)
	}
	return nil
}

// BlockText returns the text of one block.
func (s *Store) BlockText(ctx context.Context, documentID string, idx int) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx,
		"SELECT text FROM blocks WHERE document_id = $1 AND idx = $2",
		documentID, idx).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("blocks: block %d of %s: %w", idx, documentID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("blocks: read block %d of %s: %w", idx, documentID, err)
	}
	return text, nil
}

// BlockTexts returns the texts for the given indices, keyed by index.
// Indices the document does not have are simply absent from the map.
func (s *Store) BlockTexts(ctx context.Context, documentID string, indices []int) (map[int]string, error) {
	texts := make(map[int]string, len(indices))
	if len(indices) == 0 {
		return texts, nil
	}
	idxs := make([]int32, len(indices))
	for i, idx := range indices {
		idxs[i] = int32(idx)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT idx, text FROM blocks WHERE document_id = $1 AND idx = ANY($2)",
		documentID, idxs)
	if err != nil {
		return nil, fmt.Errorf("blocks: read blocks of %s: %w", documentID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx  int
			text string
		)
		if err := rows.Scan(&idx, &text); err != nil {
			return nil, fmt.Errorf("blocks: scan block of %s: %w", documentID, err)
		}
		texts[idx] = text
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blocks: read blocks of %s: %w", documentID, err)
	}
	return texts, nil
}

// BlockCount returns how many blocks a document has. Unknown documents
// report zero.
func (s *Store) BlockCount(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM blocks WHERE document_id = $1", documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("blocks: count blocks of %s: %w", documentID, err)
	}
	return n, nil
}
