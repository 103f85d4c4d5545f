// Command lectern-ingest loads a Markdown document into the block store,
// splitting it into synthesis-sized text blocks. Clients then request blocks
// by document ID and index instead of shipping raw text over the socket.
//
// Usage:
//
//	lectern-ingest -config config.yaml -doc user-guide -title "User Guide" docs/guide.md
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lecternhq/lectern/internal/blocks"
	"github.com/lecternhq/lectern/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	docID := flag.String("doc", "", "document ID to store the blocks under")
	title := flag.String("title", "", "human-readable document title")
	maxRunes := flag.Int("max-runes", blocks.DefaultMaxBlockRunes, "maximum runes per block before splitting")
	flag.Parse()

	if *docID == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lectern-ingest -config config.yaml -doc <id> [-title <title>] <markdown-file>")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern-ingest: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern-ingest: %v\n", err)
		}
		return 1
	}

	// ── Read + split the document ─────────────────────────────────────────────
	source, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lectern-ingest: %v\n", err)
		return 1
	}

	texts := blocks.NewTransformer(*maxRunes).Blocks(source)
	if len(texts) == 0 {
		fmt.Fprintf(os.Stderr, "lectern-ingest: %s contains no readable blocks\n", flag.Arg(0))
		return 1
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lectern-ingest: connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := blocks.Migrate(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "lectern-ingest: %v\n", err)
		return 1
	}
	if err := blocks.New(pool).Put(ctx, *docID, *title, texts); err != nil {
		fmt.Fprintf(os.Stderr, "lectern-ingest: %v\n", err)
		return 1
	}

	fmt.Printf("stored %d blocks under document %q\n", len(texts), *docID)
	return 0
}
