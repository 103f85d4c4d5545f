package cache_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/cache"
)

// ticker is a deterministic clock advancing one second per call, so LRU
// ordering in tests never depends on wall-clock resolution.
type ticker struct {
	mu sync.Mutex
	t  time.Time
}

func (c *ticker) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T, maxBytes int64) *cache.Store {
	t.Helper()
	clock := &ticker{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	s := cache.Open(filepath.Join(t.TempDir(), "audio.db"), maxBytes, cache.WithClock(clock.now))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustPut(t *testing.T, s *cache.Store, key string, data []byte) {
	t.Helper()
	if err := s.Put(context.Background(), key, data); err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
}

func mustExist(t *testing.T, s *cache.Store, key string, want bool) {
	t.Helper()
	got, err := s.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists %s: %v", key, err)
	}
	if got != want {
		t.Errorf("Exists(%s) = %v, want %v", key, got, want)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	audio := []byte("RIFF....WAVEdata....")
	mustPut(t, s, "fp-1", audio)

	got, err := s.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("Get = %q, want %q", got, audio)
	}

	if _, err := s.Get(ctx, "fp-absent"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Get absent = %v, want ErrNotFound", err)
	}
}

func TestPutReplacesExisting(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	mustPut(t, s, "fp-1", []byte("first take"))
	mustPut(t, s, "fp-1", []byte("retaken"))

	got, err := s.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "retaken" {
		t.Errorf("Get = %q, want the replacement", got)
	}
	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("retaken")) {
		t.Errorf("Size = %d, want %d", size, len("retaken"))
	}
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()
	// Budget fits two 4-byte entries.
	s := newStore(t, 8)
	ctx := context.Background()

	mustPut(t, s, "a", []byte("aaaa"))
	mustPut(t, s, "b", []byte("bbbb"))

	// Touch a so b is now the oldest.
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	mustPut(t, s, "c", []byte("cccc"))

	mustExist(t, s, "a", true)
	mustExist(t, s, "b", false)
	mustExist(t, s, "c", true)

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size > 8 {
		t.Errorf("Size = %d after eviction, want ≤ 8", size)
	}
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	t.Parallel()
	s := newStore(t, 8)
	ctx := context.Background()

	audio := []byte("warm")
	mustPut(t, s, "warm", audio)
	if err := s.Pin(ctx, "warm"); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	// Both writes push the total over budget; the pinned entry is older but
	// must never be the victim.
	mustPut(t, s, "b", []byte("bbbb"))
	mustPut(t, s, "c", []byte("cccc"))

	got, err := s.Get(ctx, "warm")
	if err != nil {
		t.Fatalf("Get pinned: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("pinned bytes = %q, want %q", got, audio)
	}
	mustExist(t, s, "b", false)
}

func TestOnlyPinnedLeftStaysOverBudget(t *testing.T) {
	t.Parallel()
	s := newStore(t, 4)
	ctx := context.Background()

	mustPut(t, s, "a", []byte("aa"))
	if err := s.Pin(ctx, "a"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	// Replacing a pinned entry keeps the pin. Growing it past the budget
	// leaves no eviction candidates; the store must give up rather than
	// loop or delete the pin.
	mustPut(t, s, "a", []byte("aaaaaa"))

	mustExist(t, s, "a", true)
	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 6 {
		t.Errorf("size = %d, want the over-budget pinned entry intact", size)
	}
}

func TestExistsBatch(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	mustPut(t, s, "a", []byte("x"))
	mustPut(t, s, "b", []byte("y"))

	hits, err := s.ExistsBatch(ctx, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("ExistsBatch: %v", err)
	}
	sort.Strings(hits)
	if len(hits) != 2 || hits[0] != "a" || hits[1] != "b" {
		t.Errorf("hits = %v, want [a b]", hits)
	}

	hits, err = s.ExistsBatch(ctx, nil)
	if err != nil {
		t.Fatalf("ExistsBatch(nil): %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits for empty query = %v", hits)
	}
}

func TestPinUnknownKeyIgnored(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)

	if err := s.Pin(context.Background(), "ghost"); err != nil {
		t.Errorf("Pin unknown key: %v", err)
	}
	mustExist(t, s, "ghost", false)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	mustPut(t, s, "fp-1", []byte("bytes"))
	if err := s.Delete(ctx, "fp-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "fp-1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "fp-1"); err != nil {
		t.Errorf("Delete absent key: %v", err)
	}
}

func TestSizeSumsEntries(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("empty size = %d", size)
	}

	mustPut(t, s, "a", make([]byte, 100))
	mustPut(t, s, "b", make([]byte, 250))
	size, err = s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 350 {
		t.Errorf("size = %d, want 350", size)
	}
}

func TestVacuumIfNeeded(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	// A fresh file has no free pages.
	ran, err := s.VacuumIfNeeded(ctx, 0.1)
	if err != nil {
		t.Fatalf("VacuumIfNeeded: %v", err)
	}
	if ran {
		t.Error("vacuumed a fresh file")
	}

	// Deleting a blob spanning many pages leaves them on the freelist.
	mustPut(t, s, "big", []byte(strings.Repeat("x", 256<<10)))
	if err := s.Delete(ctx, "big"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ran, err = s.VacuumIfNeeded(ctx, 0.1)
	if err != nil {
		t.Fatalf("VacuumIfNeeded: %v", err)
	}
	if !ran {
		t.Error("bloated file was not vacuumed")
	}

	// And the compacted file does not qualify again.
	ran, err = s.VacuumIfNeeded(ctx, 0.1)
	if err != nil {
		t.Fatalf("VacuumIfNeeded: %v", err)
	}
	if ran {
		t.Error("vacuumed twice in a row")
	}
}

func TestConcurrentPuts(t *testing.T) {
	t.Parallel()
	s := newStore(t, 1<<20)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := range 8 {
		go func(i int) {
			key := string(rune('a' + i))
			done <- s.Put(ctx, key, bytes.Repeat([]byte{byte(i)}, 64))
		}(i)
	}
	for range 8 {
		if err := <-done; err != nil {
			t.Errorf("concurrent Put: %v", err)
		}
	}

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 8*64 {
		t.Errorf("size = %d, want %d", size, 8*64)
	}
}
