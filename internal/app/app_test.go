package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lecternhq/lectern/internal/app"
	"github.com/lecternhq/lectern/internal/cache"
	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/registry"
)

// testDeps holds the connections the fixture injects, for direct inspection
// alongside the app's own handles.
type testDeps struct {
	rdb   *redis.Client
	pool  *pgxpool.Pool
	store *cache.Store
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.AuthTokens = map[string]string{"tok-alice": "alice"}
	cfg.Redis.DB = 9
	cfg.Postgres.DSN = os.Getenv("LECTERN_TEST_POSTGRES_DSN")
	cfg.Models = []config.ModelConfig{
		{Slug: "kokoro", UsageMultiplier: 0, Codec: config.CodecWAV,
			SampleRate: 24000, Channels: 1, SampleWidth: 2, Voices: []string{"nova"}},
	}
	cfg.Plans = []config.PlanConfig{{Slug: "free", PeriodLimit: 0}}
	return cfg
}

// newTestApp wires a full App against local Redis (database 9 as a
// disposable namespace) and the test Postgres. Skipped when either backend
// is unavailable.
func newTestApp(t *testing.T) (*app.App, testDeps, string) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	dsn := os.Getenv("LECTERN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LECTERN_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	store := cache.Open(filepath.Join(t.TempDir(), "cache.db"), 1<<20)
	t.Cleanup(func() { store.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	a, err := app.New(context.Background(), testConfig(),
		app.WithRedis(rdb),
		app.WithPostgres(pool),
		app.WithCache(store),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, testDeps{rdb: rdb, pool: pool, store: store}, "http://" + ln.Addr().String()
}

// startApp runs the app in the background and waits until it serves.
func startApp(t *testing.T, a *app.App, base string) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get(base + "/healthz")
		if err == nil {
			res.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	return func() {
		cancel()
		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	}
}

func TestAppRunReportsReady(t *testing.T) {
	a, _, base := newTestApp(t)
	stop := startApp(t, a, base)
	defer stop()

	res, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"redis", "postgres", "cache"} {
		if body.Checks[name] != "ok" {
			t.Errorf("check %s = %q, want ok", name, body.Checks[name])
		}
	}
}

func TestAppServesCachedAudio(t *testing.T) {
	a, deps, base := newTestApp(t)
	ctx := context.Background()

	// Plant a finished variant the way the result consumer would.
	fp := "fp-" + uuid.NewString()
	if err := deps.store.Put(ctx, fp, []byte("riff-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg := registry.New(deps.pool)
	if _, err := reg.Ensure(ctx, fp, "kokoro", "nova"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := reg.SetResult(ctx, fp, 1500, fp); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	stop := startApp(t, a, base)
	defer stop()

	res, err := http.Get(base + "/v1/audio/" + fp)
	if err != nil {
		t.Fatalf("GET audio: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d, want 200", res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "riff-bytes" {
		t.Errorf("body = %q, want the cached bytes", data)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", ct)
	}
	if dur := res.Header.Get("X-Duration-Ms"); dur != "1500" {
		t.Errorf("X-Duration-Ms = %q, want 1500", dur)
	}
}

func TestAppRejectsUnauthorizedSocket(t *testing.T) {
	a, _, base := newTestApp(t)
	stop := startApp(t, a, base)
	defer stop()

	req, err := http.NewRequest(http.MethodGet, base+"/v1/ws/tts", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET ws: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a token", res.StatusCode)
	}
}

func TestApplyConfigSwapsCatalog(t *testing.T) {
	a, _, _ := newTestApp(t)

	if _, ok := a.Catalog().Model("openai-tts"); ok {
		t.Fatal("openai-tts configured before reload")
	}

	next := testConfig()
	next.Models = append(next.Models, config.ModelConfig{
		Slug: "openai-tts", UsageMultiplier: 1.5, Codec: config.CodecMP3, Voices: []string{"alloy"},
	})
	a.ApplyConfig(next)

	if _, ok := a.Catalog().Model("openai-tts"); !ok {
		t.Error("catalog did not pick up the added model")
	}
	if !a.Catalog().HasVoice("openai-tts", "alloy") {
		t.Error("catalog did not pick up the added voice")
	}
}

func TestAppShutdownIsIdempotent(t *testing.T) {
	a, _, base := newTestApp(t)
	stop := startApp(t, a, base)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// A second call is a no-op, not a double-close.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
