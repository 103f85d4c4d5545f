// Package app wires all Lectern subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects Redis, Postgres, and
// the local audio cache, runs migrations, and wires the dispatcher, result
// consumer, visibility scanner, and gateway together. Run serves until ctx
// is cancelled, and Shutdown tears the connections down in order.
//
// For testing, inject connections via functional options (WithRedis,
// WithPostgres, etc.). When an option is not provided, New creates real
// connections from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lecternhq/lectern/internal/blocks"
	"github.com/lecternhq/lectern/internal/cache"
	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/gateway"
	"github.com/lecternhq/lectern/internal/health"
	"github.com/lecternhq/lectern/internal/notify"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/registry"
	"github.com/lecternhq/lectern/internal/result"
	"github.com/lecternhq/lectern/internal/usage"
)

// drainTimeout bounds the HTTP server drain inside Run's teardown. Sessions
// are tied to Run's context and close on their own; this only covers
// stragglers mid-handshake.
const drainTimeout = 10 * time.Second

// App owns all subsystem lifetimes for one Lectern server instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Snapshotted from cfg in New so Run never races a config reload.
	listenAddr     string
	tlsConf        *config.TLSConfig
	vacuumEvery    time.Duration
	bloatThreshold float64

	// Hot-reloadable pieces, swapped wholesale by ApplyConfig. Subsystems
	// hold the accessor methods, not the values, so they always see the
	// latest.
	catalog atomic.Pointer[config.Catalog]
	evictor atomic.Pointer[dispatch.Evictor]
	limiter atomic.Pointer[gateway.RateLimiter]

	// Subsystems — initialised in New, torn down in Shutdown.
	rdb        redis.UniversalClient
	pool       *pgxpool.Pool
	store      *cache.Store
	queue      *queue.Queue
	scanner    *queue.Scanner
	locks      *dispatch.InflightLocks
	subs       *dispatch.Subscribers
	pending    *dispatch.Pending
	holds      *usage.Reservations
	ledger     *usage.Ledger
	registry   *registry.Store
	blocks     *blocks.Store
	events     *notify.Publisher
	dispatcher *dispatch.Dispatcher
	consumer   *result.Consumer
	gateway    *gateway.Server

	verifier gateway.TokenVerifier
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject connections the
// test already owns.
type Option func(*App)

// WithRedis injects a Redis client instead of dialing from config.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithPostgres injects a connection pool instead of opening one from config.
func WithPostgres(pool *pgxpool.Pool) Option {
	return func(a *App) { a.pool = pool }
}

// WithCache injects an audio cache instead of opening one from config.
func WithCache(store *cache.Store) Option {
	return func(a *App) { a.store = store }
}

// WithVerifier injects a token verifier instead of the config's static table.
func WithVerifier(v gateway.TokenVerifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithListener injects a listener instead of binding the config address.
// Run closes it along with the HTTP server.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: connections are dialed and pinged, migrations run, and every
// collaborator is constructed before New returns, so a non-nil App is ready
// for Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:            cfg,
		logger:         slog.Default(),
		listenAddr:     cfg.Server.ListenAddr,
		tlsConf:        cfg.Server.TLS,
		vacuumEvery:    cfg.Cache.VacuumInterval(),
		bloatThreshold: cfg.Cache.BloatThreshold,
	}
	a.catalog.Store(config.NewCatalog(cfg))
	for _, o := range opts {
		o(a)
	}

	// ── 1. Redis ─────────────────────────────────────────────────────────
	if err := a.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("app: init redis: %w", err)
	}

	// ── 2. Postgres + migrations ─────────────────────────────────────────
	if err := a.initPostgres(ctx); err != nil {
		return nil, fmt.Errorf("app: init postgres: %w", err)
	}

	// ── 3. Audio cache ───────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 4. Queue + delivery bookkeeping ──────────────────────────────────
	a.initQueue()

	// ── 5. Usage ledger ──────────────────────────────────────────────────
	a.initUsage()

	// ── 6. Dispatcher + result consumer ──────────────────────────────────
	a.initDispatch()

	// ── 7. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	return a, nil
}

// Catalog returns the current model/plan catalog. Subsystems hold this
// method value so config reloads take effect without a restart.
func (a *App) Catalog() *config.Catalog {
	return a.catalog.Load()
}

// ApplyConfig applies the hot-reloadable parts of next: the model/plan
// catalog, the eviction window, and the per-user message rate limit. Wire it
// to a config.Watcher. Connection settings and the listen address need a
// restart and are left alone.
func (a *App) ApplyConfig(next *config.Config) {
	d := config.Diff(a.cfg, next)
	if d.CatalogChanged {
		a.catalog.Store(config.NewCatalog(next))
		for _, mc := range d.ModelChanges {
			a.logger.Info("model catalog changed",
				"model", mc.Slug, "added", mc.Added, "removed", mc.Removed, "changed", mc.Changed)
		}
	}
	if d.WindowChanged {
		a.evictor.Store(dispatch.NewEvictor(a.pending, a.queue, next.Window, nil, a.logger))
		a.logger.Info("listening window changed",
			"behind", next.Window.BufferBehind, "ahead", next.Window.BufferAhead)
	}
	if d.RateLimitChanged {
		a.limiter.Store(gateway.NewRateLimiter(a.rdb, next.RateLimit.PerMinute))
		a.logger.Info("rate limit changed", "per_minute", next.RateLimit.PerMinute)
	}
	a.cfg = next
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRedis dials the coordination Redis or verifies the injected client.
func (a *App) initRedis(ctx context.Context) error {
	if a.rdb == nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", a.cfg.Redis.Addr, err)
	}
	return nil
}

// initPostgres opens the system-of-record pool and runs all migrations.
func (a *App) initPostgres(ctx context.Context) error {
	if a.pool == nil {
		pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}
	if err := registry.Migrate(ctx, a.pool); err != nil {
		return err
	}
	if err := usage.Migrate(ctx, a.pool); err != nil {
		return err
	}
	if err := blocks.Migrate(ctx, a.pool); err != nil {
		return err
	}
	a.registry = registry.New(a.pool)
	a.blocks = blocks.New(a.pool)
	return nil
}

// initCache opens the SQLite audio cache and ensures its schema.
func (a *App) initCache(ctx context.Context) error {
	if a.store == nil {
		a.store = cache.Open(a.cfg.Cache.Path, a.cfg.Cache.MaxBytes, cache.WithLogger(a.logger))
		a.closers = append(a.closers, a.store.Close)
	}
	return a.store.Init(ctx)
}

// initQueue builds the Redis queue, its visibility scanner, and the
// per-fingerprint locks and per-reader sets around it.
func (a *App) initQueue() {
	a.queue = queue.New(a.rdb, queue.WithDLQRetention(a.cfg.Queue.DLQRetention()))
	a.locks = dispatch.NewInflightLocks(a.rdb, a.cfg.Queue.InflightLockTTL())
	a.subs = dispatch.NewSubscribers(a.rdb, a.cfg.Queue.SubscriberTTL())
	a.pending = dispatch.NewPending(a.rdb, a.cfg.Queue.PendingTTL())
	a.scanner = queue.NewScanner(a.queue, queue.ScannerConfig{
		ID:         scannerID(),
		Interval:   a.cfg.Queue.ScanInterval(),
		Visibility: a.cfg.Queue.VisibilityTimeout(),
		MaxRetries: a.cfg.Queue.MaxRetries,
		Logger:     a.logger,
	})
}

// initUsage builds the reservation store and the waterfall ledger over it.
func (a *App) initUsage() {
	a.holds = usage.NewReservations(a.rdb, a.cfg.Usage.ReservationTTL())
	a.ledger = usage.NewLedger(usage.Config{
		Pool:         a.pool,
		Reservations: a.holds,
		Catalog:      a.Catalog,
		Logger:       a.logger,
	})
}

// initDispatch builds the dispatcher, the window evictor, and the result
// consumer that finalizes what workers post back.
func (a *App) initDispatch() {
	a.events = notify.NewPublisher(a.rdb)
	a.dispatcher = dispatch.New(dispatch.Config{
		Registry:     a.registry,
		Cache:        a.store,
		Usage:        a.ledger,
		Reservations: a.holds,
		Queue:        a.queue,
		Locks:        a.locks,
		Subscribers:  a.subs,
		Pending:      a.pending,
		Events:       a.events,
		Catalog:      a.Catalog,
		Logger:       a.logger,
	})
	a.evictor.Store(dispatch.NewEvictor(a.pending, a.queue, a.cfg.Window, nil, a.logger))
	a.consumer = result.NewConsumer(result.Config{
		Queue:        a.queue,
		Cache:        a.store,
		Registry:     a.registry,
		Usage:        a.ledger,
		Reservations: a.holds,
		Subscribers:  a.subs,
		Locks:        a.locks,
		Pending:      a.pending,
		Events:       a.events,
		PullTimeout:  a.cfg.Queue.PullTimeout(),
		Logger:       a.logger,
	})
}

// initGateway builds the client-facing server with health checks over every
// connection the app holds.
func (a *App) initGateway() {
	if a.verifier == nil {
		a.verifier = gateway.StaticTokens(a.cfg.Server.AuthTokens)
	}
	a.limiter.Store(gateway.NewRateLimiter(a.rdb, a.cfg.RateLimit.PerMinute))

	checks := health.New(
		health.Checker{Name: "redis", Check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}},
		health.Checker{Name: "postgres", Check: a.pool.Ping},
		health.Checker{Name: "cache", Check: a.store.Ping},
	)

	a.gateway = gateway.New(gateway.Config{
		Verifier:   a.verifier,
		Dispatcher: a.dispatcher,
		Evictor:    reloadableEvictor{&a.evictor},
		Events:     gateway.NotifySource(notify.NewSubscriber(a.rdb)),
		Blocks:     a.blocks,
		Cache:      a.store,
		Registry:   a.registry,
		Limiter:    reloadableLimiter{&a.limiter},
		Catalog:    a.Catalog,
		Health:     checks,
		Logger:     a.logger,
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server, the result consumer, the visibility scanner,
// and the cache vacuum loop, then blocks until ctx is cancelled or one of
// them fails. On cancellation it returns ctx's error, typically
// context.Canceled.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.listenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.listenAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Tie request contexts to Run's lifetime so WebSocket sessions,
		// which hijack their connections out of the server's drain, still
		// wind down on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error { return a.consumer.Run(ctx) })
	g.Go(func() error { return a.scanner.Run(ctx) })
	g.Go(func() error { return a.vacuumLoop(ctx) })
	g.Go(func() error { return a.serve(ctx, srv, ln) })

	a.logger.Info("lectern running",
		"addr", ln.Addr().String(),
		"tls", a.tlsConf != nil,
		"models", len(a.Catalog().ModelSlugs()))

	return g.Wait()
}

// serve runs the HTTP server until ctx is done, then drains it.
func (a *App) serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if a.tlsConf != nil {
			errCh <- srv.ServeTLS(ln, a.tlsConf.CertFile, a.tlsConf.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		a.logger.Warn("http drain incomplete", "err", err)
		srv.Close()
	}
	return ctx.Err()
}

// vacuumLoop periodically compacts the cache file when evictions leave too
// many free pages behind.
func (a *App) vacuumLoop(ctx context.Context) error {
	if a.vacuumEvery <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(a.vacuumEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := a.store.VacuumIfNeeded(ctx, a.bloatThreshold); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("cache vacuum failed", "err", err)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes connections in order. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned. Call after Run has returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// scannerID names this instance in the scanner leader election.
func scannerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "lectern"
	}
	return host + "-" + uuid.NewString()[:8]
}

// reloadableEvictor forwards to the evictor built from the newest config.
type reloadableEvictor struct {
	p *atomic.Pointer[dispatch.Evictor]
}

func (r reloadableEvictor) CursorMoved(ctx context.Context, userID, documentID, modelSlug string, cursor int) ([]int, error) {
	return r.p.Load().CursorMoved(ctx, userID, documentID, modelSlug, cursor)
}

// reloadableLimiter forwards to the limiter built from the newest config.
type reloadableLimiter struct {
	p *atomic.Pointer[gateway.RateLimiter]
}

func (r reloadableLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	return r.p.Load().Allow(ctx, userID)
}
