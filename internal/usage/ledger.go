// Package usage implements the character-quota waterfall. Every billed
// consumption drains the user's pools in a fixed order — current
// subscription allowance, then banked rollover, then purchased top-up
// characters — and anything beyond that accumulates as debt, carried as a
// negative rollover balance. Each consumption leaves an audit row saying
// exactly which pools it drew from.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/observe"
)

// ErrUsageLimitExceeded is returned by CheckLimit when the user cannot
// afford the requested characters.
var ErrUsageLimitExceeded = errors.New("usage: limit exceeded")

const ddlUsage = `
CREATE TABLE IF NOT EXISTS usage_ledgers (
    user_id       TEXT         PRIMARY KEY,
    plan_slug     TEXT         NOT NULL DEFAULT 'free',
    period_start  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    period_end    TIMESTAMPTZ  NOT NULL DEFAULT now() + interval '1 month',
    used          BIGINT       NOT NULL DEFAULT 0,
    rollover      BIGINT       NOT NULL DEFAULT 0,
    purchased     BIGINT       NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_audits (
    id                BIGSERIAL    PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    ref               TEXT         NOT NULL DEFAULT '',
    amount            BIGINT       NOT NULL,
    from_subscription BIGINT       NOT NULL,
    from_rollover     BIGINT       NOT NULL,
    from_purchased    BIGINT       NOT NULL,
    overflow_to_debt  BIGINT       NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_audits_user
    ON usage_audits (user_id, created_at);
`

// Migrate creates the usage schema when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUsage); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// ReservationSummer reports a user's outstanding pre-flight holds.
type ReservationSummer interface {
	Sum(ctx context.Context, userID string) (int64, error)
}

// Config wires a Ledger's collaborators.
type Config struct {
	Pool *pgxpool.Pool

	// Reservations contributes outstanding holds to CheckLimit.
	Reservations ReservationSummer

	// Catalog resolves plan slugs to their limits; a function so config
	// reloads apply immediately.
	Catalog func() *config.Catalog

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

// Ledger is the PostgreSQL-backed quota store. Safe for concurrent use;
// concurrent Consume calls for one user serialize on the row lock.
type Ledger struct {
	pool         *pgxpool.Pool
	reservations ReservationSummer
	catalog      func() *config.Catalog
	metrics      *observe.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(cfg Config) *Ledger {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		pool:         cfg.Pool,
		reservations: cfg.Reservations,
		catalog:      cfg.Catalog,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Consume debits amount characters from the user's waterfall inside a row
// lock, folding any elapsed billing periods first, and records an audit row
// tagged with ref (typically the fingerprint). Consume never rejects: debt
// absorbs whatever the pools cannot cover, because the synthesis already
// happened. Zero and negative amounts return an empty breakdown without
// touching the database.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64, ref string) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("usage: begin consume: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := lockRow(ctx, tx, userID)
	if err != nil {
		return Breakdown{}, err
	}
	plan := l.catalog().Plan(st.PlanSlug)
	foldPeriods(st, plan, l.now())
	b := applyWaterfall(st, plan.PeriodLimit, amount)

	if _, err := tx.Exec(ctx, `
UPDATE usage_ledgers
SET used = $2, rollover = $3, purchased = $4,
    period_start = $5, period_end = $6, updated_at = now()
WHERE user_id = $1`,
		userID, st.Used, st.Rollover, st.Purchased, st.PeriodStart, st.PeriodEnd); err != nil {
		return Breakdown{}, fmt.Errorf("usage: update ledger %s: %w", userID, err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO usage_audits (user_id, ref, amount, from_subscription, from_rollover, from_purchased, overflow_to_debt)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, ref, b.Amount, b.FromSubscription, b.FromRollover, b.FromPurchased, b.OverflowToDebt); err != nil {
		return Breakdown{}, fmt.Errorf("usage: write audit %s: %w", userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Breakdown{}, fmt.Errorf("usage: commit consume %s: %w", userID, err)
	}

	l.metrics.RecordUsage(ctx, b.FromSubscription, b.FromRollover, b.FromPurchased, b.OverflowToDebt)
	if b.OverflowToDebt > 0 {
		l.logger.Warn("usage overflowed to debt",
			"user", userID, "debt", b.OverflowToDebt, "ref", ref)
	}
	return b, nil
}

// CheckLimit reports whether the user can afford amount more characters.
// It reads without locking; elapsed periods are folded in memory since only
// the answer matters. Available capacity is the unused subscription
// allowance plus rollover plus purchased characters, minus outstanding
// reservations — a negative rollover (debt) reduces it.
func (l *Ledger) CheckLimit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	st, err := l.readRow(ctx, userID)
	if err != nil {
		return err
	}
	plan := l.catalog().Plan(st.PlanSlug)
	foldPeriods(st, plan, l.now())

	reserved, err := l.reservations.Sum(ctx, userID)
	if err != nil {
		return fmt.Errorf("usage: sum reservations %s: %w", userID, err)
	}

	available := (plan.PeriodLimit - st.Used) + st.Rollover + st.Purchased - reserved
	if available < amount {
		return fmt.Errorf("%w: need %d characters, %d available", ErrUsageLimitExceeded, amount, available)
	}
	return nil
}

// SetPlan assigns the user's plan, creating the ledger row if needed. The
// current period is left running; new limits apply from the next fold.
func (l *Ledger) SetPlan(ctx context.Context, userID, planSlug string) error {
	if _, err := l.pool.Exec(ctx, `
INSERT INTO usage_ledgers (user_id, plan_slug) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET plan_slug = EXCLUDED.plan_slug, updated_at = now()`,
		userID, planSlug); err != nil {
		return fmt.Errorf("usage: set plan %s: %w", userID, err)
	}
	return nil
}

// AddPurchased credits top-up characters bought out of band.
func (l *Ledger) AddPurchased(ctx context.Context, userID string, amount int64) error {
	if _, err := l.pool.Exec(ctx, `
INSERT INTO usage_ledgers (user_id, purchased) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET purchased = usage_ledgers.purchased + EXCLUDED.purchased, updated_at = now()`,
		userID, amount); err != nil {
		return fmt.Errorf("usage: add purchased %s: %w", userID, err)
	}
	return nil
}

// Snapshot is a user's current quota position after an in-memory fold.
type Snapshot struct {
	PlanSlug    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Used        int64
	Rollover    int64
	Purchased   int64
	Reserved    int64
}

// Snapshot returns the user's pools for support tooling and tests.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	st, err := l.readRow(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	plan := l.catalog().Plan(st.PlanSlug)
	foldPeriods(st, plan, l.now())
	reserved, err := l.reservations.Sum(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: sum reservations %s: %w", userID, err)
	}
	return Snapshot{
		PlanSlug:    st.PlanSlug,
		PeriodStart: st.PeriodStart,
		PeriodEnd:   st.PeriodEnd,
		Used:        st.Used,
		Rollover:    st.Rollover,
		Purchased:   st.Purchased,
		Reserved:    reserved,
	}, nil
}

// readRow loads the ledger without locking. Users with no row yet read as a
// fresh free-plan ledger.
func (l *Ledger) readRow(ctx context.Context, userID string) (*ledgerState, error) {
	row := l.pool.QueryRow(ctx, `
SELECT plan_slug, period_start, period_end, used, rollover, purchased
FROM usage_ledgers WHERE user_id = $1`, userID)
	st := &ledgerState{}
	err := row.Scan(&st.PlanSlug, &st.PeriodStart, &st.PeriodEnd, &st.Used, &st.Rollover, &st.Purchased)
	if errors.Is(err, pgx.ErrNoRows) {
		now := l.now()
		return &ledgerState{
			PlanSlug:    "free",
			PeriodStart: now,
			PeriodEnd:   now.AddDate(0, 1, 0),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("usage: read ledger %s: %w", userID, err)
	}
	return st, nil
}

// lockRow selects the ledger row FOR UPDATE, inserting the default free row
// first when the user has none.
func lockRow(ctx context.Context, tx pgx.Tx, userID string) (*ledgerState, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO usage_ledgers (user_id) VALUES ($1)
ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("usage: ensure ledger %s: %w", userID, err)
	}
	row := tx.QueryRow(ctx, `
SELECT plan_slug, period_start, period_end, used, rollover, purchased
FROM usage_ledgers WHERE user_id = $1 FOR UPDATE`, userID)
	st := &ledgerState{}
	if err := row.Scan(&st.PlanSlug, &st.PeriodStart, &st.PeriodEnd, &st.Used, &st.Rollover, &st.Purchased); err != nil {
		return nil, fmt.Errorf("usage: lock ledger %s: %w", userID, err)
	}
	return st, nil
}
