package usage

import (
	"math"
	"time"

	"github.com/lecternhq/lectern/internal/config"
)

// Cost converts a text length in runes to billed characters under a model's
// multiplier. Browser-capable models carry multiplier 0.0 and cost nothing.
func Cost(textLength int, multiplier float64) int64 {
	return int64(math.Round(float64(textLength) * multiplier))
}

// Breakdown records which pools one consumption drew from. The pool fields
// always sum to Amount.
type Breakdown struct {
	Amount           int64
	FromSubscription int64
	FromRollover     int64
	FromPurchased    int64
	OverflowToDebt   int64
}

// ledgerState mirrors a usage_ledgers row during waterfall math.
type ledgerState struct {
	PlanSlug    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Used        int64
	Rollover    int64
	Purchased   int64
}

// applyWaterfall debits amount from the state in pool order — subscription
// allowance, then banked rollover, then purchased characters — and lets any
// remainder sink into debt (negative rollover). The state is mutated; the
// returned breakdown says what happened.
func applyWaterfall(st *ledgerState, limit, amount int64) Breakdown {
	b := Breakdown{Amount: amount}
	remaining := amount

	if headroom := limit - st.Used; headroom > 0 {
		take := min(remaining, headroom)
		st.Used += take
		b.FromSubscription = take
		remaining -= take
	}
	if remaining > 0 && st.Rollover > 0 {
		take := min(remaining, st.Rollover)
		st.Rollover -= take
		b.FromRollover = take
		remaining -= take
	}
	if remaining > 0 && st.Purchased > 0 {
		take := min(remaining, st.Purchased)
		st.Purchased -= take
		b.FromPurchased = take
		remaining -= take
	}
	if remaining > 0 {
		st.Rollover -= remaining
		b.OverflowToDebt = remaining
	}
	return b
}

// foldPeriods advances the ledger across every billing period that has
// elapsed, banking unused subscription characters into rollover up to the
// plan's cap. Existing debt absorbs banked characters before anything
// accumulates. Reports whether the state changed.
func foldPeriods(st *ledgerState, plan config.PlanConfig, now time.Time) bool {
	folded := false
	for !now.Before(st.PeriodEnd) {
		if unused := plan.PeriodLimit - st.Used; unused > 0 {
			st.Rollover += unused
			if st.Rollover > plan.RolloverCap {
				st.Rollover = plan.RolloverCap
			}
		}
		st.Used = 0
		st.PeriodStart = st.PeriodEnd
		st.PeriodEnd = st.PeriodEnd.AddDate(0, 1, 0)
		folded = true
	}
	return folded
}
