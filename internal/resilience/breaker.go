// Package resilience keeps failing synthesis backends from dragging a worker
// down with them. [Breaker] is a three-state circuit breaker
// (closed → open → half-open); [FallbackGroup] chains several backends behind
// per-entry breakers so a tripped primary is bypassed in favour of the next
// healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker is open
// and its cooldown has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to test whether
	// the backend recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the default noted on
// each.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// TripAfter is the run of consecutive failures that opens the breaker.
	// Default 5.
	TripAfter int

	// Cooldown is how long an open breaker rejects calls before probing the
	// backend again. Default 30s.
	Cooldown time.Duration

	// ProbeQuota is the number of half-open probe calls; all of them must
	// succeed for the breaker to close again. Default 2.
	ProbeQuota int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name       string
	tripAfter  int
	cooldown   time.Duration
	probeQuota int
	now        func() time.Time

	mu        sync.Mutex
	state     State
	strikes   int       // consecutive failures while closed
	trippedAt time.Time // when the breaker last opened
	probes    int       // probe calls admitted this half-open round
	probeWins int       // probe calls that succeeded
}

// NewBreaker builds a [Breaker] from cfg, filling zero fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 2
	}
	return &Breaker{
		name:       cfg.Name,
		tripAfter:  cfg.TripAfter,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
		now:        time.Now,
	}
}

// Execute runs fn unless the breaker rejects the call. Open breakers return
// [ErrBreakerOpen] without invoking fn; half-open breakers admit at most
// ProbeQuota calls per round.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := fn()
	b.observe(err)
	return err
}

// allow decides whether a call may proceed, charging the probe quota when the
// breaker is half-open.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return false
		}
		// Cooldown over; this call becomes the round's first probe.
		b.state = StateHalfOpen
		b.probes = 1
		b.probeWins = 0
		slog.Info("breaker half-open", "name", b.name)
		return true

	case StateHalfOpen:
		if b.probes >= b.probeQuota {
			return false
		}
		b.probes++
		return true
	}
	return true
}

// observe folds one call outcome into the state machine.
func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == StateHalfOpen {
			b.probeWins++
			if b.probeWins >= b.probeQuota {
				b.state = StateClosed
				b.strikes = 0
				slog.Info("breaker closed", "name", b.name)
			}
			return
		}
		b.strikes = 0
		return
	}

	switch b.state {
	case StateHalfOpen:
		// A failed probe ends the round; wait out another cooldown.
		b.state = StateOpen
		b.trippedAt = b.now()
		slog.Warn("breaker reopened after failed probe", "name", b.name)

	case StateClosed:
		b.strikes++
		if b.strikes >= b.tripAfter {
			b.state = StateOpen
			b.trippedAt = b.now()
			slog.Warn("breaker opened", "name", b.name, "strikes", b.strikes)
		}
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.trippedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.strikes = 0
	b.probes = 0
	b.probeWins = 0
}
