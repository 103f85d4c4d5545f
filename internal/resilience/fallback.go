package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker created for each entry in a
// [FallbackGroup]. The zero value uses the breaker defaults.
type FallbackConfig struct {
	Breaker BreakerConfig
}

// guarded pairs one backend with the breaker watching it.
type guarded[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup chains a primary and zero or more fallback backends of the
// same type. Entries are tried in registration order; entries with an open
// breaker are skipped.
//
// A group is safe for concurrent use once assembled. AddFallback must not
// run concurrently with Execute.
type FallbackGroup[T any] struct {
	chain []guarded[T]
	cfg   FallbackConfig
}

// NewFallbackGroup builds a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.chain = append(g.chain, g.guard(name, primary))
	return g
}

// AddFallback appends a backend tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	g.chain = append(g.chain, g.guard(name, value))
}

func (g *FallbackGroup[T]) guard(name string, value T) guarded[T] {
	bc := g.cfg.Breaker
	bc.Name = name
	return guarded[T]{name: name, value: value, breaker: NewBreaker(bc)}
}

// Execute runs fn against each entry in order until one succeeds. When none
// does it returns [ErrAllFailed] wrapping the last failure.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry in order until one succeeds,
// returning its result. A package function because methods cannot introduce
// type parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range g.chain {
		entry := &g.chain[i]
		var out R
		err := entry.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("backend skipped, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
