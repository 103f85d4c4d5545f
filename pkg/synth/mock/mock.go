// Package mock provides a test double for the synth.Synthesizer interface.
//
// Use Synthesizer in unit tests to verify that workers send correct requests
// and to feed controlled audio without a live backend. All fields are safe
// to set before calling any method; mutating them during a concurrent call
// is the caller's responsibility.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    Audio: synth.Audio{Data: []byte("RIFF..."), DurationMs: 1200},
//	}
//	audio, err := s.Synthesize(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lecternhq/lectern/pkg/synth"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req synth.Request
}

// Synthesizer is a mock implementation of synth.Synthesizer.
// Zero values cause Synthesize to return an empty Audio and nil error.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by Synthesize.
	Audio synth.Audio

	// Err, if non-nil, is returned instead of Audio.
	Err error

	// Delay, if set, makes Synthesize sleep before returning, honoring ctx
	// cancellation. Useful for concurrency and timeout tests.
	Delay time.Duration

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation in order.
	SynthesizeCalls []SynthesizeCall
}

var _ synth.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call, waits Delay if set, and returns Audio, Err.
func (s *Synthesizer) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	audio, err, delay := s.Audio, s.Err, s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return synth.Audio{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return synth.Audio{}, err
	}
	return audio, nil
}

// CallCount returns how many times Synthesize was invoked.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}
