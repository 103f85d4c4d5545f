// Package worker implements the lectern-worker pull loop: jobs come off one
// model queue, audio comes out of a synthesis backend chain, and results go
// onto the shared results list for the server's consumer. Workers are
// stateless; everything they need rides in the job itself.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/pkg/synth"
	"github.com/lecternhq/lectern/pkg/synth/httpapi"
	"github.com/lecternhq/lectern/pkg/synth/mock"
	"github.com/lecternhq/lectern/pkg/synth/openaitts"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("worker: backend not registered")

// Factory constructs a synthesizer from its configuration entry.
type Factory func(config.BackendEntry) (synth.Synthesizer, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a [Registry] with the built-in backends registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register registers a backend factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a synthesizer using the factory registered under
// entry.Name. Returns [ErrBackendNotRegistered] if there is none.
func (r *Registry) Create(entry config.BackendEntry) (synth.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// registerBuiltins wires the backends that ship with lectern-worker.
func registerBuiltins(r *Registry) {
	// httpapi speaks the self-hosted synthesis shim protocol (Kokoro, Piper,
	// and anything else deployed behind the same HTTP surface).
	r.Register("httpapi", func(entry config.BackendEntry) (synth.Synthesizer, error) {
		var opts []httpapi.Option
		if entry.APIKey != "" {
			opts = append(opts, httpapi.WithAPIKey(entry.APIKey))
		}
		if entry.Model != "" {
			opts = append(opts, httpapi.WithModel(entry.Model))
		}
		if path := optString(entry.Options, "path"); path != "" {
			opts = append(opts, httpapi.WithPath(path))
		}
		if secs := optInt(entry.Options, "timeout_secs"); secs > 0 {
			opts = append(opts, httpapi.WithTimeout(time.Duration(secs)*time.Second))
		}
		return httpapi.New(entry.BaseURL, opts...)
	})

	r.Register("openai", func(entry config.BackendEntry) (synth.Synthesizer, error) {
		var opts []openaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		if secs := optInt(entry.Options, "timeout_secs"); secs > 0 {
			opts = append(opts, openaitts.WithTimeout(time.Duration(secs)*time.Second))
		}
		return openaitts.New(entry.APIKey, entry.Model, opts...)
	})

	// mock returns empty audio instantly. Queue smoke tests and load drills.
	r.Register("mock", func(config.BackendEntry) (synth.Synthesizer, error) {
		return &mock.Synthesizer{}, nil
	})
}

// NewBackendGroup builds a worker's synthesis chain from its config: the
// primary backend first, then the fallbacks in declaration order, each behind
// its own circuit breaker.
func NewBackendGroup(cfg config.WorkerConfig, reg *Registry) (*resilience.FallbackGroup[synth.Synthesizer], error) {
	primary, err := reg.Create(cfg.Backend)
	if err != nil {
		return nil, err
	}
	group := resilience.NewFallbackGroup(primary, cfg.Backend.Name, resilience.FallbackConfig{})
	for _, fb := range cfg.Fallbacks {
		s, err := reg.Create(fb)
		if err != nil {
			return nil, err
		}
		group.AddFallback(fb.Name, s)
	}
	return group, nil
}

// optString reads a string value from a backend options map. Missing keys
// and non-string values read as "".
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt reads an integer value from a backend options map. YAML decodes
// whole numbers as int, but a float-typed value is accepted too.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
