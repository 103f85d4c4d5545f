package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	for token, user := range cfg.Server.AuthTokens {
		if token == "" {
			errs = append(errs, errors.New("server.auth_tokens contains an empty token"))
		}
		if user == "" {
			errs = append(errs, fmt.Errorf("server.auth_tokens[%q...] maps to an empty user id", truncateToken(token)))
		}
	}

	// Redis
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	// Cache
	if cfg.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	if cfg.Cache.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes %d must be positive", cfg.Cache.MaxBytes))
	}
	if cfg.Cache.BloatThreshold <= 0 || cfg.Cache.BloatThreshold >= 1 {
		errs = append(errs, fmt.Errorf("cache.bloat_threshold %.2f is out of range (0, 1)", cfg.Cache.BloatThreshold))
	}

	// Queue
	if cfg.Queue.VisibilityTimeoutSecs <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout_secs must be positive"))
	}
	if cfg.Queue.ScanIntervalSecs <= 0 {
		errs = append(errs, errors.New("queue.scan_interval_secs must be positive"))
	}
	if cfg.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retries %d must be at least 1", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.InflightLockSecs <= cfg.Queue.VisibilityTimeoutSecs {
		errs = append(errs, fmt.Errorf(
			"queue.inflight_lock_secs %d must exceed visibility_timeout_secs %d; the dedup lock has to outlive a full reclaim cycle",
			cfg.Queue.InflightLockSecs, cfg.Queue.VisibilityTimeoutSecs))
	}
	if cfg.Queue.PullTimeoutSecs <= 0 {
		errs = append(errs, errors.New("queue.pull_timeout_secs must be positive"))
	}

	// Window
	if cfg.Window.BufferBehind < 0 {
		errs = append(errs, fmt.Errorf("window.buffer_behind %d must not be negative", cfg.Window.BufferBehind))
	}
	if cfg.Window.BufferAhead < 0 {
		errs = append(errs, fmt.Errorf("window.buffer_ahead %d must not be negative", cfg.Window.BufferAhead))
	}

	// Rate limit
	if cfg.RateLimit.PerMinute <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.per_minute %d must be positive", cfg.RateLimit.PerMinute))
	}

	// Models
	if len(cfg.Models) == 0 {
		errs = append(errs, errors.New("at least one model must be configured"))
	}
	modelSlugsSeen := make(map[string]int, len(cfg.Models))
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Slug == "" {
			errs = append(errs, fmt.Errorf("%s.slug is required", prefix))
		} else if prev, ok := modelSlugsSeen[m.Slug]; ok {
			errs = append(errs, fmt.Errorf("%s.slug %q is a duplicate of models[%d]", prefix, m.Slug, prev))
		} else {
			modelSlugsSeen[m.Slug] = i
		}
		if m.UsageMultiplier < 0 {
			errs = append(errs, fmt.Errorf("%s.usage_multiplier %.2f must not be negative", prefix, m.UsageMultiplier))
		}
		if !m.Codec.IsValid() {
			errs = append(errs, fmt.Errorf("%s.codec %q is invalid; valid values: wav, mp3, opus, flac, aac, pcm", prefix, m.Codec))
		}
		if m.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, m.SampleRate))
		}
		if m.Channels < 1 || m.Channels > 2 {
			errs = append(errs, fmt.Errorf("%s.channels %d must be 1 or 2", prefix, m.Channels))
		}
		if m.SampleWidth < 1 || m.SampleWidth > 4 {
			errs = append(errs, fmt.Errorf("%s.sample_width %d must be between 1 and 4 bytes", prefix, m.SampleWidth))
		}
		if len(m.Voices) == 0 {
			errs = append(errs, fmt.Errorf("%s.voices must list at least one voice", prefix))
		}
		voicesSeen := make(map[string]bool, len(m.Voices))
		for _, v := range m.Voices {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s.voices contains an empty slug", prefix))
				continue
			}
			if voicesSeen[v] {
				errs = append(errs, fmt.Errorf("%s.voices lists %q twice", prefix, v))
			}
			voicesSeen[v] = true
		}
	}

	// Plans
	planSlugsSeen := make(map[string]int, len(cfg.Plans))
	for i, p := range cfg.Plans {
		prefix := fmt.Sprintf("plans[%d]", i)
		if p.Slug == "" {
			errs = append(errs, fmt.Errorf("%s.slug is required", prefix))
		} else if prev, ok := planSlugsSeen[p.Slug]; ok {
			errs = append(errs, fmt.Errorf("%s.slug %q is a duplicate of plans[%d]", prefix, p.Slug, prev))
		} else {
			planSlugsSeen[p.Slug] = i
		}
		if p.PeriodLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.period_limit %d must not be negative", prefix, p.PeriodLimit))
		}
		if p.RolloverCap < 0 {
			errs = append(errs, fmt.Errorf("%s.rollover_cap %d must not be negative", prefix, p.RolloverCap))
		}
	}

	// Worker (only cross-checked when a backend is configured; the server
	// binary runs with the worker section empty)
	if cfg.Worker.Backend.Name != "" {
		if cfg.Worker.ID == "" {
			errs = append(errs, errors.New("worker.id is required when a backend is configured"))
		}
		if cfg.Worker.Model == "" {
			errs = append(errs, errors.New("worker.model is required when a backend is configured"))
		} else if _, ok := modelSlugsSeen[cfg.Worker.Model]; !ok && len(cfg.Models) > 0 {
			errs = append(errs, fmt.Errorf("worker.model %q does not match any configured model", cfg.Worker.Model))
		}
		if cfg.Worker.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("worker.concurrency %d must be at least 1", cfg.Worker.Concurrency))
		}
		for i, fb := range cfg.Worker.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("worker.fallbacks[%d].name is required", i))
			}
		}
	}

	return errors.Join(errs...)
}

// truncateToken shortens a token for error messages so full credentials never
// land in logs.
func truncateToken(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[:4]
}
