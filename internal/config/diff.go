package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; connection
// settings (redis, postgres, listen addr) require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CatalogChanged is true if any model or plan was added, removed, or
	// modified. The app responds by swapping in a fresh [Catalog].
	CatalogChanged bool
	ModelChanges   []ModelDiff

	WindowChanged    bool
	RateLimitChanged bool
}

// ModelDiff describes what changed for a single model between two configs.
type ModelDiff struct {
	Slug    string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldModels := make(map[string]ModelConfig, len(old.Models))
	for _, m := range old.Models {
		oldModels[m.Slug] = m
	}
	newModels := make(map[string]ModelConfig, len(new.Models))
	for _, m := range new.Models {
		newModels[m.Slug] = m
	}

	for slug, om := range oldModels {
		nm, exists := newModels[slug]
		if !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{Slug: slug, Removed: true})
			d.CatalogChanged = true
			continue
		}
		if !modelEqual(om, nm) {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{Slug: slug, Changed: true})
			d.CatalogChanged = true
		}
	}
	for slug := range newModels {
		if _, exists := oldModels[slug]; !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{Slug: slug, Added: true})
			d.CatalogChanged = true
		}
	}

	if !plansEqual(old.Plans, new.Plans) {
		d.CatalogChanged = true
	}

	if old.Window != new.Window {
		d.WindowChanged = true
	}
	if old.RateLimit != new.RateLimit {
		d.RateLimitChanged = true
	}

	return d
}

func modelEqual(a, b ModelConfig) bool {
	return a.Slug == b.Slug &&
		a.UsageMultiplier == b.UsageMultiplier &&
		a.Codec == b.Codec &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.SampleWidth == b.SampleWidth &&
		slices.Equal(a.Voices, b.Voices)
}

func plansEqual(a, b []PlanConfig) bool {
	if len(a) != len(b) {
		return false
	}
	bySlug := make(map[string]PlanConfig, len(a))
	for _, p := range a {
		bySlug[p.Slug] = p
	}
	for _, p := range b {
		prev, ok := bySlug[p.Slug]
		if !ok || prev != p {
			return false
		}
	}
	return true
}
