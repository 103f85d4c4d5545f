package config

// Catalog is an immutable lookup view over the configured models and plans.
// The app swaps in a fresh Catalog on config reload, so holders must not
// mutate one.
type Catalog struct {
	models map[string]ModelConfig
	voices map[string]map[string]bool
	plans  map[string]PlanConfig
}

// NewCatalog builds a Catalog from a validated config.
func NewCatalog(cfg *Config) *Catalog {
	c := &Catalog{
		models: make(map[string]ModelConfig, len(cfg.Models)),
		voices: make(map[string]map[string]bool, len(cfg.Models)),
		plans:  make(map[string]PlanConfig, len(cfg.Plans)),
	}
	for _, m := range cfg.Models {
		c.models[m.Slug] = m
		vs := make(map[string]bool, len(m.Voices))
		for _, v := range m.Voices {
			vs[v] = true
		}
		c.voices[m.Slug] = vs
	}
	for _, p := range cfg.Plans {
		if p.RolloverCap == 0 {
			p.RolloverCap = DefaultRolloverCap
		}
		c.plans[p.Slug] = p
	}
	return c
}

// Model returns the model configuration for slug.
func (c *Catalog) Model(slug string) (ModelConfig, bool) {
	m, ok := c.models[slug]
	return m, ok
}

// HasVoice reports whether the model identified by modelSlug accepts voice.
func (c *Catalog) HasVoice(modelSlug, voice string) bool {
	return c.voices[modelSlug][voice]
}

// ModelSlugs returns all configured model slugs in unspecified order.
func (c *Catalog) ModelSlugs() []string {
	slugs := make([]string, 0, len(c.models))
	for s := range c.models {
		slugs = append(slugs, s)
	}
	return slugs
}

// Plan returns the plan configuration for slug. Unknown slugs fall back to
// the free sentinel: zero included characters, default rollover cap. Users
// whose plan was deleted degrade to free rather than erroring.
func (c *Catalog) Plan(slug string) PlanConfig {
	if p, ok := c.plans[slug]; ok {
		return p
	}
	return PlanConfig{Slug: "free", PeriodLimit: 0, RolloverCap: DefaultRolloverCap}
}

// DefaultRolloverCap bounds accumulated unused characters when a plan does
// not set its own cap.
const DefaultRolloverCap = 10_000_000
