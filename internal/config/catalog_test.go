package config_test

import (
	"testing"

	"github.com/lecternhq/lectern/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{
		{
			Slug:            "kokoro",
			UsageMultiplier: 0,
			Codec:           config.CodecWAV,
			SampleRate:      24000,
			Channels:        1,
			SampleWidth:     2,
			Voices:          []string{"af_bella", "af_nicole"},
		},
		{
			Slug:            "openai-tts",
			UsageMultiplier: 1.5,
			Codec:           config.CodecMP3,
			SampleRate:      44100,
			Channels:        1,
			SampleWidth:     2,
			Voices:          []string{"alloy", "nova"},
		},
	}
	cfg.Plans = []config.PlanConfig{
		{Slug: "pro", PeriodLimit: 1_000_000, RolloverCap: 10_000_000},
		{Slug: "starter", PeriodLimit: 100_000},
	}
	return cfg
}

func TestCatalog_ModelLookup(t *testing.T) {
	t.Parallel()
	cat := config.NewCatalog(testConfig())

	m, ok := cat.Model("openai-tts")
	if !ok {
		t.Fatal("expected openai-tts to be found")
	}
	if m.UsageMultiplier != 1.5 {
		t.Errorf("usage_multiplier: got %v, want 1.5", m.UsageMultiplier)
	}
	if m.Codec != config.CodecMP3 {
		t.Errorf("codec: got %q, want mp3", m.Codec)
	}

	if _, ok := cat.Model("missing"); ok {
		t.Error("unknown slug should not resolve")
	}
}

func TestCatalog_VoiceMembership(t *testing.T) {
	t.Parallel()
	cat := config.NewCatalog(testConfig())

	if !cat.HasVoice("kokoro", "af_bella") {
		t.Error("af_bella should belong to kokoro")
	}
	if cat.HasVoice("kokoro", "alloy") {
		t.Error("alloy belongs to openai-tts, not kokoro")
	}
	if cat.HasVoice("missing", "af_bella") {
		t.Error("unknown model should have no voices")
	}
}

func TestCatalog_PlanFallsBackToFree(t *testing.T) {
	t.Parallel()
	cat := config.NewCatalog(testConfig())

	p := cat.Plan("pro")
	if p.PeriodLimit != 1_000_000 {
		t.Errorf("pro period_limit: got %d, want 1000000", p.PeriodLimit)
	}

	free := cat.Plan("deleted-plan")
	if free.Slug != "free" {
		t.Errorf("fallback slug: got %q, want free", free.Slug)
	}
	if free.PeriodLimit != 0 {
		t.Errorf("fallback period_limit: got %d, want 0", free.PeriodLimit)
	}
}

func TestCatalog_RolloverCapDefaultApplied(t *testing.T) {
	t.Parallel()
	cat := config.NewCatalog(testConfig())

	p := cat.Plan("starter")
	if p.RolloverCap != config.DefaultRolloverCap {
		t.Errorf("starter rollover_cap: got %d, want default %d", p.RolloverCap, config.DefaultRolloverCap)
	}
}
