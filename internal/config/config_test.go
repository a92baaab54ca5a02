package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsLoadWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults: %v", err)
	}

	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("default similarity threshold = %v, want 0.85", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Search.MaxConcurrent != 4 {
		t.Errorf("default max_concurrent = %d, want 4", cfg.Search.MaxConcurrent)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("default cache TTL = %v, want 24h", cfg.Cache.TTL)
	}

	std, ok := cfg.Modes["standard"]
	if !ok {
		t.Fatal("standard mode missing from defaults")
	}
	if std.MaxSources != 5 || std.MaxWords != 2000 || std.MaxIterations != 3 {
		t.Errorf("standard mode defaults wrong: %+v", std)
	}

	deep, ok := cfg.Modes["deep"]
	if !ok {
		t.Fatal("deep mode missing from defaults")
	}
	if !deep.PremiumOnly {
		t.Error("deep mode should be premium-only by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	yaml := `
cache:
  backend: sqlite
  similarity_threshold: 0.9
  ttl: 1h
search:
  max_concurrent: 8
gap:
  min_corroboration:
    standard: 2
    deep: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("cache backend = %q, want sqlite", cfg.Cache.Backend)
	}
	if cfg.Cache.SimilarityThreshold != 0.9 {
		t.Errorf("similarity threshold = %v, want 0.9", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("ttl = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Search.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d, want 8", cfg.Search.MaxConcurrent)
	}
	if got := cfg.Gap.MinCorroboration["deep"]; got != 4 {
		t.Errorf("deep corroboration = %d, want 4", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Search.ProviderTimeout != 10*time.Second {
		t.Errorf("provider_timeout = %v, want default 10s", cfg.Search.ProviderTimeout)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := Default()
	cfg.Cache.SimilarityThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for threshold > 1")
	}
}

func TestValidateRejectsZeroIterations(t *testing.T) {
	cfg := Default()
	m := cfg.Modes["quick"]
	m.MaxIterations = 0
	cfg.Modes["quick"] = m
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max_iterations")
	}
}
