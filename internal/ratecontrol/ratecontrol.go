// Package ratecontrol loads per-provider search rate limits from an
// operator-managed YAML file, separate from the main configuration so
// quota changes ship without a redeploy. Limits resolve in order:
// provider override, tier override, built-in default.
package ratecontrol

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	SearchLimits struct {
		DefaultRPM    int `yaml:"default_rpm"`
		DefaultBurst  int `yaml:"default_burst"`
		TierOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"tier_overrides"`
		ProviderOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"provider_overrides"`
	} `yaml:"search_limits"`
}

// Limit is a requests-per-minute budget with an allowed burst.
type Limit struct {
	RPM   int
	Burst int
}

var (
	mu          sync.RWMutex
	loaded      *fileConfig
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("PROVIDERS_CONFIG_PATH"),
	"/app/config/providers.yaml",
	"./config/providers.yaml",
	"../../config/providers.yaml",
	"../../../config/providers.yaml",
}

func loadLocked() {
	var cfg fileConfig
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp fileConfig
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal provider limits from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded provider rate limits from %s", p)
		break
	}
	if cfg.SearchLimits.DefaultRPM == 0 && len(cfg.SearchLimits.TierOverrides) == 0 && len(cfg.SearchLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp fileConfig
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded provider rate limits from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "providers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *fileConfig {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForTier returns the search budget configured for a subscription
// tier, or the file default when the tier has no override.
func LimitForTier(tier string) Limit {
	cfg := get()
	if cfg == nil {
		return Limit{}
	}
	if cfg.SearchLimits.TierOverrides != nil {
		if o, ok := cfg.SearchLimits.TierOverrides[strings.ToLower(strings.TrimSpace(tier))]; ok {
			return Limit{RPM: o.RPM, Burst: o.Burst}
		}
	}
	return Limit{RPM: cfg.SearchLimits.DefaultRPM, Burst: cfg.SearchLimits.DefaultBurst}
}

// LimitForProvider returns the budget for one search provider: file
// override first, then the built-in default for known engines.
func LimitForProvider(provider string) Limit {
	name := strings.ToLower(strings.TrimSpace(provider))
	cfg := get()
	if cfg != nil && cfg.SearchLimits.ProviderOverrides != nil {
		if o, ok := cfg.SearchLimits.ProviderOverrides[name]; ok {
			return Limit{RPM: o.RPM, Burst: o.Burst}
		}
	}
	if limit, ok := builtInProviderLimits[name]; ok {
		return limit
	}
	return Limit{}
}

// Free-plan quotas of the stock search engines.
var builtInProviderLimits = map[string]Limit{
	"serpapi":    {RPM: 60, Burst: 10},
	"google_cse": {RPM: 60, Burst: 10},
	"brave":      {RPM: 30, Burst: 6},
	"exa":        {RPM: 20, Burst: 4},
	"duckduckgo": {RPM: 60, Burst: 10},
	"wikipedia":  {RPM: 120, Burst: 20},
}

// Reload re-reads the limits file. The config watcher calls this when
// the file changes on disk.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
