package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration. Tunable thresholds
// (similarity cutoff, fallback minimum, score weights) live here
// rather than as hidden constants.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Cache CacheConfig `mapstructure:"cache"`

	Search SearchConfig `mapstructure:"search"`

	Scoring ScoringConfig `mapstructure:"scoring"`

	Gap GapConfig `mapstructure:"gap"`

	Modes map[string]ModeConfig `mapstructure:"modes"`

	LLM struct {
		Endpoint string        `mapstructure:"endpoint"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`

	Providers ProvidersConfig `mapstructure:"providers"`
}

// CacheConfig configures the similarity cache.
type CacheConfig struct {
	Backend             string        `mapstructure:"backend"` // memory | redis | sqlite
	RedisAddr           string        `mapstructure:"redis_addr"`
	SQLitePath          string        `mapstructure:"sqlite_path"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	WindowSize          int           `mapstructure:"window_size"` // recent entries scanned for near-duplicates
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

// SearchConfig bounds the fan-out step.
type SearchConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	FanoutTimeout    time.Duration `mapstructure:"fanout_timeout"`
	MinViableResults int           `mapstructure:"min_viable_results"`
	ResultsPerQuery  int           `mapstructure:"results_per_query"`
}

// ScoringConfig holds the composite and credibility weights.
type ScoringConfig struct {
	RelevanceWeight   float64 `mapstructure:"relevance_weight"`
	CredibilityWeight float64 `mapstructure:"credibility_weight"`
	DomainWeight      float64 `mapstructure:"domain_weight"`
	QualityWeight     float64 `mapstructure:"quality_weight"`
	BiasWeight        float64 `mapstructure:"bias_weight"`
	CitationWeight    float64 `mapstructure:"citation_weight"`
	CredibilityFloor  float64 `mapstructure:"credibility_floor"`
}

// GapConfig drives the iteration controller.
type GapConfig struct {
	// Minimum corroborating sources per sub-topic, keyed by mode.
	MinCorroboration map[string]int `mapstructure:"min_corroboration"`
}

// ModeConfig is the budget template for one research mode.
type ModeConfig struct {
	MaxSources    int           `mapstructure:"max_sources"`
	MaxWords      int           `mapstructure:"max_words"`
	MaxIterations int           `mapstructure:"max_iterations"`
	MaxWallTime   time.Duration `mapstructure:"max_wall_time"`
	PremiumOnly   bool          `mapstructure:"premium_only"`
}

// ProvidersConfig enables and keys the search providers.
type ProvidersConfig struct {
	BraveAPIKey     string `mapstructure:"brave_api_key"`
	ExaAPIKey       string `mapstructure:"exa_api_key"`
	SerpAPIKey      string `mapstructure:"serpapi_key"`
	GoogleCSEAPIKey string `mapstructure:"google_cse_api_key"`
	GoogleCSECX     string `mapstructure:"google_cse_cx"`
	// Per-provider requests-per-minute overrides; zero means the built-in default.
	RateLimits map[string]int `mapstructure:"rate_limits"`
}

// Load reads configuration from CONFIG_PATH (default config/meridian.yaml)
// with env overrides prefixed MERIDIAN_. A missing file yields defaults.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/meridian.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("MERIDIAN")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
		// Missing file: run on defaults.
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// Default returns the built-in configuration without touching the filesystem.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "meridian")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.sqlite_path", "meridian-cache.db")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.window_size", 256)
	v.SetDefault("cache.sweep_interval", 0) // lazy eviction only

	v.SetDefault("search.max_concurrent", 4)
	v.SetDefault("search.provider_timeout", 10*time.Second)
	v.SetDefault("search.fanout_timeout", 30*time.Second)
	v.SetDefault("search.min_viable_results", 1)
	v.SetDefault("search.results_per_query", 10)

	v.SetDefault("scoring.relevance_weight", 0.6)
	v.SetDefault("scoring.credibility_weight", 0.4)
	v.SetDefault("scoring.domain_weight", 0.40)
	v.SetDefault("scoring.quality_weight", 0.25)
	v.SetDefault("scoring.bias_weight", 0.20)
	v.SetDefault("scoring.citation_weight", 0.15)
	v.SetDefault("scoring.credibility_floor", 60)

	v.SetDefault("gap.min_corroboration", map[string]int{
		"quick":    1,
		"standard": 2,
		"deep":     3,
	})

	v.SetDefault("modes", map[string]map[string]interface{}{
		"quick": {
			"max_sources":    2,
			"max_words":      500,
			"max_iterations": 1,
			"max_wall_time":  "60s",
			"premium_only":   false,
		},
		"standard": {
			"max_sources":    5,
			"max_words":      2000,
			"max_iterations": 3,
			"max_wall_time":  "3m",
			"premium_only":   false,
		},
		"deep": {
			"max_sources":    15,
			"max_words":      5000,
			"max_iterations": 3,
			"max_wall_time":  "10m",
			"premium_only":   true,
		},
	})

	v.SetDefault("llm.endpoint", "http://localhost:8000")
	v.SetDefault("llm.timeout", 60*time.Second)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Search.MaxConcurrent < 1 {
		return fmt.Errorf("search.max_concurrent must be >= 1, got %d", c.Search.MaxConcurrent)
	}
	if len(c.Modes) == 0 {
		return fmt.Errorf("at least one research mode must be configured")
	}
	for name, m := range c.Modes {
		if m.MaxIterations < 1 {
			return fmt.Errorf("mode %q: max_iterations must be >= 1", name)
		}
		if m.MaxSources < 1 {
			return fmt.Errorf("mode %q: max_sources must be >= 1", name)
		}
	}
	return nil
}
