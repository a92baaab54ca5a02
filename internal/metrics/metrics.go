package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode", "tier"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_run_iterations",
			Help:    "Number of search iterations per run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Fan-out metrics
	FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_fanout_duration_seconds",
			Help:    "Wall-clock duration of one fan-out call",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_provider_requests_total",
			Help: "Total provider search requests",
		},
		[]string{"provider", "status"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_provider_errors_total",
			Help: "Provider failures by kind",
		},
		[]string{"provider", "kind"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_provider_latency_seconds",
			Help:    "Provider request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	DuplicatesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_fanout_duplicates_merged_total",
			Help: "Search results merged into an existing record by normalized URL",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_cache_hits_total",
			Help: "Cache hits by kind (exact or similar)",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_cache_evictions_total",
			Help: "Expired or displaced cache entries removed",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_cache_entries",
			Help: "Current number of entries tracked in the similarity window",
		},
	)

	// Working set metrics
	SourcesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sources_accepted_total",
			Help: "Sources accepted into working sets",
		},
	)

	SourcesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sources_evicted_total",
			Help: "Sources evicted from working sets over max_sources",
		},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_generation_requests_total",
			Help: "Text-generation calls by purpose and status",
		},
		[]string{"purpose", "status"},
	)

	GenerationDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_generation_downgrades_total",
			Help: "Optional steps downgraded after repeated generation failure",
		},
	)
)
