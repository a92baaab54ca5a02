package models

import (
	"strings"
	"time"
)

// Research modes
const (
	ModeQuick    = "quick"
	ModeStandard = "standard"
	ModeDeep     = "deep"
)

// Subscription tiers
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Run statuses reported to the caller
const (
	StatusSufficient = "sufficient"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// Question intents assigned during query processing
const (
	IntentDefinition = "definition"
	IntentHowTo      = "how_to"
	IntentWhy        = "why"
	IntentComparison = "comparison"
	IntentProsCons   = "pros_cons"
	IntentExamples   = "examples"
	IntentStatistics = "statistics"
	IntentHistory    = "history"
	IntentFuture     = "future"
	IntentLocation   = "location"
	IntentTime       = "time"
	IntentGeneral    = "general"
)

// Query is the processed form of a research request. It is produced once
// by query expansion and is immutable for the lifetime of the run.
type Query struct {
	Raw        string   `json:"raw"`
	Normalized string   `json:"normalized"`
	Keywords   []string `json:"keywords"`
	Intent     string   `json:"intent"`
	Variants   []string `json:"variants"`
	SubTopics  []string `json:"sub_topics"`
}

// Budget bounds one research run. Derived once from tier + mode at run
// start and read-only thereafter; components reject work that would
// exceed it rather than truncating late.
type Budget struct {
	MaxSources      int           `json:"max_sources"`
	MaxWords        int           `json:"max_words"`
	MaxIterations   int           `json:"max_iterations"`
	MaxWallTime     time.Duration `json:"max_wall_time"`
	PremiumFeatures bool          `json:"premium_features"`
	Tier            string        `json:"tier"`
	Mode            string        `json:"mode"`
}

// RawResult is the normalized shape every provider response is converted
// into at the fan-out boundary. Downstream code never sees provider wire
// formats.
type RawResult struct {
	Provider    string    `json:"provider"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Snippet     string    `json:"snippet"`
	PublishedAt string    `json:"published_at,omitempty"`
	Relevance   float64   `json:"relevance"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// SourceRecord is a scored, deduplicated search result. Uniqueness is by
// normalized URL within a working set.
type SourceRecord struct {
	Provider    string    `json:"provider"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	PublishedAt string    `json:"published_at,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Credibility float64   `json:"credibility"` // 0-100, assigned by scoring
	Relevance   float64   `json:"relevance"`   // 0-1, merged across providers
	SubTopic    string    `json:"sub_topic,omitempty"`
}

// Composite returns the ordering score used for ranking and eviction:
// relevance first, credibility as the secondary signal.
func (s SourceRecord) Composite(relevanceWeight, credibilityWeight float64) float64 {
	return s.Relevance*relevanceWeight + (s.Credibility/100)*credibilityWeight
}

// Coverage tracks corroboration for one sub-topic.
type Coverage struct {
	SubTopic     string  `json:"sub_topic"`
	SourceCount  int     `json:"source_count"`
	AverageScore float64 `json:"average_score"`
}

// WorkingSet is the run's accumulating collection of accepted sources
// plus the per-sub-topic coverage map. It is mutated only by the gap
// controller between iterations.
type WorkingSet struct {
	Records  []SourceRecord      `json:"records"`
	Coverage map[string]Coverage `json:"coverage"`
	Partial  bool                `json:"partial"`
}

// NewWorkingSet returns an empty working set.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{Coverage: make(map[string]Coverage)}
}

// Has reports whether a record with the given normalized URL is present.
func (w *WorkingSet) Has(normalizedURL string) bool {
	for _, r := range w.Records {
		if NormalizeURL(r.URL) == normalizedURL {
			return true
		}
	}
	return false
}

// VerifiedFact is one claim retained after the verification pass. The
// confidence asserts document corroboration, not ground truth.
type VerifiedFact struct {
	Fact       string   `json:"fact"`
	Confidence float64  `json:"confidence"` // 0-100
	Sources    []string `json:"sources"`    // corroborating source URLs
}

// RunResult is what the caller receives for a finished run.
type RunResult struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"` // sufficient | partial | failed
	WorkingSet *WorkingSet    `json:"working_set,omitempty"`
	Facts      []VerifiedFact `json:"facts,omitempty"`
	Report     string         `json:"report,omitempty"`
	Metadata   RunMetadata    `json:"metadata"`
	FailReason string         `json:"fail_reason,omitempty"`
}

// RunMetadata carries per-run statistics for the caller.
type RunMetadata struct {
	Query       string        `json:"query"`
	Mode        string        `json:"mode"`
	Tier        string        `json:"tier"`
	Iterations  int           `json:"iterations"`
	Elapsed     time.Duration `json:"elapsed"`
	SourceCount int           `json:"source_count"`
	FromCache   bool          `json:"from_cache"`
	CacheScore  float64       `json:"cache_score,omitempty"` // similarity of a near-duplicate hit
}

// NormalizeURL canonicalizes a URL for deduplication: lowercase scheme
// and host, no trailing slash, no fragment, no www prefix.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	lower := strings.ToLower(u)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			u = u[len(scheme):]
			lower = lower[len(scheme):]
			break
		}
	}
	// Lowercase the host portion only; paths may be case-sensitive.
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = strings.ToLower(u[:i]) + u[i:]
	} else {
		u = strings.ToLower(u)
	}
	u = strings.TrimPrefix(u, "www.")
	return strings.TrimSuffix(u, "/")
}
