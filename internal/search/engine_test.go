package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/providers"
	"github.com/meridian-research/meridian/internal/scoring"
)

type stubProvider struct {
	name     string
	priority int
	premium  bool
	results  []models.RawResult
	err      error
	delay    time.Duration
	calls    atomic.Int64
}

func (s *stubProvider) Name() string          { return s.name }
func (s *stubProvider) Priority() int         { return s.priority }
func (s *stubProvider) RequiresPremium() bool { return s.premium }

func (s *stubProvider) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, providers.NewError(s.name, providers.KindTimeout, ctx.Err())
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func raw(provider, url, snippet string, relevance float64) models.RawResult {
	return models.RawResult{
		Provider:  provider,
		URL:       url,
		Title:     "title",
		Snippet:   snippet,
		Relevance: relevance,
		FetchedAt: time.Now(),
	}
}

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		MaxConcurrent:    4,
		ProviderTimeout:  time.Second,
		FanoutTimeout:    5 * time.Second,
		MinViableResults: 3,
		ResultsPerQuery:  10,
	}
}

func newTestEngine(t *testing.T, cfg config.SearchConfig, provs ...providers.Provider) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := providers.NewRegistry(provs, config.ProvidersConfig{}, logger)
	scorer := scoring.New(config.ScoringConfig{
		RelevanceWeight: 0.7, CredibilityWeight: 0.3,
		DomainWeight: 0.40, QualityWeight: 0.25, BiasWeight: 0.20, CitationWeight: 0.15,
	})
	return NewEngine(registry, scorer, cfg, logger)
}

func TestSearchDeduplicatesByNormalizedURL(t *testing.T) {
	a := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://www.example.org/page/", "short", 0.6),
	}}
	b := &stubProvider{name: "exa", priority: 1, results: []models.RawResult{
		raw("exa", "http://example.org/page", "a much longer and richer snippet", 0.9),
	}}
	e := newTestEngine(t, testSearchConfig(), a, b)

	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	require.Len(t, records, 1, "same page from two providers collapses to one record")
	assert.Equal(t, "a much longer and richer snippet", records[0].Snippet)
	assert.InDelta(t, 0.9, records[0].Relevance, 1e-9, "max relevance wins the merge")
}

func TestSearchToleratesProviderFailure(t *testing.T) {
	healthy := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
	}}
	broken := &stubProvider{name: "exa", priority: 1, err: providers.NewError("exa", providers.KindMalformed, errors.New("bad json"))}
	e := newTestEngine(t, testSearchConfig(), healthy, broken)

	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "brave", records[0].Provider)
}

func TestSearchEscalatesWhenBelowMinViable(t *testing.T) {
	first := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
	}}
	second := &stubProvider{name: "wikipedia", priority: 4, results: []models.RawResult{
		raw("wikipedia", "https://b.example/two", "s", 0.7),
		raw("wikipedia", "https://c.example/three", "s", 0.6),
	}}
	e := newTestEngine(t, testSearchConfig(), first, second)

	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Greater(t, second.calls.Load(), int64(0), "second group queried after shortfall")
}

func TestSearchStopsEscalationOnceViable(t *testing.T) {
	cfg := testSearchConfig()
	cfg.MinViableResults = 2
	first := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
		raw("brave", "https://b.example/two", "s", 0.7),
	}}
	second := &stubProvider{name: "wikipedia", priority: 4, results: []models.RawResult{
		raw("wikipedia", "https://c.example/three", "s", 0.6),
	}}
	e := newTestEngine(t, cfg, first, second)

	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(0), second.calls.Load(), "no escalation once the first group is viable")
}

func TestSearchQuotaErrorDemotesForRestOfRun(t *testing.T) {
	quota := &stubProvider{name: "brave", priority: 1, err: providers.NewError("brave", providers.KindQuota, errors.New("429"))}
	backup := &stubProvider{name: "wikipedia", priority: 4, results: []models.RawResult{
		raw("wikipedia", "https://a.example/one", "s", 0.7),
	}}
	e := newTestEngine(t, testSearchConfig(), quota, backup)
	session := e.NewSession()

	_, err := session.Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	firstCalls := quota.calls.Load()
	require.Greater(t, firstCalls, int64(0))
	assert.Equal(t, []string{"brave"}, session.Demoted())

	_, err = session.Search(context.Background(), []string{"refined q"}, models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, firstCalls, quota.calls.Load(), "demoted provider not queried again this run")
}

func TestSearchOrderingIsStable(t *testing.T) {
	p := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://b.example/page", "same snippet quality here", 0.5),
		raw("brave", "https://a.example/page", "same snippet quality here", 0.5),
		raw("brave", "https://c.example/high", "same snippet quality here", 0.9),
	}}
	e := newTestEngine(t, testSearchConfig(), p)

	first, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	second, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].URL, second[i].URL, "identical inputs order identically")
	}
	assert.Equal(t, "https://c.example/high", first[0].URL, "highest composite first")
}

func TestSearchSkipsProviderWithOpenBreaker(t *testing.T) {
	broken := &stubProvider{name: "exa", priority: 1, err: providers.NewError("exa", providers.KindTimeout, errors.New("deadline"))}
	healthy := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
	}}
	logger := zaptest.NewLogger(t)
	registry := providers.NewRegistry([]providers.Provider{broken, healthy}, config.ProvidersConfig{}, logger)
	scorer := scoring.New(config.ScoringConfig{
		RelevanceWeight: 0.7, CredibilityWeight: 0.3,
		DomainWeight: 0.40, QualityWeight: 0.25, BiasWeight: 0.20, CitationWeight: 0.15,
	})

	// Trip exa's breaker before the fan-out runs.
	for i := 0; i < 3; i++ {
		_, _ = registry.Query(context.Background(), broken, "q", 5, models.TierFree)
	}
	tripped := broken.calls.Load()

	e := NewEngine(registry, scorer, testSearchConfig(), logger)
	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "brave", records[0].Provider)
	assert.Equal(t, tripped, broken.calls.Load(), "open breaker keeps the provider out of the dispatch")
}

func TestSearchSkipsProviderOverRateBudget(t *testing.T) {
	throttled := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
	}}
	healthy := &stubProvider{name: "wikipedia", priority: 1, results: []models.RawResult{
		raw("wikipedia", "https://b.example/two", "s", 0.7),
	}}
	logger := zaptest.NewLogger(t)
	// 6 rpm gives brave a burst of two; exhaust it up front.
	registry := providers.NewRegistry([]providers.Provider{throttled, healthy},
		config.ProvidersConfig{RateLimits: map[string]int{"brave": 6}}, logger)
	scorer := scoring.New(config.ScoringConfig{
		RelevanceWeight: 0.7, CredibilityWeight: 0.3,
		DomainWeight: 0.40, QualityWeight: 0.25, BiasWeight: 0.20, CitationWeight: 0.15,
	})
	for i := 0; i < 2; i++ {
		_, err := registry.Query(context.Background(), throttled, "q", 5, models.TierFree)
		require.NoError(t, err)
	}

	cfg := testSearchConfig()
	cfg.MinViableResults = 1
	e := NewEngine(registry, scorer, cfg, logger)
	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "wikipedia", records[0].Provider)
	assert.Equal(t, int64(2), throttled.calls.Load(), "a provider that cannot answer within its timeout is not dispatched")
}

func TestSearchFanoutTimeoutPreservesPartials(t *testing.T) {
	cfg := testSearchConfig()
	cfg.FanoutTimeout = 200 * time.Millisecond
	cfg.ProviderTimeout = 150 * time.Millisecond
	cfg.MinViableResults = 5
	fast := &stubProvider{name: "brave", priority: 1, results: []models.RawResult{
		raw("brave", "https://a.example/one", "s", 0.8),
	}}
	slow := &stubProvider{name: "wikipedia", priority: 4, delay: time.Second}
	e := newTestEngine(t, cfg, fast, slow)

	records, err := e.NewSession().Search(context.Background(), []string{"q"}, models.TierFree)
	require.NoError(t, err, "partial results are kept when the clock runs out")
	require.Len(t, records, 1)
	assert.Equal(t, "brave", records[0].Provider)
}
