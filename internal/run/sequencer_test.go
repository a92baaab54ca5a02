package run

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-research/meridian/internal/cache"
	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/gap"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/providers"
	"github.com/meridian-research/meridian/internal/query"
	"github.com/meridian-research/meridian/internal/scoring"
	"github.com/meridian-research/meridian/internal/search"
	"github.com/meridian-research/meridian/internal/streaming"
)

type seqProvider struct {
	name    string
	results []models.RawResult
	err     error
	block   bool
	calls   atomic.Int64
}

func (p *seqProvider) Name() string          { return p.name }
func (p *seqProvider) Priority() int         { return 1 }
func (p *seqProvider) RequiresPremium() bool { return false }

func (p *seqProvider) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	n := p.calls.Add(1)
	if p.block && n > 1 {
		<-ctx.Done()
		return nil, providers.NewError(p.name, providers.KindTimeout, ctx.Err())
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.results, nil
}

type stubWriter struct{ fail bool }

func (w *stubWriter) Write(_ context.Context, q models.Query, _ *models.WorkingSet, _ []models.VerifiedFact) (string, error) {
	if w.fail {
		return "", errors.New("writer down")
	}
	return "report about " + q.Normalized, nil
}

type recordingPublisher struct {
	published atomic.Int64
	fail      bool
}

func (p *recordingPublisher) Publish(context.Context, string, string, *models.RunResult) error {
	if p.fail {
		return errors.New("export backend down")
	}
	p.published.Add(1)
	return nil
}

type seqFixture struct {
	seq       *Sequencer
	cache     *cache.Cache
	stream    *streaming.Manager
	publisher *recordingPublisher
}

func newFixture(t *testing.T, provs ...providers.Provider) *seqFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	scorer := scoring.New(config.ScoringConfig{
		RelevanceWeight: 0.7, CredibilityWeight: 0.3,
		DomainWeight: 0.40, QualityWeight: 0.25, BiasWeight: 0.20, CitationWeight: 0.15,
	})
	registry := providers.NewRegistry(provs, config.ProvidersConfig{
		RateLimits: map[string]int{"brave": 6000},
	}, logger)
	engine := search.NewEngine(registry, scorer, config.SearchConfig{
		MaxConcurrent:    4,
		ProviderTimeout:  2 * time.Second,
		FanoutTimeout:    5 * time.Second,
		MinViableResults: 1,
		ResultsPerQuery:  10,
	}, logger)
	controller := gap.NewController(config.GapConfig{
		MinCorroboration: map[string]int{"quick": 1, "standard": 2},
	}, 40, scorer, logger)

	c := cache.New(cache.NewMemoryStore(), config.CacheConfig{
		TTL: time.Hour, SimilarityThreshold: 0.85, WindowSize: 100,
	}, logger)
	t.Cleanup(func() { _ = c.Close() })

	stream := streaming.NewManager(64)
	publisher := &recordingPublisher{}

	seq := NewSequencer(Deps{
		Processor:  query.NewProcessor(nil, logger),
		Cache:      c,
		Engine:     engine,
		Controller: controller,
		Verifier:   NewVerifier(nil, 40, logger),
		Writer:     &stubWriter{},
		Editor:     &LLMEditor{Generator: nil},
		Citer:      ReferenceCiter{},
		Publisher:  publisher,
		Stream:     stream,
		Logger:     logger,
	})
	return &seqFixture{seq: seq, cache: c, stream: stream, publisher: publisher}
}

func quickBudget() models.Budget {
	return models.Budget{
		MaxSources:    2,
		MaxWords:      500,
		MaxIterations: 1,
		MaxWallTime:   time.Minute,
		Tier:          models.TierFree,
		Mode:          models.ModeQuick,
	}
}

func goodResults() []models.RawResult {
	return []models.RawResult{
		{Provider: "brave", URL: "https://nature.com/articles/solar-capacity", Title: "solar capacity growth", Snippet: "A study shows solar capacity grew 20 percent last year.", Relevance: 0.9, FetchedAt: time.Now()},
		{Provider: "brave", URL: "https://www.iea.org/reports/solar", Title: "solar capacity outlook", Snippet: "Research indicates capacity additions will continue through 2030.", Relevance: 0.8, FetchedAt: time.Now()},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, &seqProvider{name: "brave", results: goodResults()})

	res := f.seq.Execute(context.Background(), "run-1", "solar capacity growth", quickBudget())

	assert.Equal(t, models.StatusSufficient, res.Status)
	assert.Empty(t, res.FailReason)
	require.NotNil(t, res.WorkingSet)
	assert.Len(t, res.WorkingSet.Records, 2)
	assert.NotEmpty(t, res.Facts)
	assert.Contains(t, res.Report, "report about")
	assert.Contains(t, res.Report, "References", "citer appended the source list")
	assert.Equal(t, int64(1), f.publisher.published.Load())
	assert.False(t, res.Metadata.FromCache)
	assert.GreaterOrEqual(t, res.Metadata.Iterations, 1)
}

func TestExecuteNoSourcesFails(t *testing.T) {
	broken := &seqProvider{name: "brave", err: providers.NewError("brave", providers.KindTimeout, errors.New("unreachable"))}
	f := newFixture(t, broken)

	res := f.seq.Execute(context.Background(), "run-1", "anything at all", quickBudget())

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, string(ReasonNoSources), res.FailReason)
	assert.Equal(t, int64(0), f.publisher.published.Load())
}

func TestExecuteIdenticalQueryServedFromCache(t *testing.T) {
	p := &seqProvider{name: "brave", results: goodResults()}
	f := newFixture(t, p)

	first := f.seq.Execute(context.Background(), "run-1", "solar capacity growth", quickBudget())
	require.Equal(t, models.StatusSufficient, first.Status)
	callsAfterFirst := p.calls.Load()
	require.Greater(t, callsAfterFirst, int64(0))

	second := f.seq.Execute(context.Background(), "run-2", "solar capacity growth", quickBudget())
	assert.Equal(t, models.StatusSufficient, second.Status)
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, first.Report, second.Report)
	assert.Equal(t, callsAfterFirst, p.calls.Load(), "fan-out skipped entirely on cache hit")
}

func TestExecuteTimeoutPreservesPartialWorkingSet(t *testing.T) {
	// First round returns one source, later rounds block until the run
	// clock expires.
	p := &seqProvider{name: "brave", results: goodResults()[:1], block: true}
	f := newFixture(t, p)

	b := models.Budget{
		MaxSources:    5,
		MaxWords:      2000,
		MaxIterations: 3,
		MaxWallTime:   500 * time.Millisecond,
		Tier:          models.TierFree,
		Mode:          models.ModeStandard,
	}
	res := f.seq.Execute(context.Background(), "run-1", "solar capacity growth", b)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, string(ReasonTimeout), res.FailReason)
	require.NotNil(t, res.WorkingSet)
	assert.True(t, res.WorkingSet.Partial)
	assert.Len(t, res.WorkingSet.Records, 1, "accumulated sources preserved for partial delivery")
}

func TestExecuteIterationMetadataNeverOvercounts(t *testing.T) {
	// One source can never satisfy standard-mode corroboration, so the
	// run burns every iteration and verification asks for one more.
	p := &seqProvider{name: "brave", results: goodResults()[:1]}
	f := newFixture(t, p)

	b := models.Budget{
		MaxSources:    5,
		MaxWords:      2000,
		MaxIterations: 2,
		MaxWallTime:   time.Minute,
		Tier:          models.TierFree,
		Mode:          models.ModeStandard,
	}
	res := f.seq.Execute(context.Background(), "run-1", "solar capacity growth", b)

	assert.Equal(t, 2, res.Metadata.Iterations, "a denied extra round must not inflate the count")
}

func TestExecuteEmitsStageEvents(t *testing.T) {
	f := newFixture(t, &seqProvider{name: "brave", results: goodResults()})
	ch := f.stream.Subscribe("run-1", 32)

	f.seq.Execute(context.Background(), "run-1", "solar capacity growth", quickBudget())

	var stages []string
	for evt := range ch {
		stages = append(stages, evt.Stage)
	}
	require.NotEmpty(t, stages)
	assert.Equal(t, string(StageExpanding), stages[0])
	assert.Contains(t, stages, string(StageSearching))
	assert.Contains(t, stages, string(StageVerifying))
	assert.Contains(t, stages, string(StageFinalizing))
	assert.Contains(t, stages, string(StageCiting))
	assert.Equal(t, string(StagePublished), stages[len(stages)-1], "terminal event closes the stream")
}

func TestExecutePublishFailure(t *testing.T) {
	f := newFixture(t, &seqProvider{name: "brave", results: goodResults()})
	f.publisher.fail = true

	res := f.seq.Execute(context.Background(), "run-1", "solar capacity growth", quickBudget())

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, string(ReasonPublishFailed), res.FailReason)
}

func TestExecuteEditingIsPremiumGated(t *testing.T) {
	f := newFixture(t, &seqProvider{name: "brave", results: goodResults()})
	ch := f.stream.Subscribe("run-1", 32)

	b := quickBudget()
	b.Tier = models.TierPremium
	b.PremiumFeatures = true
	f.seq.Execute(context.Background(), "run-1", "solar capacity growth", b)

	var sawEditing bool
	for evt := range ch {
		if evt.Stage == string(StageEditing) {
			sawEditing = true
		}
	}
	assert.True(t, sawEditing)

	ch = f.stream.Subscribe("run-2", 32)
	f.seq.Execute(context.Background(), "run-2", "wind capacity growth", quickBudget())
	sawEditing = false
	for evt := range ch {
		if evt.Stage == string(StageEditing) {
			sawEditing = true
		}
	}
	assert.False(t, sawEditing, "free runs never reach EDITING")
}

func TestApplyWordLimit(t *testing.T) {
	report := strings.Repeat("word ", 100)

	free := applyWordLimit(report, 10, false)
	assert.Contains(t, free, "Upgrade to Premium")
	assert.Len(t, strings.Fields(strings.Split(free, "\n")[0]), 10)

	premium := applyWordLimit(report, 10, true)
	assert.Len(t, strings.Fields(premium), 10)

	short := applyWordLimit("two words", 10, false)
	assert.Equal(t, "two words", short)
}
