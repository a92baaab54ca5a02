package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Backend:             "memory",
		TTL:                 24 * time.Hour,
		SimilarityThreshold: 0.85,
		WindowSize:          100,
	}
}

func newTestCache(t *testing.T, cfg config.CacheConfig) *Cache {
	t.Helper()
	c := New(NewMemoryStore(), cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleResults(url string) ResultSet {
	return ResultSet{
		Records: []models.SourceRecord{{URL: url, Title: "t", Credibility: 70, Relevance: 0.8}},
		Report:  "summary",
	}
}

func TestLookupExactHit(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "What is the impact of CRISPR on agriculture?", "standard", sampleResults("https://a.example")))

	// Same tokens, different phrasing: still an exact fingerprint match.
	hit, err := c.Lookup(ctx, "impact of CRISPR on agriculture", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Similar)
	assert.Equal(t, "summary", hit.Entry.Results.Report)
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(t, testCacheConfig())

	hit, err := c.Lookup(context.Background(), "anything at all", "quick")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestLookupSimilarHit(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "kubernetes cluster autoscaling best practices production workloads", "standard", sampleResults("https://a.example")))

	// One extra token over seven shared: Jaccard 7/8 = 0.875, above the 0.85 cutoff.
	hit, err := c.Lookup(ctx, "kubernetes cluster autoscaling best practices production workloads guide", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Similar)
	assert.GreaterOrEqual(t, hit.Similarity, 0.85)
	assert.Equal(t, "kubernetes cluster autoscaling best practices production workloads", hit.Entry.Query)
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "rust web frameworks comparison", "standard", sampleResults("https://a.example")))

	hit, err := c.Lookup(ctx, "rust embedded development boards", "standard")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestLookupModeIsolation(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "solar panel efficiency trends", "quick", sampleResults("https://a.example")))

	hit, err := c.Lookup(ctx, "solar panel efficiency trends", "deep")
	require.NoError(t, err)
	assert.Nil(t, hit, "deep lookup must not reuse a quick-mode entry")
}

func TestLookupEditSimilarityCatchesTypo(t *testing.T) {
	cfg := testCacheConfig()
	cfg.SimilarityThreshold = 0.7
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "postgres replication lag monitoring", "standard", sampleResults("https://a.example")))

	hit, err := c.Lookup(ctx, "postgress replication lag monitoring", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Similar)
}

func TestLookupTTLExpiry(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "quantum error correction advances", "standard", sampleResults("https://a.example")))

	now = now.Add(25 * time.Hour)
	hit, err := c.Lookup(ctx, "quantum error correction advances", "standard")
	require.NoError(t, err)
	assert.Nil(t, hit)

	// The expired entry was evicted from the store, not just skipped.
	_, err = c.store.Get(ctx, Fingerprint("quantum error correction advances", "standard"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLastWriterWins(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "graph databases overview", "standard", sampleResults("https://first.example")))
	require.NoError(t, c.Store(ctx, "graph databases overview", "standard", sampleResults("https://second.example")))

	hit, err := c.Lookup(ctx, "graph databases overview", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Len(t, hit.Entry.Results.Records, 1)
	assert.Equal(t, "https://second.example", hit.Entry.Results.Records[0].URL)
}

func TestWindowBoundsSimilarityScan(t *testing.T) {
	cfg := testCacheConfig()
	cfg.WindowSize = 1
	c := newTestCache(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "wind turbine blade design materials testing review", "standard", sampleResults("https://a.example")))
	require.NoError(t, c.Store(ctx, "completely unrelated topic entirely", "standard", sampleResults("https://b.example")))

	// Pushed out of the window: near-duplicates no longer match it.
	hit, err := c.Lookup(ctx, "wind turbine blade design materials testing review extra", "standard")
	require.NoError(t, err)
	assert.Nil(t, hit)

	// Exact lookups still go through the store.
	hit, err = c.Lookup(ctx, "wind turbine blade design materials testing review", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Similar)
}

func TestConcurrentStoreAndLookup(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Store(ctx, "distributed consensus protocols raft paxos", "standard", sampleResults("https://a.example"))
		}()
		go func() {
			defer wg.Done()
			_, _ = c.Lookup(ctx, "distributed consensus protocols raft paxos", "standard")
		}()
	}
	wg.Wait()

	hit, err := c.Lookup(ctx, "distributed consensus protocols raft paxos", "standard")
	require.NoError(t, err)
	require.NotNil(t, hit)
}
