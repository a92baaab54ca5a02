// Package cache implements the similarity-aware query cache. Lookups try
// an exact fingerprint match first, then compare the normalized token set
// against a bounded window of recent entries; near-duplicate hits above
// the configured threshold are served annotated with their similarity.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/metrics"
)

// Hit describes a successful lookup. Similar is set when the entry was
// matched by token similarity rather than an exact fingerprint, so the
// sequencer can disclose "served from cache, N% similar".
type Hit struct {
	Entry      *Entry
	Similar    bool
	Similarity float64
}

// windowEntry is the in-memory similarity index record for one cached
// query. The window is bounded; older entries fall back to exact-match
// only, which keeps near-duplicate scans O(window).
type windowEntry struct {
	fingerprint string
	query       string
	tokens      []string
	mode        string
	expiresAt   time.Time
}

// Cache is safe for concurrent use by multiple in-flight runs. Population
// races resolve last-writer-wins; duplicate population is not an error.
type Cache struct {
	store     Store
	logger    *zap.Logger
	threshold float64
	ttl       time.Duration
	window    int

	mu     sync.Mutex
	recent []windowEntry

	now func() time.Time // injectable for tests
}

// New builds a cache over the given store.
func New(store Store, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	return &Cache{
		store:     store,
		logger:    logger,
		threshold: cfg.SimilarityThreshold,
		ttl:       cfg.TTL,
		window:    cfg.WindowSize,
		now:       time.Now,
	}
}

// SetThreshold adjusts the similarity cutoff; used by config hot reload.
func (c *Cache) SetThreshold(t float64) {
	if t < 0 || t > 1 {
		return
	}
	c.mu.Lock()
	c.threshold = t
	c.mu.Unlock()
}

// Lookup returns the cached result for query+mode, trying exact match
// first and falling back to the similarity window. A miss returns (nil, nil).
func (c *Cache) Lookup(ctx context.Context, query, mode string) (*Hit, error) {
	now := c.now()
	fp := Fingerprint(query, mode)

	entry, err := c.store.Get(ctx, fp)
	switch {
	case err == nil:
		if entry.Expired(now) {
			c.evict(ctx, fp)
		} else {
			metrics.CacheHits.WithLabelValues("exact").Inc()
			c.logger.Debug("Cache hit", zap.String("fingerprint", fp[:12]), zap.String("mode", mode))
			return &Hit{Entry: entry}, nil
		}
	case err != ErrNotFound:
		// Backend trouble degrades to a miss; the run proceeds without cache.
		c.logger.Warn("Cache backend lookup failed", zap.Error(err))
	}

	if hit := c.similarLookup(ctx, query, mode, now); hit != nil {
		return hit, nil
	}

	metrics.CacheMisses.Inc()
	return nil, nil
}

func (c *Cache) similarLookup(ctx context.Context, query, mode string, now time.Time) *Hit {
	tokens := Normalize(query)
	normalized := strings.Join(tokens, " ")

	c.mu.Lock()
	threshold := c.threshold
	candidates := make([]windowEntry, 0, len(c.recent))
	live := c.recent[:0]
	for _, w := range c.recent {
		if now.After(w.expiresAt) {
			continue // lazily dropped from the window
		}
		live = append(live, w)
		if w.mode == mode {
			candidates = append(candidates, w)
		}
	}
	c.recent = live
	metrics.CacheEntries.Set(float64(len(c.recent)))
	c.mu.Unlock()

	var best *windowEntry
	bestSim := 0.0
	for i := range candidates {
		w := candidates[i]
		sim := Jaccard(tokens, w.tokens)
		// Token overlap misses single-token edits ("kubernetes" vs
		// "kubernets"); an edit-distance ratio on the normalized strings
		// catches those.
		if sim < threshold {
			if es := editSimilarity(normalized, strings.Join(w.tokens, " ")); es > sim {
				sim = es
			}
		}
		if sim >= threshold && sim > bestSim {
			bestSim = sim
			best = &candidates[i]
		}
	}
	if best == nil {
		return nil
	}

	entry, err := c.store.Get(ctx, best.fingerprint)
	if err != nil || entry.Expired(now) {
		if err == nil {
			c.evict(ctx, best.fingerprint)
		}
		return nil
	}

	metrics.CacheHits.WithLabelValues("similar").Inc()
	c.logger.Info("Similar cache hit",
		zap.String("query", query),
		zap.String("matched_query", best.query),
		zap.Float64("similarity", bestSim),
	)
	return &Hit{Entry: entry, Similar: true, Similarity: bestSim}
}

// Store caches the result set for query+mode under the configured TTL.
func (c *Cache) Store(ctx context.Context, query, mode string, results ResultSet) error {
	now := c.now()
	tokens := Normalize(query)
	entry := &Entry{
		Fingerprint: Fingerprint(query, mode),
		Query:       query,
		Mode:        mode,
		Tokens:      tokens,
		Results:     results,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}

	if err := c.store.Set(ctx, entry, c.ttl); err != nil {
		return err
	}

	c.mu.Lock()
	// Replace an existing window slot for the same fingerprint.
	replaced := false
	for i := range c.recent {
		if c.recent[i].fingerprint == entry.Fingerprint {
			c.recent[i] = windowEntry{entry.Fingerprint, query, tokens, mode, entry.ExpiresAt}
			replaced = true
			break
		}
	}
	if !replaced {
		c.recent = append(c.recent, windowEntry{entry.Fingerprint, query, tokens, mode, entry.ExpiresAt})
		if c.window > 0 && len(c.recent) > c.window {
			c.recent = c.recent[len(c.recent)-c.window:]
		}
	}
	metrics.CacheEntries.Set(float64(len(c.recent)))
	c.mu.Unlock()

	c.logger.Debug("Cached result set",
		zap.String("mode", mode),
		zap.Int("records", len(results.Records)),
	)
	return nil
}

// StartSweeper runs a periodic expiry sweep until ctx is done. Optional;
// lazy eviction alone bounds correctness, the sweep bounds memory.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

func (c *Cache) sweep(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	var expired []string
	live := c.recent[:0]
	for _, w := range c.recent {
		if now.After(w.expiresAt) {
			expired = append(expired, w.fingerprint)
			continue
		}
		live = append(live, w)
	}
	c.recent = live
	metrics.CacheEntries.Set(float64(len(c.recent)))
	c.mu.Unlock()

	for _, fp := range expired {
		c.evict(ctx, fp)
	}
	if len(expired) > 0 {
		c.logger.Info("Swept expired cache entries", zap.Int("count", len(expired)))
	}
}

func (c *Cache) evict(ctx context.Context, fingerprint string) {
	if err := c.store.Delete(ctx, fingerprint); err != nil {
		c.logger.Warn("Cache eviction failed", zap.Error(err))
		return
	}
	metrics.CacheEvictions.Inc()
}

// Close releases the backing store.
func (c *Cache) Close() error { return c.store.Close() }

func editSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(dist)/float64(longest)
}
