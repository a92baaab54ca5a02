// Package search runs the multi-provider fan-out: concurrent dispatch
// across a priority-ranked provider chain, deduplication by normalized
// URL, credibility scoring, and stable composite ordering.
package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/circuitbreaker"
	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/metrics"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/providers"
	"github.com/meridian-research/meridian/internal/scoring"
)

// Engine is the shared fan-out machinery. Per-run state (provider
// demotions) lives in a Session; the engine itself is safe to share
// across concurrent runs.
type Engine struct {
	registry *providers.Registry
	scorer   *scoring.Scorer
	cfg      config.SearchConfig
	logger   *zap.Logger
}

// NewEngine builds an engine over the shared registry.
func NewEngine(registry *providers.Registry, scorer *scoring.Scorer, cfg config.SearchConfig, logger *zap.Logger) *Engine {
	return &Engine{registry: registry, scorer: scorer, cfg: cfg, logger: logger}
}

// Session carries one run's demotion state. A provider that returns a
// quota error is demoted for the remainder of the run; shared limiter
// and breaker state still lives in the registry.
type Session struct {
	engine *Engine

	mu      sync.Mutex
	demoted map[string]bool
}

// NewSession starts a fan-out session for one run.
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, demoted: make(map[string]bool)}
}

// Demoted lists providers demoted so far in this session, for metadata.
func (s *Session) Demoted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.demoted))
	for name := range s.demoted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) isDemoted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demoted[name]
}

func (s *Session) demote(name string, err error) {
	s.mu.Lock()
	already := s.demoted[name]
	s.demoted[name] = true
	s.mu.Unlock()
	if !already {
		s.engine.logger.Warn("Provider demoted for remainder of run",
			zap.String("provider", name),
			zap.Error(err),
		)
	}
}

type task struct {
	provider providers.Provider
	query    string
	tier     string
}

// Search fans the query variants out across the provider chain for the
// tier. Provider failures are isolated; the call errors only when the
// context is done before anything was collected.
func (s *Session) Search(ctx context.Context, queries []string, tier string) ([]models.SourceRecord, error) {
	e := s.engine
	start := time.Now()

	if e.cfg.FanoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FanoutTimeout)
		defer cancel()
	}

	merged := make(map[string]models.SourceRecord)
	groups := e.registry.PriorityGroups(tier)

	for gi, group := range groups {
		tasks := make([]task, 0, len(group)*len(queries))
		for _, p := range group {
			if s.isDemoted(p.Name()) {
				continue
			}
			if e.registry.BreakerState(p.Name()) == circuitbreaker.StateOpen {
				e.logger.Debug("Skipping provider with open breaker", zap.String("provider", p.Name()))
				continue
			}
			if wait := e.registry.WaitBudget(p.Name()); e.cfg.ProviderTimeout > 0 && wait >= e.cfg.ProviderTimeout {
				e.logger.Debug("Skipping provider over its rate budget",
					zap.String("provider", p.Name()),
					zap.Duration("wait", wait),
				)
				continue
			}
			for _, q := range queries {
				tasks = append(tasks, task{provider: p, query: q, tier: tier})
			}
		}
		if len(tasks) == 0 {
			continue
		}

		for _, raw := range s.dispatch(ctx, tasks) {
			mergeResult(merged, raw)
		}

		if len(merged) >= e.cfg.MinViableResults {
			break
		}
		if gi < len(groups)-1 {
			e.logger.Info("Escalating to next provider group",
				zap.Int("collected", len(merged)),
				zap.Int("min_viable", e.cfg.MinViableResults),
			)
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())

	if len(merged) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	records := make([]models.SourceRecord, 0, len(merged))
	for _, rec := range merged {
		records = append(records, rec)
	}
	e.scorer.ScoreAll(records)
	s.sortByComposite(records)

	e.logger.Info("Fan-out completed",
		zap.Int("results", len(records)),
		zap.Int("queries", len(queries)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return records, nil
}

// dispatch runs the tasks on a bounded worker pool with a per-provider
// timeout around each call.
func (s *Session) dispatch(ctx context.Context, tasks []task) []models.RawResult {
	e := s.engine
	workers := e.cfg.MaxConcurrent
	if workers <= 0 {
		workers = 4
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan task)
	resultCh := make(chan []models.RawResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				resultCh <- s.runTask(ctx, t)
			}
		}()
	}

	for _, t := range tasks {
		select {
		case taskCh <- t:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(taskCh)
	wg.Wait()
	close(resultCh)

	var all []models.RawResult
	for batch := range resultCh {
		all = append(all, batch...)
	}
	return all
}

func (s *Session) runTask(ctx context.Context, t task) []models.RawResult {
	e := s.engine
	if s.isDemoted(t.provider.Name()) {
		return nil
	}

	callCtx := ctx
	if e.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		defer cancel()
	}

	results, err := e.registry.Query(callCtx, t.provider, t.query, e.cfg.ResultsPerQuery, t.tier)
	if err != nil {
		if perr, ok := providers.AsError(err); ok && perr.Kind == providers.KindQuota {
			s.demote(t.provider.Name(), err)
		} else {
			e.logger.Warn("Provider query failed",
				zap.String("provider", t.provider.Name()),
				zap.Error(err),
			)
		}
		return nil
	}
	return results
}

// mergeResult folds one raw result into the dedup map. Duplicates keep
// the richer snippet and the higher relevance.
func mergeResult(merged map[string]models.SourceRecord, raw models.RawResult) {
	key := models.NormalizeURL(raw.URL)
	if key == "" {
		return
	}

	existing, ok := merged[key]
	if !ok {
		merged[key] = models.SourceRecord{
			Provider:    raw.Provider,
			URL:         raw.URL,
			Title:       raw.Title,
			Snippet:     raw.Snippet,
			PublishedAt: raw.PublishedAt,
			FetchedAt:   raw.FetchedAt,
			Relevance:   raw.Relevance,
		}
		return
	}

	metrics.DuplicatesMerged.Inc()
	if len(raw.Snippet) > len(existing.Snippet) {
		existing.Snippet = raw.Snippet
		existing.Provider = raw.Provider
	}
	if raw.Relevance > existing.Relevance {
		existing.Relevance = raw.Relevance
	}
	if existing.Title == "" {
		existing.Title = raw.Title
	}
	merged[key] = existing
}

// sortByComposite orders records by descending composite score. The sort
// is stable with normalized URL as the final tie-break so identical
// inputs always produce identical output order.
func (s *Session) sortByComposite(records []models.SourceRecord) {
	scorer := s.engine.scorer
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := scorer.Composite(records[i]), scorer.Composite(records[j])
		if ci != cj {
			return ci > cj
		}
		return models.NormalizeURL(records[i].URL) < models.NormalizeURL(records[j].URL)
	})
}
