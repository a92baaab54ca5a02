// Package gap decides, after each search round, whether the working set
// covers the query well enough or another refined round is needed. The
// refine loop is the engine's only unbounded-risk construct, so every
// transition re-checks the budget.
package gap

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/budget"
	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/metrics"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/scoring"
)

// State is the controller's transition outcome.
type State string

const (
	StateNeedsMore       State = "NEEDS_MORE"
	StateSufficient      State = "SUFFICIENT"
	StateBudgetExhausted State = "BUDGET_EXHAUSTED"
)

// Decision is the outcome of one Evaluate call. RefinedQuery is set only
// for NEEDS_MORE and narrows on the worst-covered sub-topic.
type Decision struct {
	State         State
	RefinedQuery  string
	WorstSubTopic string
}

// Controller evaluates coverage and maintains the working set between
// iterations. It is stateless across runs; all per-run state lives in
// the WorkingSet and Tracker it is handed.
type Controller struct {
	cfg    config.GapConfig
	floor  float64
	scorer *scoring.Scorer
	logger *zap.Logger
}

// NewController builds a controller. floor is the minimum credibility a
// source needs to count as corroborating.
func NewController(cfg config.GapConfig, floor float64, scorer *scoring.Scorer, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, floor: floor, scorer: scorer, logger: logger}
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// overlap counts how many of the sub-topic's tokens appear in the text.
func overlap(topicTokens []string, text string) int {
	textTokens := make(map[string]struct{})
	for _, t := range tokenize(text) {
		textTokens[t] = struct{}{}
	}
	n := 0
	for _, t := range topicTokens {
		if _, ok := textTokens[t]; ok {
			n++
		}
	}
	return n
}

// Absorb merges newly fetched records into the working set: duplicates
// by normalized URL are dropped, survivors are attributed to their
// best-matching sub-topic, and the set is pruned back under MaxSources.
// Returns how many records were actually added.
func (c *Controller) Absorb(ws *models.WorkingSet, records []models.SourceRecord, subTopics []string, tracker *budget.Tracker) int {
	topicTokens := make([][]string, len(subTopics))
	for i, st := range subTopics {
		topicTokens[i] = tokenize(st)
	}

	added := 0
	for _, rec := range records {
		key := models.NormalizeURL(rec.URL)
		if key == "" || ws.Has(key) {
			continue
		}
		rec.SubTopic = c.bestSubTopic(rec, subTopics, topicTokens)
		ws.Records = append(ws.Records, rec)
		added++
	}
	tracker.AddSources(added)
	metrics.SourcesAccepted.Add(float64(added))

	c.evict(ws, subTopics, topicTokens, tracker)
	c.recomputeCoverage(ws, subTopics, topicTokens)
	return added
}

// corroboratedTopics lists every sub-topic a record supports: any topic
// its text overlaps, falling back to its attributed sub-topic. One
// source may corroborate several sub-topics.
func corroboratedTopics(rec models.SourceRecord, subTopics []string, topicTokens [][]string) []string {
	text := rec.Title + " " + rec.Snippet
	var topics []string
	for i, tokens := range topicTokens {
		if overlap(tokens, text) > 0 {
			topics = append(topics, subTopics[i])
		}
	}
	if len(topics) == 0 && rec.SubTopic != "" {
		topics = append(topics, rec.SubTopic)
	}
	return topics
}

// bestSubTopic attributes a record to the sub-topic its title+snippet
// overlaps most; ties and zero overlap fall to the first sub-topic so
// every record corroborates something.
func (c *Controller) bestSubTopic(rec models.SourceRecord, subTopics []string, topicTokens [][]string) string {
	if len(subTopics) == 0 {
		return ""
	}
	best, bestScore := 0, -1
	text := rec.Title + " " + rec.Snippet
	for i, tokens := range topicTokens {
		if score := overlap(tokens, text); score > bestScore {
			best, bestScore = i, score
		}
	}
	return subTopics[best]
}

// evict prunes the working set back under MaxSources, dropping lowest
// composite score first but never the sole above-floor source of a
// sub-topic while an alternative eviction exists.
func (c *Controller) evict(ws *models.WorkingSet, subTopics []string, topicTokens [][]string, tracker *budget.Tracker) {
	maxSources := tracker.Budget().MaxSources
	if maxSources <= 0 || len(ws.Records) <= maxSources {
		return
	}

	for len(ws.Records) > maxSources {
		// Ascending composite order: worst candidates first.
		order := make([]int, len(ws.Records))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return c.scorer.Composite(ws.Records[order[a]]) < c.scorer.Composite(ws.Records[order[b]])
		})

		corroborators := make(map[string]int)
		supports := make([][]string, len(ws.Records))
		for i, rec := range ws.Records {
			if rec.Credibility < c.floor {
				continue
			}
			supports[i] = corroboratedTopics(rec, subTopics, topicTokens)
			for _, st := range supports[i] {
				corroborators[st]++
			}
		}

		victim := -1
		for _, idx := range order {
			sole := false
			for _, st := range supports[idx] {
				if corroborators[st] == 1 {
					sole = true
					break
				}
			}
			if !sole {
				victim = idx
				break
			}
		}
		if victim == -1 {
			// Every record is a sole corroborator somewhere; drop the
			// weakest anyway, the budget wins.
			victim = order[0]
		}

		dropped := ws.Records[victim]
		ws.Records = append(ws.Records[:victim], ws.Records[victim+1:]...)
		tracker.RemoveSources(1)
		metrics.SourcesEvicted.Inc()
		c.logger.Debug("Evicted source over budget",
			zap.String("url", dropped.URL),
			zap.String("sub_topic", dropped.SubTopic),
		)
	}
}

func (c *Controller) recomputeCoverage(ws *models.WorkingSet, subTopics []string, topicTokens [][]string) {
	coverage := make(map[string]models.Coverage, len(subTopics))
	totals := make(map[string]float64)
	all := make(map[string]int)
	for _, st := range subTopics {
		coverage[st] = models.Coverage{SubTopic: st}
	}
	for _, rec := range ws.Records {
		for _, st := range corroboratedTopics(rec, subTopics, topicTokens) {
			cov, ok := coverage[st]
			if !ok {
				cov = models.Coverage{SubTopic: st}
			}
			if rec.Credibility >= c.floor {
				cov.SourceCount++
			}
			totals[st] += rec.Credibility
			all[st]++
			coverage[st] = cov
		}
	}
	for st, cov := range coverage {
		if n := all[st]; n > 0 {
			cov.AverageScore = totals[st] / float64(n)
			coverage[st] = cov
		}
	}
	ws.Coverage = coverage
}

// MinCorroboration returns the per-sub-topic minimum for a mode.
func (c *Controller) MinCorroboration(mode string) int {
	if n, ok := c.cfg.MinCorroboration[mode]; ok && n > 0 {
		return n
	}
	return 1
}

// Evaluate decides the next transition after a fan-out + scoring pass.
// The budget is consulted on every call, never only at loop entry.
func (c *Controller) Evaluate(ws *models.WorkingSet, q models.Query, tracker *budget.Tracker) Decision {
	min := c.MinCorroboration(tracker.Budget().Mode)

	worst, worstCount := "", -1
	covered := true
	for _, st := range q.SubTopics {
		count := ws.Coverage[st].SourceCount
		if count < min {
			covered = false
		}
		if worstCount == -1 || count < worstCount {
			worst, worstCount = st, count
		}
	}

	if covered && len(q.SubTopics) > 0 {
		c.logger.Info("Coverage sufficient",
			zap.Int("sources", len(ws.Records)),
			zap.Int("min_corroboration", min),
		)
		return Decision{State: StateSufficient}
	}

	b := tracker.Budget()
	if tracker.Iterations() < b.MaxIterations && !tracker.TimeExhausted() && tracker.SourceSlots() > 0 {
		refined := refineQuery(q, worst)
		c.logger.Info("Coverage gap, refining",
			zap.String("worst_sub_topic", worst),
			zap.Int("have", worstCount),
			zap.Int("want", min),
		)
		return Decision{State: StateNeedsMore, RefinedQuery: refined, WorstSubTopic: worst}
	}

	ws.Partial = true
	c.logger.Warn("Budget exhausted with coverage gaps",
		zap.Int("iterations", tracker.Iterations()),
		zap.Int("sources", len(ws.Records)),
	)
	return Decision{State: StateBudgetExhausted, WorstSubTopic: worst}
}

// refineQuery narrows the original query on the uncovered sub-topic.
func refineQuery(q models.Query, subTopic string) string {
	if subTopic == "" {
		return q.Normalized
	}
	lowerTopic := strings.ToLower(subTopic)
	if strings.Contains(lowerTopic, strings.ToLower(q.Normalized)) {
		return subTopic
	}
	return q.Normalized + " " + subTopic
}
