// Package query turns a raw free-text research request into a structured
// query: typo-corrected, intent-classified, keyword-extracted, and
// expanded into search variants and sub-topics.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/llm"
	"github.com/meridian-research/meridian/internal/models"
)

const (
	maxKeywords  = 10
	maxVariants  = 5
	maxSubTopics = 5
)

// intentPatterns are tried in order; first match wins, so the more
// specific leading-anchor patterns come before the substring ones.
var intentPatterns = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{models.IntentDefinition, regexp.MustCompile(`^(what is|what are|define|meaning of)`)},
	{models.IntentHowTo, regexp.MustCompile(`^(how to|how do|how can)`)},
	{models.IntentWhy, regexp.MustCompile(`^(why|what causes|what leads to)`)},
	{models.IntentComparison, regexp.MustCompile(`compare|difference between|versus|\bvs\b`)},
	{models.IntentProsCons, regexp.MustCompile(`advantages|disadvantages|pros|cons|benefits|drawbacks`)},
	{models.IntentExamples, regexp.MustCompile(`examples of|case studies|instances of`)},
	{models.IntentStatistics, regexp.MustCompile(`statistics|\bdata\b|numbers|percentage`)},
	{models.IntentHistory, regexp.MustCompile(`history of|evolution of|origin of`)},
	{models.IntentFuture, regexp.MustCompile(`future of|trends in|predictions`)},
	{models.IntentLocation, regexp.MustCompile(`\bwhere\b|location|\bplace\b`)},
	{models.IntentTime, regexp.MustCompile(`\bwhen\b|timeline|\bdate\b`)},
}

// corrections fixes the typos that actually show up in research queries.
var corrections = map[string]string{
	"artifical":   "artificial",
	"inteligence": "intelligence",
	"seperate":    "separate",
	"definately":  "definitely",
	"recieve":     "receive",
	"occured":     "occurred",
	"untill":      "until",
	"acheive":     "achieve",
}

// synonyms expand a matched keyword into alternative phrasings.
var synonyms = map[string][]string{
	"ai":         {"artificial intelligence", "machine learning", "deep learning"},
	"health":     {"healthcare", "medical", "medicine"},
	"technology": {"tech", "digital", "innovation"},
	"business":   {"company", "enterprise", "organization"},
	"education":  {"learning", "teaching", "academic"},
	"climate":    {"environmental", "global warming", "sustainability"},
	"economy":    {"economic", "financial", "market"},
	"research":   {"study", "investigation", "analysis"},
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "that": {}, "the": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {},
}

var wordRe = regexp.MustCompile(`\b\w+\b`)

// Processor builds models.Query values. The generator is optional; with
// a nil generator sub-topics fall back to keyword-derived ones.
type Processor struct {
	generator llm.Generator
	logger    *zap.Logger
}

// NewProcessor builds a processor. generator may be nil.
func NewProcessor(generator llm.Generator, logger *zap.Logger) *Processor {
	return &Processor{generator: generator, logger: logger}
}

// Process runs the full pipeline: correct, classify, extract, expand.
// Generation failure never fails the run; the query degrades to its
// deterministic parts.
func (p *Processor) Process(ctx context.Context, raw string) (models.Query, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.Query{}, fmt.Errorf("empty query")
	}

	corrected := autoCorrect(trimmed)
	intent := classify(corrected)
	keywords := extractKeywords(corrected)
	variants := expandVariants(corrected, keywords)

	subTopics := p.generateSubTopics(ctx, corrected)
	if len(subTopics) == 0 {
		subTopics = fallbackSubTopics(corrected, keywords)
	}

	q := models.Query{
		Raw:        raw,
		Normalized: corrected,
		Keywords:   keywords,
		Intent:     intent,
		Variants:   variants,
		SubTopics:  subTopics,
	}
	p.logger.Debug("Processed query",
		zap.String("intent", intent),
		zap.Int("keywords", len(keywords)),
		zap.Int("variants", len(variants)),
		zap.Int("sub_topics", len(subTopics)),
	)
	return q, nil
}

func autoCorrect(q string) string {
	words := strings.Fields(q)
	changed := false
	for i, w := range words {
		bare := strings.Trim(w, `.,!?;:"'`)
		fix, ok := corrections[strings.ToLower(bare)]
		if !ok {
			continue
		}
		if len(bare) > 0 && bare[0] >= 'A' && bare[0] <= 'Z' {
			fix = strings.ToUpper(fix[:1]) + fix[1:]
		}
		words[i] = strings.Replace(w, bare, fix, 1)
		changed = true
	}
	if !changed {
		return q
	}
	return strings.Join(words, " ")
}

func classify(q string) string {
	lower := strings.ToLower(q)
	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(lower) {
			return ip.intent
		}
	}
	return models.IntentGeneral
}

func extractKeywords(q string) []string {
	words := wordRe.FindAllString(strings.ToLower(q), -1)
	seen := make(map[string]struct{}, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if len(w) <= 2 && w != "ai" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// expandVariants produces alternate search phrasings. The original query
// is always first so providers see it verbatim.
func expandVariants(q string, keywords []string) []string {
	variants := []string{q}
	seen := map[string]struct{}{q: {}}

	add := func(v string) {
		if len(variants) >= maxVariants {
			return
		}
		if _, dup := seen[v]; dup || v == "" {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}

	for _, kw := range keywords {
		syns, ok := synonyms[kw]
		if !ok {
			continue
		}
		for _, syn := range syns[:min(2, len(syns))] {
			add(replaceWord(q, kw, syn))
		}
	}

	lower := strings.ToLower(q)
	if strings.Contains(lower, "impact") {
		add(replaceWord(q, "impact", "effects"))
	}
	add(q + " overview")
	add(q + " research studies")

	return variants
}

// replaceWord swaps a whole word case-insensitively, leaving the rest of
// the phrasing intact.
func replaceWord(q, word, with string) string {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return q
	}
	out := re.ReplaceAllString(q, with)
	if out == q {
		return ""
	}
	return out
}

const subTopicSystemPrompt = `You are a research planning expert. Break down the given topic into 3-5 key sub-topics that should be researched.
Return ONLY a JSON array of strings, like: ["subtopic 1", "subtopic 2", "subtopic 3"]`

func (p *Processor) generateSubTopics(ctx context.Context, q string) []string {
	if p.generator == nil {
		return nil
	}

	prompt := "Break down this research topic into key sub-topics:\n\n" + q
	simplified := "List 3 sub-topics for: " + q
	out, err := llm.GenerateWithRetry(ctx, p.generator, prompt, simplified, llm.Constraints{
		Agent:        "query_expander",
		Tier:         "small",
		MaxTokens:    500,
		Temperature:  0.7,
		SystemPrompt: subTopicSystemPrompt,
	})
	if err != nil {
		p.logger.Warn("Sub-topic generation failed, continuing without it", zap.Error(err))
		return nil
	}
	return parseSubTopics(out)
}

// parseSubTopics accepts a JSON array or, failing that, one topic per
// line. Models do not always honor the output contract.
func parseSubTopics(out string) []string {
	out = strings.TrimSpace(out)

	var topics []string
	if err := json.Unmarshal([]byte(out), &topics); err == nil {
		return capTopics(topics)
	}

	// Some responses wrap the array in markdown fences or prose.
	if start, end := strings.Index(out, "["), strings.LastIndex(out, "]"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(out[start:end+1]), &topics); err == nil {
			return capTopics(topics)
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.Trim(line, " \t-•*\"")
		if len(line) > 10 {
			topics = append(topics, line)
		}
	}
	return capTopics(topics)
}

func capTopics(topics []string) []string {
	cleaned := topics[:0]
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) > maxSubTopics {
		cleaned = cleaned[:maxSubTopics]
	}
	return cleaned
}

// fallbackSubTopics keeps the gap controller functional when generation
// is unavailable: coverage is then tracked per leading keyword.
func fallbackSubTopics(q string, keywords []string) []string {
	if len(keywords) == 0 {
		return []string{q}
	}
	n := min(3, len(keywords))
	topics := make([]string, 0, n)
	for _, kw := range keywords[:n] {
		topics = append(topics, q+" "+kw)
	}
	return topics
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
