package run

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/llm"
	"github.com/meridian-research/meridian/internal/models"
)

// Verifier runs the fact-check pass over a working set. Premium runs get
// a generation-backed cross-check; free runs and generation failures use
// the corroboration-only extraction, whose confidence comes straight
// from source credibility.
type Verifier struct {
	generator llm.Generator
	floor     float64
	logger    *zap.Logger
}

// NewVerifier builds a verifier. generator may be nil, forcing the
// extraction fallback for every run.
func NewVerifier(generator llm.Generator, floor float64, logger *zap.Logger) *Verifier {
	return &Verifier{generator: generator, floor: floor, logger: logger}
}

const verifierSystemPrompt = `You are a fact-checking assistant. Given search result snippets, extract the distinct factual claims they support. For each claim, list the URLs of every snippet that corroborates it and a confidence score from 0 to 100 based on agreement between sources.
Return ONLY a JSON array like: [{"fact": "...", "confidence": 85, "sources": ["url1", "url2"]}]`

// Verify returns the verified facts and whether the pass found a
// sub-topic with no supporting fact, which entitles the sequencer to one
// extra refine cycle.
func (v *Verifier) Verify(ctx context.Context, q models.Query, ws *models.WorkingSet, premium bool) ([]models.VerifiedFact, bool) {
	var facts []models.VerifiedFact
	if premium && v.generator != nil {
		facts = v.crossCheck(ctx, q, ws)
	}
	if len(facts) == 0 {
		facts = v.extract(ws)
	}
	return facts, v.hasUncoveredSubTopic(q, facts, ws)
}

func (v *Verifier) crossCheck(ctx context.Context, q models.Query, ws *models.WorkingSet) []models.VerifiedFact {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research query: %s\n\nSnippets:\n", q.Normalized)
	for _, rec := range ws.Records {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", rec.URL, rec.Title, rec.Snippet)
	}
	simplified := fmt.Sprintf("Extract factual claims as a JSON array of {fact, confidence, sources} from these snippets about %q.", q.Normalized)

	out, err := llm.GenerateWithRetry(ctx, v.generator, sb.String(), simplified, llm.Constraints{
		Agent:        "fact_verifier",
		Tier:         "small",
		MaxTokens:    2048,
		Temperature:  0.2,
		SystemPrompt: verifierSystemPrompt,
	})
	if err != nil {
		v.logger.Warn("Verification generation failed, using extraction fallback", zap.Error(err))
		return nil
	}

	facts := parseFacts(out)
	if len(facts) == 0 {
		v.logger.Warn("Verification response unparseable, using extraction fallback")
	}
	return facts
}

func parseFacts(out string) []models.VerifiedFact {
	out = strings.TrimSpace(out)
	var facts []models.VerifiedFact
	if err := json.Unmarshal([]byte(out), &facts); err == nil {
		return sanitizeFacts(facts)
	}
	if start, end := strings.Index(out, "["), strings.LastIndex(out, "]"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(out[start:end+1]), &facts); err == nil {
			return sanitizeFacts(facts)
		}
	}
	return nil
}

func sanitizeFacts(facts []models.VerifiedFact) []models.VerifiedFact {
	kept := facts[:0]
	for _, f := range facts {
		f.Fact = strings.TrimSpace(f.Fact)
		if f.Fact == "" || len(f.Sources) == 0 {
			continue
		}
		if f.Confidence < 0 {
			f.Confidence = 0
		}
		if f.Confidence > 100 {
			f.Confidence = 100
		}
		kept = append(kept, f)
	}
	return kept
}

// extract lifts one fact per above-floor source. Confidence mirrors the
// source's credibility; nothing here claims cross-source agreement.
func (v *Verifier) extract(ws *models.WorkingSet) []models.VerifiedFact {
	var facts []models.VerifiedFact
	for _, rec := range ws.Records {
		if rec.Credibility < v.floor || rec.Snippet == "" {
			continue
		}
		facts = append(facts, models.VerifiedFact{
			Fact:       rec.Snippet,
			Confidence: rec.Credibility,
			Sources:    []string{rec.URL},
		})
	}
	return facts
}

// hasUncoveredSubTopic reports whether some sub-topic has no fact whose
// sources touch it, judged by the same attribution the gap controller
// uses.
func (v *Verifier) hasUncoveredSubTopic(q models.Query, facts []models.VerifiedFact, ws *models.WorkingSet) bool {
	if len(q.SubTopics) == 0 || len(facts) == 0 {
		return len(facts) == 0 && len(ws.Records) > 0
	}

	urlTopic := make(map[string]string, len(ws.Records))
	for _, rec := range ws.Records {
		urlTopic[models.NormalizeURL(rec.URL)] = rec.SubTopic
	}

	covered := make(map[string]bool, len(q.SubTopics))
	for _, f := range facts {
		for _, src := range f.Sources {
			if st, ok := urlTopic[models.NormalizeURL(src)]; ok {
				covered[st] = true
			}
		}
	}
	for _, st := range q.SubTopics {
		if !covered[st] {
			return true
		}
	}
	return false
}
