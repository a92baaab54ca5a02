// Package scoring assigns credibility scores to source records. Scoring
// is a pure function of record metadata; it performs no network calls and
// is deterministic for identical input.
package scoring

import (
	"regexp"
	"strings"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
)

// NeutralScore is assigned when metadata is too sparse to score.
const NeutralScore = 50.0

// Domain authority classes. Substring match against the normalized URL.
var highAuthorityDomains = []string{
	// Academic
	".edu", ".ac.uk", "scholar.google", "arxiv.org", "researchgate.net",
	"pubmed.ncbi.nlm.nih.gov", "ieee.org", "acm.org", "springer.com",
	"sciencedirect.com", "nature.com", "science.org",
	// Government
	".gov", "who.int", "cdc.gov", "nasa.gov", "nih.gov",
	// Encyclopedias
	"wikipedia.org", "britannica.com",
	// Fact-checked news
	"reuters.com", "apnews.com", "bbc.com", "nytimes.com", "wsj.com",
	"economist.com", "scientificamerican.com",
}

var mediumAuthorityDomains = []string{
	".org", "medium.com", "forbes.com", "bloomberg.com", "cnbc.com",
	"theguardian.com", "washingtonpost.com", "techcrunch.com",
	"wired.com", "arstechnica.com", "npr.org", "pbs.org",
}

var biasIndicators = []string{
	"fake news", "mainstream media", "deep state", "conspiracy",
	"they don't want you to know", "wake up", "truth revealed",
	"shocking", "unbelievable", "you won't believe",
	"this one trick", "doctors hate", "secret",
	"far-left", "far-right", "radical", "extremist",
}

var qualityIndicators = []string{
	"according to", "study shows", "research indicates",
	"published in", "peer-reviewed", "data suggests",
	"dr.", "professor", "ph.d.", "researcher",
	"methodology", "sample size", "statistical", "analysis",
}

var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\(\d{4}\)`), // (2023)
	regexp.MustCompile(`\[\d+\]`),   // [1]
	regexp.MustCompile(`et al\.`),
	regexp.MustCompile(`according to`),
	regexp.MustCompile(`\bstudy\b`),
	regexp.MustCompile(`\bresearch\b`),
}

var excessivePunct = regexp.MustCompile(`[!?]{3,}`)

// Scorer computes credibility scores from configured weights.
type Scorer struct {
	cfg config.ScoringConfig
}

// New returns a scorer with the given weights.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns the credibility for a record in [0,100]. Missing metadata
// degrades to the neutral default instead of failing.
func (s *Scorer) Score(rec models.SourceRecord) float64 {
	if rec.URL == "" && rec.Title == "" && rec.Snippet == "" {
		return NeutralScore
	}

	domain := s.domainAuthority(rec.URL)
	quality := s.contentQuality(rec.Snippet)
	bias := s.biasLevel(rec.Title, rec.Snippet)
	citations := s.citationPresence(rec.Snippet)

	score := domain*s.cfg.DomainWeight +
		quality*s.cfg.QualityWeight +
		(100-bias)*s.cfg.BiasWeight +
		citations*s.cfg.CitationWeight

	return clamp(score, 0, 100)
}

// ScoreAll assigns credibility to every record in place.
func (s *Scorer) ScoreAll(recs []models.SourceRecord) {
	for i := range recs {
		recs[i].Credibility = s.Score(recs[i])
	}
}

// Composite returns the ranking score combining relevance and credibility
// under the configured weights.
func (s *Scorer) Composite(rec models.SourceRecord) float64 {
	return rec.Composite(s.cfg.RelevanceWeight, s.cfg.CredibilityWeight)
}

func (s *Scorer) domainAuthority(url string) float64 {
	if url == "" {
		return NeutralScore
	}
	lower := strings.ToLower(url)
	for _, d := range highAuthorityDomains {
		if strings.Contains(lower, d) {
			return 90
		}
	}
	for _, d := range mediumAuthorityDomains {
		if strings.Contains(lower, d) {
			return 70
		}
	}
	if strings.HasPrefix(lower, "https://") {
		return 50
	}
	return 30
}

func (s *Scorer) contentQuality(content string) float64 {
	if content == "" {
		return 30
	}
	lower := strings.ToLower(content)

	indicators := 0
	for _, q := range qualityIndicators {
		if strings.Contains(lower, q) {
			indicators++
		}
	}

	words := len(strings.Fields(content))
	lengthScore := clamp(float64(words)/50*100, 0, 100)

	sentences := strings.Split(content, ".")
	capitalized := 0
	nonEmpty := 0
	for _, sent := range sentences {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		nonEmpty++
		if r := sent[0]; r >= 'A' && r <= 'Z' {
			capitalized++
		}
	}
	grammarScore := 0.0
	if nonEmpty > 0 {
		grammarScore = float64(capitalized) / float64(nonEmpty) * 100
	}

	return clamp(float64(indicators*15)*0.4+lengthScore*0.4+grammarScore*0.2, 0, 100)
}

func (s *Scorer) biasLevel(title, content string) float64 {
	text := strings.ToLower(title + " " + content)

	count := 0
	for _, b := range biasIndicators {
		if strings.Contains(text, b) {
			count++
		}
	}

	punct := len(excessivePunct.FindAllString(text, -1))

	words := strings.Fields(title + " " + content)
	caps := 0
	for _, w := range words {
		if len(w) > 3 && w == strings.ToUpper(w) && w != strings.ToLower(w) {
			caps++
		}
	}
	capsRatio := 0.0
	if len(words) > 0 {
		capsRatio = float64(caps) / float64(len(words))
	}

	return clamp(float64(count*20)+float64(punct*15)+capsRatio*100, 0, 100)
}

func (s *Scorer) citationPresence(content string) float64 {
	if content == "" {
		return 0
	}
	lower := strings.ToLower(content)

	count := 0
	for _, p := range citationPatterns {
		count += len(p.FindAllString(lower, -1))
	}

	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	density := float64(count) / float64(words) * 1000 // per 1000 words
	return clamp(density*20, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
