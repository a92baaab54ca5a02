package scoring

import (
	"testing"

	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/models"
)

func newTestScorer() *Scorer {
	return New(config.Default().Scoring)
}

func TestScoreDeterministic(t *testing.T) {
	s := newTestScorer()
	rec := models.SourceRecord{
		URL:     "https://www.nature.com/articles/xyz",
		Title:   "Vaccine efficacy in large cohorts",
		Snippet: "According to a peer-reviewed study published in 2023, the methodology covered a sample size of 40,000 participants.",
	}
	first := s.Score(rec)
	for i := 0; i < 5; i++ {
		if got := s.Score(rec); got != first {
			t.Fatalf("score not deterministic: %v != %v", got, first)
		}
	}
}

func TestScoreMissingMetadataFallsBackToNeutral(t *testing.T) {
	s := newTestScorer()
	if got := s.Score(models.SourceRecord{}); got != NeutralScore {
		t.Fatalf("empty record score = %v, want %v", got, NeutralScore)
	}
}

func TestScoreRange(t *testing.T) {
	s := newTestScorer()
	recs := []models.SourceRecord{
		{URL: "http://sketchy.biz", Title: "SHOCKING!!! you won't believe this one trick", Snippet: "WAKE UP!!! conspiracy truth revealed"},
		{URL: "https://arxiv.org/abs/1234", Snippet: "Peer-reviewed analysis, et al. (2021) [3]"},
		{URL: "https://example.com"},
	}
	for _, r := range recs {
		got := s.Score(r)
		if got < 0 || got > 100 {
			t.Errorf("score out of range for %q: %v", r.URL, got)
		}
	}
}

func TestHighAuthorityOutscoresLowAuthority(t *testing.T) {
	s := newTestScorer()
	snippet := "According to a study published in 2022, results were consistent."
	high := s.Score(models.SourceRecord{URL: "https://www.cdc.gov/report", Snippet: snippet})
	low := s.Score(models.SourceRecord{URL: "http://myblog.example", Snippet: snippet})
	if high <= low {
		t.Fatalf("expected authority domain to outscore: high=%v low=%v", high, low)
	}
}

func TestBiasLowersScore(t *testing.T) {
	s := newTestScorer()
	clean := s.Score(models.SourceRecord{
		URL:     "https://example.org/a",
		Title:   "Quarterly analysis of energy markets",
		Snippet: "The data suggests steady growth, according to the report.",
	})
	biased := s.Score(models.SourceRecord{
		URL:     "https://example.org/b",
		Title:   "SHOCKING truth revealed!!! they don't want you to know",
		Snippet: "Unbelievable conspiracy, wake up!!!",
	})
	if biased >= clean {
		t.Fatalf("expected bias indicators to lower score: clean=%v biased=%v", clean, biased)
	}
}

func TestScoreAllAssignsEveryRecord(t *testing.T) {
	s := newTestScorer()
	recs := []models.SourceRecord{
		{URL: "https://reuters.com/x", Snippet: "According to the report."},
		{URL: "https://example.com/y"},
	}
	s.ScoreAll(recs)
	for i, r := range recs {
		if r.Credibility == 0 {
			t.Errorf("record %d not scored", i)
		}
	}
}
